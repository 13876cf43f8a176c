package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/tides-backend/internal/dock"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/hub"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/session"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/internal/types"
)

func TestToSessionMsg(t *testing.T) {
	p := newPrompter(func(types.ServerMessage) {})

	msg, err := toSessionMsg("c1", types.ClientMessage{Type: types.MsgIntent, Action: "next-phase"}, p)
	require.NoError(t, err)
	assert.Equal(t, session.FromClient{ClientID: "c1", Intent: dock.Intent{Action: dock.ActionNextPhase}}, msg)

	msg, err = toSessionMsg("c1", types.ClientMessage{Type: types.MsgPhaseChoice, CombatantID: "a", Phase: "Slow"}, p)
	require.NoError(t, err)
	assert.Equal(t, session.Choice{ClientID: "c1", CombatantID: "a", Phase: engine.PhaseSlow}, msg)

	_, err = toSessionMsg("c1", types.ClientMessage{Type: types.MsgPhaseChoice, CombatantID: "a", Phase: "enemy"}, p)
	require.ErrorIs(t, err, tracker.ErrInvalidChoice)

	_, err = toSessionMsg("c1", types.ClientMessage{Type: "Dance"}, p)
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = toSessionMsg("c1", types.ClientMessage{Type: types.MsgIntent, Action: "add-combatant"}, p)
	require.Error(t, err)

	msg, err = toSessionMsg("c1", types.ClientMessage{Type: types.MsgIntent, Action: "add-combatant", Combatant: &types.NewCombatant{
		Name: "Goblin", Disposition: "hostile", Initiative: 11,
	}}, p)
	require.NoError(t, err)
	in := msg.(session.FromClient).Intent
	assert.Equal(t, "Goblin", in.Combatant.Name)
	assert.Equal(t, engine.DispositionHostile, in.Combatant.Disposition)
}

func TestPrompter_ResolveAnswersOpenPrompt(t *testing.T) {
	sent := make(chan types.ServerMessage, 1)
	p := newPrompter(func(m types.ServerMessage) { sent <- m })

	result := make(chan engine.Phase, 1)
	go func() {
		choice, _ := p.Prompt(context.Background(), relay.Prompt{CombatantID: "a", CombatantName: "Aria"})
		result <- choice
	}()

	select {
	case m := <-sent:
		require.Equal(t, types.MsgPhaseSelectionPrompt, m.Type)
		assert.Equal(t, "Aria", m.Prompt.CombatantName)
		assert.Equal(t, []string{"fast", "slow"}, m.Prompt.Options)
	case <-time.After(time.Second):
		t.Fatalf("prompt not sent")
	}

	// An unsolicited choice goes to the session instead.
	msg, err := toSessionMsg("c1", types.ClientMessage{Type: types.MsgPhaseChoice, CombatantID: "other", Phase: "fast"}, p)
	require.NoError(t, err)
	assert.NotNil(t, msg)

	msg, err = toSessionMsg("c1", types.ClientMessage{Type: types.MsgPhaseChoice, CombatantID: "a", Phase: "fast"}, p)
	require.NoError(t, err)
	assert.Nil(t, msg)

	select {
	case choice := <-result:
		assert.Equal(t, engine.PhaseFast, choice)
	case <-time.After(time.Second):
		t.Fatalf("prompt not answered")
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(types.ServerMessage) bool) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		var m types.ServerMessage
		require.NoError(t, wsjson.Read(ctx, conn, &m))
		if match(m) {
			return m
		}
	}
}

func TestHandler_PromptRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := hub.NewHub(ctx, hub.Deps{
		Store: flags.NewMemoryStore(),
		Relay: relay.NewMemoryChannel(0),
		Session: session.Config{
			GMUsers:           []string{"gm"},
			ReconcileInterval: time.Hour,
		},
	})
	srv := httptest.NewServer(Handler(h))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	gm, _, err := websocket.Dial(ctx, base+"?code=T1&user=gm", nil)
	require.NoError(t, err)
	defer gm.Close(websocket.StatusNormalClosure, "")
	player, _, err := websocket.Dial(ctx, base+"?code=T1&user=p1&name=Pat", nil)
	require.NoError(t, err)
	defer player.Close(websocket.StatusNormalClosure, "")

	for _, cm := range []types.ClientMessage{
		{Type: types.MsgIntent, Action: "create-encounter", Name: "Ambush"},
		{Type: types.MsgIntent, Action: "add-combatant", Combatant: &types.NewCombatant{Name: "Aria", ActorOwners: []string{"p1"}, PlayerOwned: true}},
	} {
		require.NoError(t, wsjson.Write(ctx, gm, cm))
	}

	prompt := readUntil(t, player, func(m types.ServerMessage) bool { return m.Type == types.MsgPhaseSelectionPrompt })
	require.Equal(t, "Aria", prompt.Prompt.CombatantName)

	require.NoError(t, wsjson.Write(ctx, player, types.ClientMessage{
		Type: types.MsgPhaseChoice, CombatantID: prompt.Prompt.CombatantID, Phase: "slow",
	}))

	snap := readUntil(t, gm, func(m types.ServerMessage) bool {
		if m.Type != types.MsgDockSnapshot {
			return false
		}
		for _, e := range m.Dock.Combatants {
			if e.Name == "Aria" && e.PlayerSelectedPhase {
				return true
			}
		}
		return false
	})
	assert.Empty(t, snap.Dock.PendingPlayers)
	assert.True(t, snap.Dock.IsGM)
}

func TestHandler_RejectsMissingParams(t *testing.T) {
	h := hub.NewHub(context.Background(), hub.Deps{Store: flags.NewMemoryStore(), Relay: relay.NewMemoryChannel(0)})
	srv := httptest.NewServer(Handler(h))
	defer srv.Close()

	_, resp, err := websocket.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"?code=T1", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
	h.Inbox() <- hub.ShutdownHub{}
}

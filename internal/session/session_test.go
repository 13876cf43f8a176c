package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DoyleJ11/tides-backend/internal/dock"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

// helper: receive one outbound message with a timeout so tests never hang
func recvOutbound(t *testing.T, ch <-chan Outbound, within time.Duration) Outbound {
	t.Helper()
	select {
	case out, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return out
	case <-time.After(within):
		t.Fatalf("timed out waiting for outbound message")
		return Outbound{} // unreachable
	}
}

func recvSnapshot(t *testing.T, ch <-chan Outbound, within time.Duration) Snapshot {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		out := recvOutbound(t, ch, time.Until(deadline))
		if out.Snapshot != nil {
			return *out.Snapshot
		}
	}
}

// waitFor reads snapshots until match reports true.
func waitFor(t *testing.T, ch <-chan Outbound, within time.Duration, match func(dock.View) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(within)
	for {
		snap := recvSnapshot(t, ch, time.Until(deadline))
		if match(snap.View) {
			return snap
		}
	}
}

func recvState(t *testing.T, s *Session) State {
	t.Helper()
	reply := make(chan State, 1)
	s.Inbox() <- GetState{Reply: reply}
	select {
	case st := <-reply:
		return st
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for state")
		return State{}
	}
}

func newSession(t *testing.T, opts tracker.Options) (*Session, *flags.MemoryStore) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := flags.NewMemoryStore()
	s := New(ctx, store, relay.NewMemoryChannel(0), nil, Config{
		Table:             "T1",
		GMUsers:           []string{"gm"},
		Tracker:           opts,
		ReconcileInterval: time.Hour,
	})
	return s, store
}

func join(s *Session, clientID, userID string) chan Outbound {
	out := make(chan Outbound, 1024)
	s.Inbox() <- Join{ClientID: clientID, UserID: userID, Name: userID, Outbox: out}
	return out
}

// openSelection creates an encounter with one player combatant owned by p1 and
// crosses the slow→fast boundary. It returns the combatant id.
func openSelection(t *testing.T, s *Session, gmOut chan Outbound) string {
	t.Helper()
	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionCreateEncounter, Name: "Ambush"}}
	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionAddCombatant, Combatant: tracker.NewCombatant{
		Name: "Aria", ActorOwners: []string{"p1"}, PlayerOwned: true, Disposition: engine.DispositionFriendly,
	}}}
	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionAddCombatant, Combatant: tracker.NewCombatant{
		Name: "Goblin", Disposition: engine.DispositionHostile,
	}}}
	for i := 0; i < 3; i++ {
		s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionNextPhase}}
	}
	snap := waitFor(t, gmOut, time.Second, func(v dock.View) bool {
		return v.UIState == engine.UISelecting && len(v.Combatants) == 2
	})
	for _, e := range snap.View.Combatants {
		if e.Name == "Aria" {
			return e.ID
		}
	}
	t.Fatalf("Aria missing from %+v", snap.View.Combatants)
	return ""
}

func TestSession_JoinSendsCurrentSnapshot(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	out := join(s, "c1", "p1")

	first := recvSnapshot(t, out, 100*time.Millisecond)
	if first.Version != 0 {
		t.Fatalf("after join: want version=0, got %d", first.Version)
	}
	if first.View.HasEncounter || first.View.IsGM {
		t.Fatalf("after join: want empty player view, got %+v", first.View)
	}
	if st := recvState(t, s); st.NumClients != 1 {
		t.Fatalf("want 1 client, got %d", st.NumClients)
	}
}

func TestSession_PicksUpStoredEncounter(t *testing.T) {
	store := flags.NewMemoryStore()
	gm := flags.WithIdentity(context.Background(), flags.Identity{UserID: "gm", Privileged: true})
	enc, err := tracker.CreateEncounter(gm, store, "T1", "Ambush")
	if err != nil {
		t.Fatalf("create encounter: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx, store, relay.NewMemoryChannel(0), nil, Config{Table: "T1", ReconcileInterval: time.Hour})

	out := join(s, "c1", "p1")
	first := recvSnapshot(t, out, 200*time.Millisecond)
	if !first.View.HasEncounter || first.View.EncounterID != enc.ID {
		t.Fatalf("want encounter %s in view, got %+v", enc.ID, first.View)
	}
}

func TestSession_GMIntentBroadcastsToEveryone(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	gmOut := join(s, "gm", "gm")
	playerOut := join(s, "c1", "p1")
	_ = recvSnapshot(t, gmOut, 100*time.Millisecond)
	_ = recvSnapshot(t, playerOut, 100*time.Millisecond)

	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionCreateEncounter}}

	gmSnap := waitFor(t, gmOut, time.Second, func(v dock.View) bool { return v.HasEncounter })
	if !gmSnap.View.IsGM || gmSnap.Version < 1 {
		t.Fatalf("unexpected GM snapshot %+v", gmSnap)
	}
	playerSnap := waitFor(t, playerOut, time.Second, func(v dock.View) bool { return v.HasEncounter })
	if playerSnap.View.IsGM {
		t.Fatalf("player must not see the GM view")
	}
}

func TestSession_PlayerCannotAdvance(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	gmOut := join(s, "gm", "gm")
	playerOut := join(s, "c1", "p1")
	openSelection(t, s, gmOut)

	s.Inbox() <- FromClient{ClientID: "c1", Intent: dock.Intent{Action: dock.ActionPreviousPhase}}
	deadline := time.Now().Add(time.Second)
	for {
		out := recvOutbound(t, playerOut, time.Until(deadline))
		if out.Error != "" {
			if out.Error != "only the GM can do that" {
				t.Fatalf("unexpected error %q", out.Error)
			}
			return
		}
	}
}

func TestSession_BeginCombatWarnsAboutPendingPlayers(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	gmOut := join(s, "gm", "gm")
	openSelection(t, s, gmOut)

	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionBeginCombat}}
	deadline := time.Now().Add(time.Second)
	for {
		out := recvOutbound(t, gmOut, time.Until(deadline))
		if out.Notice != nil {
			if out.Notice.Level != types.NoticeWarning || out.Notice.Text != "waiting for phase selection from: Aria" {
				t.Fatalf("unexpected notice %+v", out.Notice)
			}
			return
		}
	}
}

func TestSession_DirectChoiceAppliedByCoordinator(t *testing.T) {
	s, _ := newSession(t, tracker.Options{PlayerWritePermission: true})
	gmOut := join(s, "gm", "gm")
	playerOut := join(s, "c1", "p1")
	aria := openSelection(t, s, gmOut)

	prompted := waitFor(t, playerOut, time.Second, func(v dock.View) bool { return len(v.Prompts) == 1 })
	if prompted.View.Prompts[0] != aria {
		t.Fatalf("want prompt for %s, got %v", aria, prompted.View.Prompts)
	}

	s.Inbox() <- Choice{ClientID: "c1", CombatantID: aria, Phase: engine.PhaseFast}

	snap := waitFor(t, gmOut, time.Second, func(v dock.View) bool { return v.UIState == engine.UIActive })
	if snap.View.CurrentRound != 2 || snap.View.CurrentPhase != engine.PhaseFast {
		t.Fatalf("want round 2 fast, got round %d %s", snap.View.CurrentRound, snap.View.CurrentPhase)
	}
	if len(snap.View.Roster) != 1 || snap.View.Roster[0].ID != aria {
		t.Fatalf("want Aria alone in the fast roster, got %+v", snap.View.Roster)
	}
}

func TestSession_RelayedChoiceAppliedAndConfirmed(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	gmOut := join(s, "gm", "gm")
	playerOut := join(s, "c1", "p1")
	aria := openSelection(t, s, gmOut)

	s.Inbox() <- Choice{ClientID: "c1", CombatantID: aria, Phase: engine.PhaseSlow}

	snap := waitFor(t, gmOut, time.Second, func(v dock.View) bool { return v.UIState == engine.UIActive })
	if snap.View.CurrentRound != 2 {
		t.Fatalf("want round 2, got %d", snap.View.CurrentRound)
	}

	deadline := time.Now().Add(time.Second)
	for {
		out := recvOutbound(t, playerOut, time.Until(deadline))
		if out.Notice != nil {
			if out.Notice.Level != types.NoticeInfo || out.Notice.CombatantID != aria {
				t.Fatalf("unexpected notice %+v", out.Notice)
			}
			return
		}
	}
}

func TestSession_DropSlowClient(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	gmOut := join(s, "gm", "gm")

	slow := make(chan Outbound, 1)
	s.Inbox() <- Join{ClientID: "slow", UserID: "p1", Outbox: slow}

	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionCreateEncounter}}
	waitFor(t, gmOut, time.Second, func(v dock.View) bool { return v.HasEncounter })

	if st := recvState(t, s); st.NumClients != 1 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", st.NumClients)
	}
}

func TestSession_LeaveClosesOutbox(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	out := join(s, "c1", "p1")
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Leave{ClientID: "c1"}
	if st := recvState(t, s); st.NumClients != 0 {
		t.Fatalf("NumClients=%d after leave", st.NumClients)
	}
	for range out {
		// Drain anything queued before the leave; the range ends on close.
	}
}

func TestSession_ShutdownClosesOutboxes(t *testing.T) {
	s, _ := newSession(t, tracker.Options{})
	out := join(s, "c1", "p1")
	_ = recvSnapshot(t, out, 100*time.Millisecond)

	s.Inbox() <- Shutdown{}
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("session did not stop")
	}
	if _, ok := <-out; ok {
		t.Fatalf("expected closed outbox after shutdown")
	}
}

// awaitView is waitFor for goroutines other than the test's own.
func awaitView(ch <-chan Outbound, within time.Duration, match func(dock.View) bool) (Snapshot, error) {
	timeout := time.After(within)
	for {
		select {
		case out, ok := <-ch:
			if !ok {
				return Snapshot{}, errors.New("outbox closed")
			}
			if out.Snapshot != nil && match(out.Snapshot.View) {
				return *out.Snapshot, nil
			}
		case <-timeout:
			return Snapshot{}, errors.New("timed out waiting for view")
		}
	}
}

// playRound runs one table from an empty encounter to round 2.
func playRound(s *Session, table string) error {
	player, clientID := "p-"+table, "c-"+table
	gmOut := join(s, "gm", "gm")
	playerOut := join(s, clientID, player)

	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionCreateEncounter, Name: table}}
	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionAddCombatant, Combatant: tracker.NewCombatant{
		Name: "Hero " + table, ActorOwners: []string{player}, PlayerOwned: true, Disposition: engine.DispositionFriendly,
	}}}
	s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionAddCombatant, Combatant: tracker.NewCombatant{
		Name: "Goblin", Disposition: engine.DispositionHostile,
	}}}
	for i := 0; i < 3; i++ {
		s.Inbox() <- FromClient{ClientID: "gm", Intent: dock.Intent{Action: dock.ActionNextPhase}}
	}

	prompted, err := awaitView(playerOut, 2*time.Second, func(v dock.View) bool { return len(v.Prompts) == 1 })
	if err != nil {
		return fmt.Errorf("prompt: %w", err)
	}
	s.Inbox() <- Choice{ClientID: clientID, CombatantID: prompted.View.Prompts[0], Phase: engine.PhaseSlow}

	done, err := awaitView(gmOut, 2*time.Second, func(v dock.View) bool { return v.UIState == engine.UIActive })
	if err != nil {
		return fmt.Errorf("round advance: %w", err)
	}
	v := done.View
	if v.CurrentRound != 2 || v.CurrentPhase != engine.PhaseFast || v.PhaseName != "Fast Phase" {
		return fmt.Errorf("want round 2 Fast Phase, got round %d %q", v.CurrentRound, v.PhaseName)
	}
	if len(v.Combatants) != 2 {
		return fmt.Errorf("want 2 combatants, got %d", len(v.Combatants))
	}
	return nil
}

// Run with -race: one actor per table, all sharing the store and relay.
func TestSession_TablesRunConcurrently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := flags.NewMemoryStore()
	channel := relay.NewMemoryChannel(0)

	tables := []string{"T1", "T2", "T3", "T4"}
	var wg sync.WaitGroup
	errs := make(chan error, len(tables))
	for i, table := range tables {
		s := New(ctx, store, channel, nil, Config{
			Table:   table,
			GMUsers: []string{"gm"},
			// Odd tables relay every choice.
			Tracker:           tracker.Options{PlayerWritePermission: i%2 == 0},
			ReconcileInterval: time.Hour,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := playRound(s, table); err != nil {
				errs <- fmt.Errorf("%s: %w", table, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

package ws

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/dock"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/types"
	pub "github.com/DoyleJ11/tides-backend/pkg/types"
)

// prompter is the selection prompt of one websocket connection. The prompt
// goes out as a PhaseSelectionPrompt and the client's next PhaseChoice or
// CancelPhaseChoice for that combatant answers it.
type prompter struct {
	send    func(types.ServerMessage)
	mu      sync.Mutex
	pending map[string]chan engine.Phase
}

func newPrompter(send func(types.ServerMessage)) *prompter {
	return &prompter{send: send, pending: map[string]chan engine.Phase{}}
}

func (p *prompter) Prompt(ctx context.Context, pr relay.Prompt) (engine.Phase, error) {
	answer := make(chan engine.Phase, 1)
	p.mu.Lock()
	p.pending[pr.CombatantID] = answer
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pending[pr.CombatantID] == answer {
			delete(p.pending, pr.CombatantID)
		}
		p.mu.Unlock()
	}()

	p.send(types.ServerMessage{Type: types.MsgPhaseSelectionPrompt, Prompt: &pub.PhaseSelectionPrompt{
		CombatantID:   pr.CombatantID,
		CombatantName: pr.CombatantName,
		EncounterID:   pr.EncounterID,
		Round:         pr.Round,
		Options:       []string{string(engine.PhaseFast), string(engine.PhaseSlow)},
	}})

	select {
	case choice := <-answer:
		return choice, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// resolve answers an open prompt; false when none is open for combatantID.
func (p *prompter) resolve(combatantID string, choice engine.Phase) bool {
	p.mu.Lock()
	answer, ok := p.pending[combatantID]
	delete(p.pending, combatantID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	answer <- choice
	return true
}

// promptTracker starts one agent run per combatant the snapshot asks this
// client about, and forgets combatants once they leave the prompt list.
type promptTracker struct {
	agent  *relay.Agent
	log    *zap.Logger
	active map[string]context.CancelFunc
}

func newPromptTracker(agent *relay.Agent, log *zap.Logger) *promptTracker {
	return &promptTracker{agent: agent, log: log, active: map[string]context.CancelFunc{}}
}

func (t *promptTracker) sync(ctx context.Context, v dock.View) {
	wanted := make(map[string]bool, len(v.Prompts))
	for _, id := range v.Prompts {
		wanted[id] = true
	}
	for id, cancel := range t.active {
		if !wanted[id] {
			cancel()
			delete(t.active, id)
		}
	}
	for _, id := range v.Prompts {
		if _, ok := t.active[id]; ok {
			continue
		}
		pr := relay.Prompt{EncounterID: v.EncounterID, CombatantID: id, Round: v.CurrentRound}
		for _, e := range v.Combatants {
			if e.ID == id {
				pr.CombatantName = e.Name
			}
		}
		runCtx, cancel := context.WithCancel(ctx)
		t.active[id] = cancel
		go func() {
			out, err := t.agent.HandleSelectionRequest(runCtx, pr)
			if err != nil && runCtx.Err() == nil {
				t.log.Info("phase selection failed", zap.String("combatant", pr.CombatantID), zap.Error(err))
				return
			}
			t.log.Debug("phase selection handled", zap.String("combatant", pr.CombatantID), zap.Stringer("outcome", out))
		}()
	}
}

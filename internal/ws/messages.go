package ws

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/tides-backend/internal/dock"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/session"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/internal/types"
)

var ErrUnknownType = errors.New("unknown type")

// toSessionMsg translates a client message. Answers to an open prompt are
// consumed by the prompter and yield no session message.
func toSessionMsg(clientID string, m types.ClientMessage, p *prompter) (session.Msg, error) {
	switch m.Type {
	case types.MsgIntent:
		in, err := toIntent(m)
		if err != nil {
			return nil, err
		}
		return session.FromClient{ClientID: clientID, Intent: in}, nil

	case types.MsgPhaseChoice:
		phase, err := engine.ParsePhase(m.Phase)
		if err != nil {
			return nil, err
		}
		if !phase.Selectable() {
			return nil, tracker.ErrInvalidChoice
		}
		if p.resolve(m.CombatantID, phase) {
			return nil, nil
		}
		return session.Choice{ClientID: clientID, CombatantID: m.CombatantID, Phase: phase}, nil

	case types.MsgCancelPhaseChoice:
		if p.resolve(m.CombatantID, "") {
			return nil, nil
		}
		return session.Cancel{ClientID: clientID, CombatantID: m.CombatantID}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func toIntent(m types.ClientMessage) (dock.Intent, error) {
	action, err := dock.ParseAction(m.Action)
	if err != nil {
		return dock.Intent{}, err
	}
	in := dock.Intent{Action: action, CombatantID: m.CombatantID, Name: m.Name}
	if action == dock.ActionSetPhase {
		if in.Phase, err = engine.ParsePhase(m.Phase); err != nil {
			return dock.Intent{}, err
		}
	}
	if action == dock.ActionAddCombatant {
		if m.Combatant == nil {
			return dock.Intent{}, fmt.Errorf("add-combatant needs a combatant")
		}
		c := m.Combatant
		in.Combatant = tracker.NewCombatant{
			Name:        c.Name,
			ActorID:     c.ActorID,
			ActorOwners: c.ActorOwners,
			Disposition: engine.Disposition(c.Disposition),
			PlayerOwned: c.PlayerOwned,
			Initiative:  c.Initiative,
			Duration:    c.Duration,
		}
	}
	return in, nil
}

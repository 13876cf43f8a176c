package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

var ErrNotOwner = errors.New("requester does not own the combatant")

// Notifier delivers a notice to one user. Delivery is best effort.
type Notifier interface {
	Notify(userID string, n types.Notice)
}

type NotifierFunc func(userID string, n types.Notice)

func (f NotifierFunc) Notify(userID string, n types.Notice) { f(userID, n) }

// Processor is the coordinator side of the relay. Handle must be called with
// a privileged identity on ctx.
type Processor struct {
	notifier Notifier
	log      *zap.Logger
}

func NewProcessor(notifier Notifier, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	if notifier == nil {
		notifier = NotifierFunc(func(string, types.Notice) {})
	}
	return &Processor{notifier: notifier, log: log}
}

// Handle replays m against tr. Messages for another encounter are ignored so
// several tables can share one channel.
func (p *Processor) Handle(ctx context.Context, tr *tracker.Tracker, m Message) error {
	if err := Validate(m); err != nil {
		p.log.Warn("dropping relay message", zap.Error(err))
		return err
	}
	if tr == nil {
		p.log.Debug("relay message without active encounter", zap.String("combat", m.CombatID))
		return tracker.ErrMissingEncounter
	}
	if m.CombatID != tr.EncounterID() {
		return nil
	}

	c, err := tr.Combatant(ctx, m.CombatantID)
	if err != nil {
		p.log.Info("relay target gone", zap.String("combatant", m.CombatantID), zap.Error(err))
		return err
	}
	if !c.OwnedBy(m.UserID) {
		p.log.Warn("relay from non-owner",
			zap.String("combatant", c.ID), zap.String("user", m.UserID))
		p.notifier.Notify(m.UserID, types.Notice{
			Level:       types.NoticeWarning,
			Text:        fmt.Sprintf("You do not control %s.", c.Name),
			CombatantID: c.ID,
		})
		return fmt.Errorf("%s: %w", c.ID, ErrNotOwner)
	}

	switch m.Type {
	case types.RelayCancelPhaseChoice:
		return tr.ClearSelectionRequest(ctx, c.ID)

	default:
		choice, err := engine.ParsePhase(m.Choice)
		if err != nil {
			return fmt.Errorf("%w: %v", tracker.ErrInvalidChoice, err)
		}
		if err := tr.ApplyChoice(ctx, c.ID, choice, m.UserName); err != nil {
			p.notifier.Notify(m.UserID, types.Notice{
				Level:       types.NoticeWarning,
				Text:        fmt.Sprintf("Could not set the phase for %s. Please choose again.", c.Name),
				CombatantID: c.ID,
			})
			return err
		}
		p.notifier.Notify(m.UserID, types.Notice{
			Level:       types.NoticeInfo,
			Text:        fmt.Sprintf("%s will act in the %s.", c.Name, choice.DisplayName()),
			CombatantID: c.ID,
		})
		return nil
	}
}

package tracker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
)

// RepromptPlayers opens a selection window: the encounter is marked as
// awaiting and every player combatant loses its phase until the owner picks
// again. A failing combatant does not stop the others; the combined error is
// returned after the whole batch ran.
func (t *Tracker) RepromptPlayers(ctx context.Context) error {
	s, cs, err := t.Load(ctx)
	if err != nil {
		return err
	}
	if !s.AwaitingPhaseSelection || s.UIState != engine.UISelecting {
		next := s
		next.AwaitingPhaseSelection = true
		next.UIState = engine.UISelecting
		if err := t.persist(ctx, s, next); err != nil {
			return err
		}
	}

	var errs error
	prompted := 0
	for _, c := range cs {
		if !c.PlayerOwned {
			continue
		}
		if err := t.reprompt(ctx, c.ID); err != nil {
			t.log.Warn("re-prompt failed", zap.String("combatant", c.ID), zap.Error(err))
			errs = multierr.Append(errs, err)
			continue
		}
		prompted++
		t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: c.ID})
	}
	t.log.Info("players re-prompted", zap.Int("prompted", prompted), zap.Int("round", s.Round))
	return errs
}

func (t *Tracker) reprompt(ctx context.Context, id string) error {
	return multierr.Combine(
		t.unsetFlag(ctx, id, record.KeyPhase),
		t.unsetFlag(ctx, id, record.KeyPlayerSelectedPhase),
		t.unsetFlag(ctx, id, record.KeyPendingPhaseChoice),
		t.setFlag(ctx, id, record.KeyNeedsPhaseSelection, true),
	)
}

// ApplyChoice records a player's phase choice and re-evaluates readiness.
// requester is only used for logging; callers check ownership.
func (t *Tracker) ApplyChoice(ctx context.Context, id string, choice engine.Phase, requester string) error {
	if !choice.Selectable() {
		return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}
	if _, err := t.Combatant(ctx, id); err != nil {
		return err
	}

	err := multierr.Combine(
		t.setFlag(ctx, id, record.KeyPhase, string(choice)),
		t.setFlag(ctx, id, record.KeyPlayerSelectedPhase, true),
		t.unsetFlag(ctx, id, record.KeyNeedsPhaseSelection),
		t.unsetFlag(ctx, id, record.KeyPendingPhaseChoice),
	)
	if err != nil {
		// A dangling pending choice would be replayed forever by the sweep.
		if uerr := t.unsetFlag(ctx, id, record.KeyPendingPhaseChoice); uerr != nil {
			t.log.Warn("clearing pending choice failed", zap.String("combatant", id), zap.Error(uerr))
		}
		return err
	}
	t.log.Info("phase choice applied",
		zap.String("combatant", id),
		zap.String("phase", string(choice)),
		zap.String("requester", requester))
	t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: id, Phase: choice})

	_, err = t.CheckReadiness(ctx)
	return err
}

// ClearSelectionRequest drops needsPhaseSelection after a cancelled prompt.
func (t *Tracker) ClearSelectionRequest(ctx context.Context, id string) error {
	if err := t.unsetFlag(ctx, id, record.KeyNeedsPhaseSelection); err != nil {
		return err
	}
	t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: id})
	return nil
}

// CheckReadiness recomputes readiness from the store and finishes the round
// advancement once every player combatant has chosen.
func (t *Tracker) CheckReadiness(ctx context.Context) (engine.ReadinessReport, error) {
	s, cs, err := t.Load(ctx)
	if err != nil {
		return engine.ReadinessReport{}, err
	}
	r := engine.Readiness(cs)
	t.publish(engine.Event{Type: engine.EvtReadinessChanged, EncounterID: t.encounterID, Round: s.Round})
	if s.AwaitingPhaseSelection && r.Ready {
		if err := t.FinishRoundAdvancement(ctx); err != nil {
			return r, err
		}
	}
	return r, nil
}

// FinishRoundAdvancement closes the selection window and starts the next round
// in the fast phase.
func (t *Tracker) FinishRoundAdvancement(ctx context.Context) error {
	_, after, err := t.apply(ctx, engine.Command{Type: engine.CmdFinishSelection})
	if err != nil {
		return err
	}
	t.log.Info("round advanced", zap.Int("round", after.Round))

	cs, err := t.Combatants(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range cs {
		if c.NeedsPhaseSelection {
			errs = multierr.Append(errs, t.unsetFlag(ctx, c.ID, record.KeyNeedsPhaseSelection))
		}
	}
	if errs != nil {
		t.log.Warn("clearing selection flags finished with errors", zap.Error(errs))
	}
	if err := t.OnRoundChange(ctx); err != nil {
		t.log.Warn("round change cleanup finished with errors", zap.Error(err))
	}
	return nil
}

// BeginCombat starts the encounter. It refuses with a *engine.PendingPlayersError
// while any player combatant has not confirmed a phase.
func (t *Tracker) BeginCombat(ctx context.Context) error {
	cs, err := t.Combatants(ctx)
	if err != nil {
		return err
	}
	r := engine.Readiness(cs)
	cmd := engine.Command{Type: engine.CmdBeginCombat}
	if !r.Ready {
		cmd.Pending = r.PendingNames()
	}
	if _, _, err := t.apply(ctx, cmd); err != nil {
		var pending *engine.PendingPlayersError
		if errors.As(err, &pending) {
			t.log.Info("begin combat refused", zap.Strings("pending", pending.Names))
		}
		return err
	}
	t.log.Info("combat started")
	return nil
}

// OnRoundChange clears per-round action markers and removes event combatants
// whose duration has run out.
func (t *Tracker) OnRoundChange(ctx context.Context) error {
	s, cs, err := t.Load(ctx)
	if err != nil {
		return err
	}
	var errs error
	for _, c := range cs {
		if engine.Expired(c, s.Round) {
			if err := t.store.Delete(ctx, flags.CombatantRef(t.encounterID, c.ID)); err != nil {
				if !errors.Is(err, flags.ErrNotFound) {
					errs = multierr.Append(errs, fmt.Errorf("removing expired %s: %w", c.ID, err))
				}
				continue
			}
			t.log.Info("event combatant expired", zap.String("combatant", c.ID), zap.Int("round", s.Round))
			t.publish(engine.Event{Type: engine.EvtCombatantRemoved, EncounterID: t.encounterID, CombatantID: c.ID, Round: s.Round})
			continue
		}
		if c.ActionTaken {
			errs = multierr.Append(errs, t.unsetFlag(ctx, c.ID, record.KeyActionTaken))
		}
	}
	return errs
}

// SweepOrphans applies pending choices nobody processed, e.g. written while no
// coordinator was listening. Invalid leftovers are cleared. It returns the
// number of choices applied.
func (t *Tracker) SweepOrphans(ctx context.Context) (int, error) {
	cs, err := t.Combatants(ctx)
	if err != nil {
		return 0, err
	}
	applied := 0
	var errs error
	for _, c := range cs {
		raw, ok, err := t.store.Get(ctx, flags.CombatantRef(t.encounterID, c.ID), record.Namespace, record.KeyPendingPhaseChoice)
		if err != nil || !ok {
			continue
		}
		if !c.PendingPhaseChoice.Selectable() {
			t.log.Warn("dropping invalid pending choice", zap.String("combatant", c.ID), zap.ByteString("value", raw))
			errs = multierr.Append(errs, t.unsetFlag(ctx, c.ID, record.KeyPendingPhaseChoice))
			continue
		}
		if err := t.ApplyChoice(ctx, c.ID, c.PendingPhaseChoice, "sweep"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		applied++
	}
	if applied > 0 {
		t.log.Info("orphaned choices applied", zap.Int("count", applied))
	}
	return applied, errs
}

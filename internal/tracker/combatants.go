package tracker

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
)

// NewCombatant describes a combatant joining the encounter.
type NewCombatant struct {
	Name        string
	ActorID     string
	ActorOwners []string
	Disposition engine.Disposition
	PlayerOwned bool
	Initiative  int
	// Duration in rounds for event combatants; zero for regular combatants.
	Duration int
}

// AddCombatant creates the combatant document. NPCs get their disposition
// phase right away; player combatants are flagged for selection instead.
func (t *Tracker) AddCombatant(ctx context.Context, nc NewCombatant) (engine.Combatant, error) {
	s, err := t.State(ctx)
	if err != nil {
		return engine.Combatant{}, err
	}
	name := strings.TrimSpace(nc.Name)
	if name == "" {
		return engine.Combatant{}, fmt.Errorf("combatant name is required")
	}
	disposition := engine.Disposition(strings.ToLower(string(nc.Disposition)))
	if disposition == "" {
		disposition = engine.DispositionNeutral
	}

	c := engine.Combatant{
		ID:          uuid.NewString(),
		EncounterID: t.encounterID,
		Name:        name,
		ActorID:     nc.ActorID,
		ActorOwners: nc.ActorOwners,
		Disposition: disposition,
		PlayerOwned: nc.PlayerOwned,
		Initiative:  nc.Initiative,
	}
	mod := map[string]any{record.KeySchemaVersion: record.SchemaVersion}
	if c.PlayerOwned {
		c.NeedsPhaseSelection = true
		mod[record.KeyNeedsPhaseSelection] = true
	} else {
		c.Phase = engine.DispositionPhase(disposition)
		mod[record.KeyPhase] = string(c.Phase)
	}
	if nc.Duration > 0 {
		c.Duration = nc.Duration
		c.RoundCreated = s.Round
		mod[record.KeyDuration] = c.Duration
		mod[record.KeyRoundCreated] = c.RoundCreated
	}

	var owners []string
	if t.opts.PlayerWritePermission {
		owners = c.ActorOwners
	}
	ref := flags.CombatantRef(t.encounterID, c.ID)
	doc, err := record.NewDocument(ref, c.Name, owners, map[string]map[string]any{
		record.Namespace:     mod,
		record.CoreNamespace: record.EncodeCombatantCore(c),
	})
	if err != nil {
		return engine.Combatant{}, err
	}
	if err := t.store.Create(ctx, doc); err != nil {
		return engine.Combatant{}, t.wrapMissing(err)
	}
	t.log.Info("combatant added",
		zap.String("combatant", c.ID),
		zap.String("name", c.Name),
		zap.Bool("player", c.PlayerOwned),
		zap.String("phase", string(c.Phase)))
	t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: c.ID, Phase: c.Phase})
	return c, nil
}

// RemoveCombatant deletes the combatant. Dropping the last pending player can
// complete an open selection window.
func (t *Tracker) RemoveCombatant(ctx context.Context, id string) error {
	if err := t.store.Delete(ctx, flags.CombatantRef(t.encounterID, id)); err != nil {
		return t.wrapCombatant(ctx, id, err)
	}
	t.log.Info("combatant removed", zap.String("combatant", id))
	t.publish(engine.Event{Type: engine.EvtCombatantRemoved, EncounterID: t.encounterID, CombatantID: id})
	_, err := t.CheckReadiness(ctx)
	return err
}

// ToggleActionTaken flips the per-round action marker and returns the new value.
func (t *Tracker) ToggleActionTaken(ctx context.Context, id string) (bool, error) {
	c, err := t.Combatant(ctx, id)
	if err != nil {
		return false, err
	}
	next := !c.ActionTaken
	if next {
		err = t.setFlag(ctx, id, record.KeyActionTaken, true)
	} else {
		err = t.unsetFlag(ctx, id, record.KeyActionTaken)
	}
	if err != nil {
		return c.ActionTaken, err
	}
	t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: id})
	return next, nil
}

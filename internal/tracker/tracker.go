// Package tracker runs the phase state machine and round advancement
// coordinator against the flag store. Every write uses the identity on ctx.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/bus"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
)

var (
	ErrMissingEncounter = errors.New("no active encounter")
	ErrUnknownCombatant = errors.New("combatant not in encounter")
	ErrInvalidChoice    = errors.New("players may only choose the fast or slow phase")
)

type Options struct {
	// PlayerWritePermission grants actor owners write access to their
	// combatant documents. Without it every player choice goes through the relay.
	PlayerWritePermission bool
}

type Tracker struct {
	store       flags.Store
	bus         *bus.Bus
	log         *zap.Logger
	encounterID string
	opts        Options
}

func New(store flags.Store, b *bus.Bus, log *zap.Logger, encounterID string, opts Options) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		store:       store,
		bus:         b,
		log:         log.With(zap.String("encounter", encounterID)),
		encounterID: encounterID,
		opts:        opts,
	}
}

func (t *Tracker) EncounterID() string { return t.encounterID }

func (t *Tracker) ref() flags.Ref { return flags.EncounterRef(t.encounterID) }

// CreateEncounter persists a fresh encounter for table: round 1, fast phase,
// preparation.
func CreateEncounter(ctx context.Context, store flags.Store, table, name string) (engine.State, error) {
	s := engine.NewEncounterState(uuid.NewString(), table)
	doc, err := record.NewDocument(flags.EncounterRef(s.ID), name, nil,
		map[string]map[string]any{record.Namespace: record.EncodeEncounter(s)})
	if err != nil {
		return engine.State{}, err
	}
	if err := store.Create(ctx, doc); err != nil {
		return engine.State{}, fmt.Errorf("creating encounter: %w", err)
	}
	return s, nil
}

// Delete removes the encounter and its combatants.
func (t *Tracker) Delete(ctx context.Context) error {
	if err := t.store.Delete(ctx, t.ref()); err != nil {
		return t.wrapMissing(err)
	}
	t.publish(engine.Event{Type: engine.EvtEncounterDeleted, EncounterID: t.encounterID})
	return nil
}

func (t *Tracker) State(ctx context.Context) (engine.State, error) {
	doc, err := t.store.Load(ctx, t.ref())
	if err != nil {
		return engine.State{}, t.wrapMissing(err)
	}
	return record.DecodeEncounter(doc), nil
}

func (t *Tracker) Combatants(ctx context.Context) ([]engine.Combatant, error) {
	docs, err := t.store.List(ctx, flags.KindCombatant, t.encounterID)
	if err != nil {
		return nil, fmt.Errorf("listing combatants: %w", err)
	}
	out := make([]engine.Combatant, 0, len(docs))
	for _, d := range docs {
		out = append(out, record.DecodeCombatant(d))
	}
	return engine.SortCombatants(out), nil
}

// Load reads the encounter and its combatants in one call.
func (t *Tracker) Load(ctx context.Context) (engine.State, []engine.Combatant, error) {
	s, err := t.State(ctx)
	if err != nil {
		return engine.State{}, nil, err
	}
	cs, err := t.Combatants(ctx)
	if err != nil {
		return engine.State{}, nil, err
	}
	return s, cs, nil
}

func (t *Tracker) Combatant(ctx context.Context, id string) (engine.Combatant, error) {
	doc, err := t.store.Load(ctx, flags.CombatantRef(t.encounterID, id))
	if err != nil {
		if errors.Is(err, flags.ErrNotFound) {
			if _, serr := t.State(ctx); serr != nil {
				return engine.Combatant{}, serr
			}
			return engine.Combatant{}, fmt.Errorf("%s: %w", id, ErrUnknownCombatant)
		}
		return engine.Combatant{}, err
	}
	return record.DecodeCombatant(doc), nil
}

func (t *Tracker) CombatantPhase(c engine.Combatant) engine.Phase {
	return engine.CombatantPhase(c)
}

// SetCombatantPhase writes the combatant's phase. Writing the current value is
// a no-op in the store.
func (t *Tracker) SetCombatantPhase(ctx context.Context, id string, phase engine.Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("%w: %q", engine.ErrUnknownPhase, phase)
	}
	if err := t.setFlag(ctx, id, record.KeyPhase, string(phase)); err != nil {
		return err
	}
	t.log.Debug("combatant phase set", zap.String("combatant", id), zap.String("phase", string(phase)))
	t.publish(engine.Event{Type: engine.EvtCombatantUpdated, EncounterID: t.encounterID, CombatantID: id, Phase: phase})
	return nil
}

// AdvancePhase moves the current phase by dir (+1 or -1). Crossing slow→fast
// hands over to the round advancement handshake instead of moving directly.
func (t *Tracker) AdvancePhase(ctx context.Context, dir int) error {
	cmd := engine.Command{Type: engine.CmdNextPhase}
	if dir < 0 {
		cmd.Type = engine.CmdPreviousPhase
	}
	events, _, err := t.apply(ctx, cmd)
	if err != nil {
		return err
	}
	if engine.ContainsEvent(events, engine.EvtSelectionRequested) {
		if err := t.RepromptPlayers(ctx); err != nil {
			t.log.Warn("re-prompt finished with errors", zap.Error(err))
		}
		if _, err := t.CheckReadiness(ctx); err != nil {
			return err
		}
	}
	if engine.ContainsEvent(events, engine.EvtRoundChanged) {
		if err := t.OnRoundChange(ctx); err != nil {
			t.log.Warn("round change cleanup finished with errors", zap.Error(err))
		}
	}
	return nil
}

func (t *Tracker) PhaseRoster(ctx context.Context) ([]engine.Combatant, error) {
	s, cs, err := t.Load(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Roster(s, cs), nil
}

func (t *Tracker) SetActiveCombatant(ctx context.Context, id string) error {
	if _, err := t.Combatant(ctx, id); err != nil {
		return err
	}
	_, _, err := t.apply(ctx, engine.Command{Type: engine.CmdSetActiveCombatant, CombatantID: id})
	return err
}

// apply runs cmd through the engine and persists only the flags that changed.
func (t *Tracker) apply(ctx context.Context, cmd engine.Command) ([]engine.Event, engine.State, error) {
	before, err := t.State(ctx)
	if err != nil {
		return nil, engine.State{}, err
	}
	events, after, err := engine.Apply(before, cmd)
	if err != nil {
		return nil, before, err
	}
	if err := t.persist(ctx, before, after); err != nil {
		return nil, before, err
	}
	t.publish(events...)
	return events, after, nil
}

func (t *Tracker) persist(ctx context.Context, before, after engine.State) error {
	old := record.EncodeEncounter(before)
	next := record.EncodeEncounter(after)
	for _, key := range slices.Sorted(maps.Keys(next)) {
		value := next[key]
		if old[key] == value {
			continue
		}
		if err := t.store.Set(ctx, t.ref(), record.Namespace, key, value); err != nil {
			return t.wrapMissing(err)
		}
	}
	return nil
}

func (t *Tracker) setFlag(ctx context.Context, combatantID, key string, value any) error {
	err := t.store.Set(ctx, flags.CombatantRef(t.encounterID, combatantID), record.Namespace, key, value)
	return t.wrapCombatant(ctx, combatantID, err)
}

func (t *Tracker) unsetFlag(ctx context.Context, combatantID, key string) error {
	err := t.store.Unset(ctx, flags.CombatantRef(t.encounterID, combatantID), record.Namespace, key)
	return t.wrapCombatant(ctx, combatantID, err)
}

func (t *Tracker) wrapCombatant(ctx context.Context, combatantID string, err error) error {
	if err == nil || !errors.Is(err, flags.ErrNotFound) {
		return err
	}
	if _, serr := t.State(ctx); serr != nil {
		return serr
	}
	return fmt.Errorf("%s: %w", combatantID, ErrUnknownCombatant)
}

func (t *Tracker) wrapMissing(err error) error {
	if errors.Is(err, flags.ErrNotFound) {
		return fmt.Errorf("%s: %w", t.encounterID, ErrMissingEncounter)
	}
	return err
}

func (t *Tracker) publish(events ...engine.Event) {
	if t.bus == nil || len(events) == 0 {
		return
	}
	t.bus.Publish(events...)
}

package dock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/bus"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
)

var ErrUnknownAction = errors.New("unknown dock action")

type Action string

const (
	ActionNextPhase       Action = "next-phase"
	ActionPreviousPhase   Action = "previous-phase"
	ActionBeginCombat     Action = "begin-combat"
	ActionCreateEncounter Action = "create-encounter"
	ActionCancelEncounter Action = "cancel-encounter"
	ActionToggleAction    Action = "toggle-action"
	ActionSetActive       Action = "set-active"
	ActionSetPhase        Action = "set-phase"
	ActionAddCombatant    Action = "add-combatant"
	ActionRemoveCombatant Action = "remove-combatant"
)

var actions = map[Action]bool{
	ActionNextPhase: true, ActionPreviousPhase: true, ActionBeginCombat: true,
	ActionCreateEncounter: true, ActionCancelEncounter: true, ActionToggleAction: true,
	ActionSetActive: true, ActionSetPhase: true, ActionAddCombatant: true, ActionRemoveCombatant: true,
}

func ParseAction(raw string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(raw)))
	if !actions[a] {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return a, nil
}

// Intent is a dock action plus its arguments.
type Intent struct {
	Action      Action
	CombatantID string
	Phase       engine.Phase
	// Name is the encounter name for create-encounter.
	Name      string
	Combatant tracker.NewCombatant
}

// renderEvents are the bus events that change what the dock shows.
var renderEvents = []engine.EventType{
	engine.EvtRoundChanged,
	engine.EvtPhaseChanged,
	engine.EvtCombatantUpdated,
	engine.EvtReadinessChanged,
	engine.EvtCombatStarted,
	engine.EvtCombatantRemoved,
	engine.EvtEncounterDeleted,
}

// Controller owns the view of one encounter.
type Controller struct {
	tr     *tracker.Tracker
	log    *zap.Logger
	render chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newController(tr *tracker.Tracker, b *bus.Bus, log *zap.Logger) *Controller {
	c := &Controller{
		tr:     tr,
		log:    log.With(zap.String("encounter", tr.EncounterID())),
		render: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if b != nil {
		go c.watch(b)
	}
	return c
}

// watch coalesces tracker events into render requests. A dropped bus
// subscription is renewed and forces a render.
func (c *Controller) watch(b *bus.Bus) {
	for {
		sub := b.Subscribe(renderEvents...)
		for open := true; open; {
			select {
			case <-c.done:
				sub.Close()
				return
			case ev, ok := <-sub.Events:
				if !ok {
					open = false
					break
				}
				if ev.EncounterID != "" && ev.EncounterID != c.tr.EncounterID() {
					continue
				}
			}
			c.requestRender()
		}
	}
}

func (c *Controller) requestRender() {
	select {
	case c.render <- struct{}{}:
	default:
	}
}

// Render signals that the view should be rebuilt.
func (c *Controller) Render() <-chan struct{} { return c.render }

func (c *Controller) Tracker() *tracker.Tracker { return c.tr }

func (c *Controller) EncounterID() string { return c.tr.EncounterID() }

func (c *Controller) close() {
	c.once.Do(func() { close(c.done) })
}

// Load reads the encounter once. A missing encounter projects empty.
func (c *Controller) Load(ctx context.Context) Projection {
	s, cs, err := c.tr.Load(ctx)
	if err != nil {
		if !errors.Is(err, tracker.ErrMissingEncounter) {
			c.log.Warn("loading encounter for view", zap.Error(err))
		}
		return Projection{}
	}
	return Projection{ok: true, state: s, combatants: cs}
}

func (c *Controller) View(ctx context.Context, viewer Viewer) View {
	return c.Load(ctx).View(viewer)
}

// Dispatch runs an encounter action. Targets deleted mid-operation are a no-op.
func (c *Controller) Dispatch(ctx context.Context, in Intent) error {
	err := c.dispatch(ctx, in)
	if errors.Is(err, tracker.ErrMissingEncounter) || errors.Is(err, tracker.ErrUnknownCombatant) {
		c.log.Debug("dock action on missing document", zap.String("action", string(in.Action)), zap.Error(err))
		return nil
	}
	return err
}

func (c *Controller) dispatch(ctx context.Context, in Intent) error {
	switch in.Action {
	case ActionNextPhase:
		return c.tr.AdvancePhase(ctx, +1)
	case ActionPreviousPhase:
		return c.tr.AdvancePhase(ctx, -1)
	case ActionBeginCombat:
		return c.tr.BeginCombat(ctx)
	case ActionToggleAction:
		_, err := c.tr.ToggleActionTaken(ctx, in.CombatantID)
		return err
	case ActionSetActive:
		return c.tr.SetActiveCombatant(ctx, in.CombatantID)
	case ActionSetPhase:
		return c.tr.SetCombatantPhase(ctx, in.CombatantID, in.Phase)
	case ActionAddCombatant:
		_, err := c.tr.AddCombatant(ctx, in.Combatant)
		return err
	case ActionRemoveCombatant:
		return c.tr.RemoveCombatant(ctx, in.CombatantID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, in.Action)
	}
}

package dock

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/bus"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
)

var ErrEncounterActive = errors.New("table already has an active encounter")

// Context is the dock state of one table. It is owned by a single goroutine
// and passed to whatever needs the active encounter.
type Context struct {
	store      flags.Store
	bus        *bus.Bus
	log        *zap.Logger
	table      string
	opts       tracker.Options
	controller *Controller
}

func NewContext(store flags.Store, b *bus.Bus, log *zap.Logger, table string, opts tracker.Options) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{
		store: store,
		bus:   b,
		log:   log.With(zap.String("table", table)),
		table: table,
		opts:  opts,
	}
}

func (d *Context) Table() string { return d.table }

// Init activates the dock for encounterID, replacing any other controller.
func (d *Context) Init(encounterID string) *Controller {
	if d.controller != nil {
		if d.controller.EncounterID() == encounterID {
			return d.controller
		}
		d.Teardown()
	}
	tr := tracker.New(d.store, d.bus, d.log, encounterID, d.opts)
	d.controller = newController(tr, d.bus, d.log)
	d.log.Info("dock initialised", zap.String("encounter", encounterID))
	return d.controller
}

// Teardown drops the active controller. Safe to call without one.
func (d *Context) Teardown() {
	if d.controller == nil {
		return
	}
	d.log.Info("dock torn down", zap.String("encounter", d.controller.EncounterID()))
	d.controller.close()
	d.controller = nil
}

func (d *Context) Controller() *Controller { return d.controller }

func (d *Context) Active() bool { return d.controller != nil }

// Tracker returns the active tracker or nil.
func (d *Context) Tracker() *tracker.Tracker {
	if d.controller == nil {
		return nil
	}
	return d.controller.tr
}

// Load projects the active encounter; without one every viewer sees Empty.
func (d *Context) Load(ctx context.Context) Projection {
	if d.controller == nil {
		return Projection{}
	}
	return d.controller.Load(ctx)
}

func (d *Context) View(ctx context.Context, viewer Viewer) View {
	return d.Load(ctx).View(viewer)
}

// Dispatch runs in. Without an active encounter every action except
// create-encounter is a no-op.
func (d *Context) Dispatch(ctx context.Context, in Intent) error {
	switch in.Action {
	case ActionCreateEncounter:
		return d.createEncounter(ctx, in.Name)
	case ActionCancelEncounter:
		if d.controller == nil {
			return nil
		}
		if err := d.controller.tr.Delete(ctx); err != nil && !errors.Is(err, tracker.ErrMissingEncounter) {
			return err
		}
		d.Teardown()
		return nil
	}
	if d.controller == nil {
		d.log.Debug("dock action without encounter", zap.String("action", string(in.Action)))
		return nil
	}
	return d.controller.Dispatch(ctx, in)
}

func (d *Context) createEncounter(ctx context.Context, name string) error {
	if d.controller != nil {
		if _, err := d.controller.tr.State(ctx); err == nil {
			return fmt.Errorf("%s: %w", d.table, ErrEncounterActive)
		}
		d.Teardown()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Encounter"
	}
	s, err := tracker.CreateEncounter(ctx, d.store, d.table, name)
	if err != nil {
		return err
	}
	d.Init(s.ID)
	return nil
}

// FindEncounter returns the id of the stored encounter for this table.
func (d *Context) FindEncounter(ctx context.Context) (string, bool, error) {
	docs, err := d.store.List(ctx, flags.KindEncounter, "")
	if err != nil {
		return "", false, err
	}
	for _, doc := range docs {
		if record.DecodeEncounter(doc).Table == d.table {
			return doc.Ref.ID, true, nil
		}
	}
	return "", false, nil
}

type ReconcileResult struct {
	Recreated bool
	TornDown  bool
	Swept     int
}

// Supervisor is the periodic safety net around a Context. It brings back a
// missing controller and applies choices nobody processed.
type Supervisor struct {
	dock *Context
	log  *zap.Logger
}

func NewSupervisor(d *Context, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{dock: d, log: log}
}

// Reconcile must run with a privileged identity on ctx.
func (s *Supervisor) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	if c := s.dock.Controller(); c != nil {
		if _, err := c.tr.State(ctx); errors.Is(err, tracker.ErrMissingEncounter) {
			s.dock.Teardown()
			res.TornDown = true
		}
	}
	if !s.dock.Active() {
		id, ok, err := s.dock.FindEncounter(ctx)
		if err != nil {
			return res, err
		}
		if ok {
			s.dock.Init(id)
			res.Recreated = true
			s.log.Info("dock controller re-created", zap.String("encounter", id))
		}
	}
	tr := s.dock.Tracker()
	if tr == nil {
		return res, nil
	}
	n, err := tr.SweepOrphans(ctx)
	res.Swept = n
	if errors.Is(err, tracker.ErrMissingEncounter) {
		return res, nil
	}
	return res, err
}

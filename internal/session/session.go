// Package session runs one actor goroutine per table. It owns the dock
// context, acts as the privileged coordinator for the table's encounter and
// pushes a fresh dock view to every connected client after each change.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/bus"
	"github.com/DoyleJ11/tides-backend/internal/dock"
	"github.com/DoyleJ11/tides-backend/internal/engine"
	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/record"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/tracker"
	"github.com/DoyleJ11/tides-backend/pkg/types"
)

const DefaultReconcileInterval = 5 * time.Second

// Coordinator is the identity the session writes with.
var Coordinator = flags.Identity{UserID: "coordinator", Name: "Coordinator", Privileged: true}

type Msg interface{ isSessionMsg() }

type Join struct {
	ClientID string
	UserID   string
	Name     string
	Outbox   chan Outbound // where this client receives snapshots and notices
}

func (Join) isSessionMsg() {}

type Leave struct{ ClientID string }

func (Leave) isSessionMsg() {}

// FromClient runs a dock action as the sending client.
type FromClient struct {
	ClientID string
	Intent   dock.Intent
}

func (FromClient) isSessionMsg() {}

// Choice is a phase choice sent without an open prompt.
type Choice struct {
	ClientID    string
	CombatantID string
	Phase       engine.Phase
}

func (Choice) isSessionMsg() {}

type Cancel struct {
	ClientID    string
	CombatantID string
}

func (Cancel) isSessionMsg() {}

type Shutdown struct{}

func (Shutdown) isSessionMsg() {}

type GetState struct {
	Reply chan State
}

func (GetState) isSessionMsg() {}

type Snapshot struct {
	Version int
	View    dock.View
}

// Outbound is one message for a client; exactly one field is set.
type Outbound struct {
	Snapshot *Snapshot
	Notice   *types.Notice
	Error    string
}

// State reflects the session for tests and the HTTP API.
type State struct {
	Version     int
	NumClients  int
	EncounterID string
}

type Config struct {
	Table             string
	GMUsers           []string
	Tracker           tracker.Options
	ReconcileInterval time.Duration
}

type client struct {
	identity flags.Identity
	outbox   chan Outbound
}

type Session struct {
	inbox      chan Msg
	cfg        Config
	store      flags.Store
	relay      relay.Channel
	bus        *bus.Bus
	dock       *dock.Context
	supervisor *dock.Supervisor
	processor  *relay.Processor
	submitter  *relay.Submitter
	version    int
	dirty      bool
	clients    map[string]client
	log        *zap.Logger
	ctx        context.Context
	coord      context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

func New(parent context.Context, store flags.Store, channel relay.Channel, log *zap.Logger, cfg Config) *Session {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	log = log.With(zap.String("table", cfg.Table))
	b := bus.New()
	d := dock.NewContext(store, b, log, cfg.Table, cfg.Tracker)

	s := &Session{
		inbox:      make(chan Msg, 64),
		cfg:        cfg,
		store:      store,
		relay:      channel,
		bus:        b,
		dock:       d,
		supervisor: dock.NewSupervisor(d, log),
		submitter:  relay.NewSubmitter(store, channel, log),
		clients:    make(map[string]client),
		log:        log,
		ctx:        ctx,
		coord:      flags.WithIdentity(ctx, Coordinator),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.processor = relay.NewProcessor(s, log)

	go s.loop()
	return s
}

// Inbox is where the websocket layer and tests send messages.
func (s *Session) Inbox() chan<- Msg { return s.inbox }

// Done is closed once the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Table() string { return s.cfg.Table }

func (s *Session) loop() {
	defer close(s.done)

	encounters := s.store.Subscribe(flags.KindEncounter)
	combatants := s.store.Subscribe(flags.KindCombatant)
	relayed := s.relay.Subscribe()
	defer func() {
		encounters.Close()
		combatants.Close()
		relayed.Close()
	}()
	relayMsgs := relayed.Messages

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	s.reconcile()

	for {
		var render <-chan struct{}
		if c := s.dock.Controller(); c != nil {
			render = c.Render()
		}

		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			if !s.handle(m) {
				s.shutdown()
				return
			}

		case ch, ok := <-encounters.Changes:
			if !ok {
				// Dropped for falling behind: start over from store state.
				encounters = s.store.Subscribe(flags.KindEncounter)
				s.reconcile()
				s.dirty = true
				break
			}
			s.onEncounterChange(ch)

		case ch, ok := <-combatants.Changes:
			if !ok {
				combatants = s.store.Subscribe(flags.KindCombatant)
				s.reconcile()
				s.dirty = true
				break
			}
			s.onCombatantChange(ch)

		case m, ok := <-relayMsgs:
			if !ok {
				relayMsgs = nil
				break
			}
			s.onRelay(m)

		case <-render:
			s.dirty = true

		case <-ticker.C:
			if relayMsgs == nil {
				relayed.Close()
				relayed = s.relay.Subscribe()
				relayMsgs = relayed.Messages
			}
			s.reconcile()
		}

		if s.dirty {
			s.broadcast()
		}
	}
}

// handle processes one inbox message; false means stop.
func (s *Session) handle(m Msg) bool {
	switch msg := m.(type) {
	case Join:
		c := client{
			identity: flags.Identity{UserID: msg.UserID, Name: msg.Name, Privileged: s.isGM(msg.UserID)},
			outbox:   msg.Outbox,
		}
		s.clients[msg.ClientID] = c
		s.log.Info("client joined", zap.String("client", msg.ClientID), zap.String("user", msg.UserID), zap.Bool("gm", c.identity.Privileged))
		s.send(msg.ClientID, Outbound{Snapshot: &Snapshot{Version: s.version, View: s.dock.Load(s.coord).View(c.viewer())}})

	case Leave:
		if c, ok := s.clients[msg.ClientID]; ok {
			close(c.outbox) // Ends the client's writer
			delete(s.clients, msg.ClientID)
		}

	case FromClient:
		c, ok := s.clients[msg.ClientID]
		if !ok {
			break
		}
		err := s.dock.Dispatch(flags.WithIdentity(s.ctx, c.identity), msg.Intent)
		s.reportIntentError(msg.ClientID, msg.Intent, err)
		s.dirty = true

	case Choice:
		c, ok := s.clients[msg.ClientID]
		tr := s.dock.Tracker()
		if !ok || tr == nil {
			break
		}
		out, err := s.submitter.Submit(flags.WithIdentity(s.ctx, c.identity), tr.EncounterID(), msg.CombatantID, msg.Phase)
		if err != nil {
			s.send(msg.ClientID, Outbound{Error: err.Error()})
			break
		}
		s.log.Debug("phase choice submitted", zap.String("combatant", msg.CombatantID), zap.Stringer("outcome", out))

	case Cancel:
		c, ok := s.clients[msg.ClientID]
		tr := s.dock.Tracker()
		if !ok || tr == nil {
			break
		}
		if _, err := s.submitter.Cancel(flags.WithIdentity(s.ctx, c.identity), tr.EncounterID(), msg.CombatantID); err != nil {
			s.log.Debug("cancel failed", zap.String("combatant", msg.CombatantID), zap.Error(err))
		}

	case GetState:
		st := State{Version: s.version, NumClients: len(s.clients)}
		if c := s.dock.Controller(); c != nil {
			st.EncounterID = c.EncounterID()
		}
		msg.Reply <- st

	case Shutdown:
		return false
	}
	return true
}

func (s *Session) reportIntentError(clientID string, in dock.Intent, err error) {
	if err == nil {
		return
	}
	var pending *engine.PendingPlayersError
	switch {
	case errors.As(err, &pending):
		s.send(clientID, Outbound{Notice: &types.Notice{Level: types.NoticeWarning, Text: pending.Error()}})
	case errors.Is(err, flags.ErrPermissionDenied):
		s.send(clientID, Outbound{Error: "only the GM can do that"})
	default:
		s.log.Info("dock action failed", zap.String("action", string(in.Action)), zap.Error(err))
		s.send(clientID, Outbound{Error: err.Error()})
	}
}

func (s *Session) onEncounterChange(ch flags.Change) {
	c := s.dock.Controller()
	switch {
	case c == nil:
		if ch.Op == flags.OpCreate {
			s.reconcile()
		}
	case ch.Ref.ID != c.EncounterID():
		return
	case ch.Op == flags.OpDelete:
		s.dock.Teardown()
	}
	s.dirty = true
}

// onCombatantChange applies choices owners wrote directly.
func (s *Session) onCombatantChange(ch flags.Change) {
	tr := s.dock.Tracker()
	if tr == nil || ch.Ref.Parent != tr.EncounterID() {
		return
	}
	s.dirty = true
	if ch.Op != flags.OpSet || ch.Namespace != record.Namespace || ch.Key != record.KeyPendingPhaseChoice {
		return
	}
	choice, ok := pendingChoice(ch.Value)
	if !ok {
		// The sweep clears values it cannot apply.
		if _, err := tr.SweepOrphans(s.coord); err != nil {
			s.log.Warn("sweeping pending choices", zap.Error(err))
		}
		return
	}
	if err := tr.ApplyChoice(s.coord, ch.Ref.ID, choice, ch.UserID); err != nil {
		s.log.Warn("applying phase choice", zap.String("combatant", ch.Ref.ID), zap.Error(err))
	}
}

func pendingChoice(raw json.RawMessage) (engine.Phase, bool) {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	p, err := engine.ParsePhase(v)
	if err != nil || !p.Selectable() {
		return "", false
	}
	return p, true
}

func (s *Session) onRelay(m relay.Message) {
	err := s.processor.Handle(s.coord, s.dock.Tracker(), m)
	if err != nil && !errors.Is(err, tracker.ErrMissingEncounter) {
		s.log.Info("relay message not applied", zap.String("combatant", m.CombatantID), zap.Error(err))
	}
	s.dirty = true
}

func (s *Session) reconcile() {
	before := s.dock.Active()
	res, err := s.supervisor.Reconcile(s.coord)
	if err != nil {
		s.log.Warn("reconcile finished with errors", zap.Error(err))
	}
	if res.Recreated || res.TornDown || res.Swept > 0 || before != s.dock.Active() {
		s.dirty = true
	}
}

// Notify implements relay.Notifier for every client of userID.
func (s *Session) Notify(userID string, n types.Notice) {
	for id, c := range s.clients {
		if c.identity.UserID == userID {
			notice := n
			s.send(id, Outbound{Notice: &notice})
		}
	}
}

func (c client) viewer() dock.Viewer {
	return dock.Viewer{UserID: c.identity.UserID, GM: c.identity.Privileged}
}

func (s *Session) broadcast() {
	s.dirty = false
	s.version++
	p := s.dock.Load(s.coord)
	for id, c := range s.clients {
		s.send(id, Outbound{Snapshot: &Snapshot{Version: s.version, View: p.View(c.viewer())}})
	}
}

func (s *Session) send(clientID string, out Outbound) {
	c, ok := s.clients[clientID]
	if !ok {
		return
	}
	select {
	case c.outbox <- out:
		//ok
	default:
		// Client is slow/full - drop them.
		close(c.outbox)
		delete(s.clients, clientID)
		s.log.Info("dropped slow client", zap.String("client", clientID))
	}
}

func (s *Session) isGM(userID string) bool {
	return userID != "" && slices.Contains(s.cfg.GMUsers, userID)
}

func (s *Session) shutdown() {
	for id, c := range s.clients {
		close(c.outbox) // Tell client no more snapshots
		delete(s.clients, id)
	}
	s.dock.Teardown()
	s.bus.Close()
	s.cancel()
}

package hub

import (
	"context"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/session"
)

type HubMsg interface{ isHubMsg() }

type CreateTable struct {
	Code  string
	Reply chan *session.Session
}

type GetTable struct {
	Code  string
	Reply chan *session.Session
}

// EnsureTable returns the table's session, starting one if needed.
type EnsureTable struct {
	Code  string
	Reply chan *session.Session
}

type RemoveTable struct {
	Code string
}

type ListTables struct {
	Reply chan []string
}

type ShutdownHub struct{}

func (CreateTable) isHubMsg() {}
func (GetTable) isHubMsg()    {}
func (EnsureTable) isHubMsg() {}
func (RemoveTable) isHubMsg() {}
func (ListTables) isHubMsg()  {}
func (ShutdownHub) isHubMsg() {}

// Deps are shared by every table session.
type Deps struct {
	Store flags.Store
	Relay relay.Channel
	Log   *zap.Logger
	// Session is the template for new sessions; Table is filled per code.
	Session session.Config
}

type Hub struct {
	inbox  chan HubMsg
	tables map[string]*session.Session
	deps   Deps
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHub(parent context.Context, deps Deps) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	h := &Hub{
		inbox:  make(chan HubMsg, 64),
		tables: make(map[string]*session.Session),
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

func (h *Hub) Store() flags.Store { return h.deps.Store }

func (h *Hub) Relay() relay.Channel { return h.deps.Relay }

func (h *Hub) Log() *zap.Logger { return h.deps.Log }

// IsGM reports whether userID coordinates tables.
func (h *Hub) IsGM(userID string) bool {
	return userID != "" && slices.Contains(h.deps.Session.GMUsers, userID)
}

// Done is closed when the hub loop has exited.
func (h *Hub) Done() <-chan struct{} { return h.done }

func (h *Hub) loop() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateTable:
				if s := h.tables[msg.Code]; s != nil {
					msg.Reply <- s
					break
				}
				msg.Reply <- h.start(msg.Code)

			case GetTable:
				msg.Reply <- h.tables[msg.Code] // May be nil

			case EnsureTable:
				if s := h.tables[msg.Code]; s != nil {
					select {
					case <-s.Done():
						// Stopped on its own; replace it.
					default:
						msg.Reply <- s
						continue
					}
				}
				msg.Reply <- h.start(msg.Code)

			case RemoveTable:
				if s := h.tables[msg.Code]; s != nil {
					stop(s)
					delete(h.tables, msg.Code)
				}

			case ListTables:
				codes := make([]string, 0, len(h.tables))
				for code := range h.tables {
					codes = append(codes, code)
				}
				sort.Strings(codes)
				msg.Reply <- codes

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) start(code string) *session.Session {
	cfg := h.deps.Session
	cfg.Table = code
	s := session.New(h.ctx, h.deps.Store, h.deps.Relay, h.deps.Log, cfg)
	h.tables[code] = s
	h.deps.Log.Info("table started", zap.String("table", code))
	return s
}

func (h *Hub) shutdown() {
	for _, s := range h.tables {
		stop(s)
	}
	clear(h.tables)
	h.cancel()
}

func stop(s *session.Session) {
	select {
	case s.Inbox() <- session.Shutdown{}:
	case <-s.Done():
	}
}

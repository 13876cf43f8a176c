package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/hub"
	"github.com/DoyleJ11/tides-backend/internal/relay"
	"github.com/DoyleJ11/tides-backend/internal/session"
	"github.com/DoyleJ11/tides-backend/internal/types"
)

const (
	readTimeout  = 5 * time.Minute
	writeTimeout = 3 * time.Second
)

// Handler joins a websocket client to the table named by ?code=.
// code and user are taken as sent by the client and are not authentication;
// GM privilege only follows from user matching a configured GM id.
func Handler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		user := q.Get("user")
		if user == "" {
			http.Error(w, "missing user", http.StatusBadRequest)
			return
		}
		name := q.Get("name")
		if name == "" {
			name = user
		}

		reply := make(chan *session.Session, 1)
		h.Inbox() <- hub.EnsureTable{Code: code, Reply: reply}
		sess := <-reply
		if sess == nil {
			http.Error(w, "table not available", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"http://localhost:*", "http://127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		log := h.Log().With(zap.String("table", code), zap.String("client", clientID), zap.String("user", user))
		identity := flags.Identity{UserID: user, Name: name, Privileged: h.IsGM(user)}
		connCtx, connCancel := context.WithCancel(flags.WithIdentity(r.Context(), identity))
		defer connCancel()

		send := func(msg types.ServerMessage) {
			ctx, cancel := context.WithTimeout(connCtx, writeTimeout)
			defer cancel()
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				log.Debug("write failed", zap.Error(err))
			}
		}
		prompter := newPrompter(send)
		agent := relay.NewAgent(relay.NewSubmitter(h.Store(), h.Relay(), log), prompter)

		out := make(chan session.Outbound, 32)
		sess.Inbox() <- session.Join{ClientID: clientID, UserID: user, Name: name, Outbox: out}
		defer func() {
			select {
			case sess.Inbox() <- session.Leave{ClientID: clientID}:
			case <-sess.Done():
			}
		}()
		log.Info("client connected")

		// Writer goroutine
		go func() {
			prompts := newPromptTracker(agent, log)
			for o := range out {
				switch {
				case o.Snapshot != nil:
					view := o.Snapshot.View.Wire(o.Snapshot.Version)
					send(types.ServerMessage{Type: types.MsgDockSnapshot, Dock: &view})
					prompts.sync(connCtx, o.Snapshot.View)
				case o.Notice != nil:
					send(types.ServerMessage{Type: types.MsgNotice, Notice: o.Notice})
				case o.Error != "":
					send(types.ServerMessage{Type: types.MsgError, Error: o.Error})
				}
			}
			// Session dropped us or shut down.
			connCancel()
			conn.Close(websocket.StatusGoingAway, "session closed")
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(connCtx, readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				send(types.ServerMessage{Type: types.MsgError, Error: "bad json"})
				continue
			}

			msg, err := toSessionMsg(clientID, cm, prompter)
			if err != nil {
				send(types.ServerMessage{Type: types.MsgError, Error: err.Error()})
				continue
			}
			if msg == nil {
				continue
			}
			select {
			case sess.Inbox() <- msg:
			case <-sess.Done():
				return
			}
		}
	}
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/DoyleJ11/tides-backend/internal/flags"
	"github.com/DoyleJ11/tides-backend/internal/relay"
)

const defaultRetryDelay = 2 * time.Second

// Listener holds one connection LISTENing on the change and relay channels and
// hands notifications to the local Store and RelayChannel subscribers.
type Listener struct {
	pool  *pgxpool.Pool
	store *Store
	relay *RelayChannel
	log   *zap.Logger
	retry time.Duration
}

func NewListener(db *DB, store *Store, rc *RelayChannel, log *zap.Logger) *Listener {
	if log == nil {
		log = zap.NewNop()
	}
	return &Listener{pool: db.Pool, store: store, relay: rc, log: log, retry: defaultRetryDelay}
}

// Run listens until ctx is cancelled, reconnecting after connection errors.
// Store subscribers are reset after a reconnect because notifications sent
// while disconnected are lost.
func (l *Listener) Run(ctx context.Context) error {
	connected := false
	for {
		err := l.listen(ctx, func() {
			if connected {
				l.store.resetSubscribers()
			}
			connected = true
		})
		if ctx.Err() != nil {
			return nil
		}
		l.log.Warn("listener disconnected", zap.Error(err), zap.Duration("retry", l.retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retry):
		}
	}
}

func (l *Listener) listen(ctx context.Context, onConnect func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	// A LISTENing connection must not go back to the pool.
	raw := conn.Hijack()
	defer raw.Close(context.Background())

	for _, ch := range []string{changesChannel, relayChannel} {
		if _, err := raw.Exec(ctx, "LISTEN "+ch); err != nil {
			return fmt.Errorf("listen %s: %w", ch, err)
		}
	}
	onConnect()
	l.log.Info("listening for notifications")

	for {
		n, err := raw.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.dispatch(ctx, n)
	}
}

func (l *Listener) dispatch(ctx context.Context, n *pgconn.Notification) {
	switch n.Channel {
	case changesChannel:
		var c flags.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			l.log.Warn("dropping malformed change", zap.Error(err))
			return
		}
		l.store.dispatch(c)
	case relayChannel:
		var m relay.Message
		if err := json.Unmarshal([]byte(n.Payload), &m); err != nil {
			l.log.Warn("dropping malformed relay message", zap.Error(err))
			return
		}
		if err := l.relay.deliver(ctx, m); err != nil {
			l.log.Warn("relay delivery failed", zap.Error(err))
		}
	}
}

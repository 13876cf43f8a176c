package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DoyleJ11/tides-backend/internal/relay"
)

// RelayChannel publishes relay messages with pg_notify so a coordinator in any
// server process receives them. Local subscribers are fed by a Listener.
type RelayChannel struct {
	pool  *pgxpool.Pool
	local *relay.MemoryChannel
}

var _ relay.Channel = (*RelayChannel)(nil)

func NewRelayChannel(db *DB, buffer int) *RelayChannel {
	return &RelayChannel{pool: db.Pool, local: relay.NewMemoryChannel(buffer)}
}

func (c *RelayChannel) Publish(ctx context.Context, m relay.Message) error {
	if err := relay.Validate(m); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", relayChannel, string(payload)); err != nil {
		return fmt.Errorf("publishing relay message: %w", err)
	}
	return nil
}

func (c *RelayChannel) Subscribe() relay.Subscription {
	return c.local.Subscribe()
}

func (c *RelayChannel) Close() {
	c.local.Close()
}

func (c *RelayChannel) deliver(ctx context.Context, m relay.Message) error {
	return c.local.Publish(ctx, m)
}

// Package relay carries phase choices from players who cannot write their
// combatant's flags to the coordinator, which replays them with its own
// permissions. Delivery is at most once; orphaned requests are picked up by
// the coordinator's reconciliation sweep.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/DoyleJ11/tides-backend/pkg/types"
)

var (
	ErrClosed         = errors.New("relay channel closed")
	ErrInvalidMessage = errors.New("invalid relay message")
)

// Message is the relay payload exchanged over a Channel.
type Message = types.RelayMessage

func Validate(m Message) error {
	switch m.Type {
	case types.RelayPhaseChoice:
		if m.Choice == "" {
			return fmt.Errorf("%w: missing choice", ErrInvalidMessage)
		}
	case types.RelayCancelPhaseChoice:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.CombatantID == "" || m.CombatID == "" {
		return fmt.Errorf("%w: missing combatant or combat id", ErrInvalidMessage)
	}
	if m.UserID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidMessage)
	}
	return nil
}

type Subscription struct {
	Messages <-chan Message
	cancel   func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Channel is a best-effort pub/sub channel addressed to the coordinator.
type Channel interface {
	Publish(ctx context.Context, m Message) error
	Subscribe() Subscription
}

const defaultBuffer = 32

// MemoryChannel is an in-process Channel. A subscriber whose buffer is full
// misses the message.
type MemoryChannel struct {
	mu     sync.Mutex
	subs   map[chan Message]struct{}
	buffer int
	closed bool
}

func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &MemoryChannel{subs: map[chan Message]struct{}{}, buffer: buffer}
}

func (c *MemoryChannel) Publish(_ context.Context, m Message) error {
	if err := Validate(m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for ch := range c.subs {
		select {
		case ch <- m:
		default:
		}
	}
	return nil
}

func (c *MemoryChannel) Subscribe() Subscription {
	ch := make(chan Message, c.buffer)
	c.mu.Lock()
	if c.closed {
		close(ch)
	} else {
		c.subs[ch] = struct{}{}
	}
	c.mu.Unlock()

	var once sync.Once
	return Subscription{
		Messages: ch,
		cancel:   func() { once.Do(func() { c.remove(ch) }) },
	}
}

func (c *MemoryChannel) remove(ch chan Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[ch]; ok {
		close(ch)
		delete(c.subs, ch)
	}
}

func (c *MemoryChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for ch := range c.subs {
		close(ch)
		delete(c.subs, ch)
	}
}

// Package bus is a typed in-process event bus. Components subscribe to the
// engine event variants they care about instead of string-keyed hooks.
package bus

import (
	"sync"

	"github.com/DoyleJ11/tides-backend/internal/engine"
)

const defaultCapacity = 64

type Subscription struct {
	Events <-chan engine.Event
	cancel func()
}

func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

type subscriber struct {
	ch    chan engine.Event
	types map[engine.EventType]bool
}

func (s *subscriber) wants(t engine.EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

type Bus struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func New() *Bus {
	return &Bus{subs: map[*subscriber]struct{}{}}
}

// Subscribe registers for the listed event types; no types means all events.
func (b *Bus) Subscribe(types ...engine.EventType) Subscription {
	sub := &subscriber{ch: make(chan engine.Event, defaultCapacity), types: map[engine.EventType]bool{}}
	for _, t := range types {
		sub.types[t] = true
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return Subscription{
		Events: sub.ch,
		cancel: func() { once.Do(func() { b.remove(sub) }) },
	}
}

// Publish delivers events in order without blocking. A full subscriber is
// dropped and its channel closed.
func (b *Bus) Publish(events ...engine.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for sub := range b.subs {
			if !sub.wants(ev.Type) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
				close(sub.ch)
				delete(b.subs, sub)
			}
		}
	}
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
}

// Package eventbus is the in-process publish/subscribe bus between event
// producers (sync engine, classification) and consumers (cache, realtime).
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

type subscription struct {
	id      uint64
	name    string
	handler out.EventHandler
	types   map[domain.EventType]struct{} // empty = all
}

func (s *subscription) matches(t domain.EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// Bus delivers events synchronously, in subscription order, on the
// publisher's goroutine. Per-owner emission order is therefore preserved for
// every subscriber. Handlers must not block.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64

	origin string
	log    zerolog.Logger

	published atomic.Int64
	panics    atomic.Int64
}

// New creates a bus. origin identifies this process on relayed events.
func New(origin string, log zerolog.Logger) *Bus {
	return &Bus{
		origin: origin,
		log:    log.With().Str("component", "event_bus").Logger(),
	}
}

// Origin returns the instance id stamped on locally produced events.
func (b *Bus) Origin() string {
	return b.origin
}

// Subscribe registers handler for the given types (all when none).
func (b *Bus) Subscribe(name string, handler out.EventHandler, types ...domain.EventType) func() {
	sub := &subscription{
		name:    name,
		handler: handler,
		types:   make(map[domain.EventType]struct{}, len(types)),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { b.unsubscribe(sub.id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every matching subscriber before returning.
func (b *Bus) Publish(ctx context.Context, event *domain.Event) {
	if event == nil {
		return
	}
	if event.Origin == "" {
		event.Origin = b.origin
	}
	b.published.Add(1)

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(event.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.dispatch(ctx, s, event)
	}
}

func (b *Bus) dispatch(ctx context.Context, s *subscription, event *domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error().
				Interface("panic", r).
				Str("subscriber", s.name).
				Str("event", string(event.Type)).
				Msg("[EventBus.Publish] subscriber panicked")
		}
	}()
	s.handler(ctx, event)
}

type Stats struct {
	Subscribers int   `json:"subscribers"`
	Published   int64 `json:"published"`
	Panics      int64 `json:"panics"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Subscribers: n, Published: b.published.Load(), Panics: b.panics.Load()}
}

// Package events carries the runtime's typed event stream from agent
// runs to live subscribers.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kindling-ai/kindling/internal/metrics"
	"github.com/kindling-ai/kindling/pkg/entity"
)

// Type enumerates the event kinds emitted by the agent loop.
type Type string

const (
	TypeThink        Type = "think"
	TypeToolStart    Type = "tool_start"
	TypeToolComplete Type = "tool_complete"
	TypeError        Type = "error"
)

// Event is one item on the stream. Data carries type-specific payload
// fields (tool name, text preview, error message).
type Event struct {
	Type      Type                   `json:"type"`
	Entity    entity.Ref             `json:"entity"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

const defaultBuffer = 64

// Bus fans events out to subscribers over bounded channels. Publishing
// never blocks: when a subscriber's channel is full the event is dropped
// at the tail and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int64]chan Event
	nextID int64
	buffer int
	closed bool
	logger zerolog.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int, logger zerolog.Logger) *Bus {
	metrics.EnsureRegistered()
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		subs:   make(map[int64]chan Event),
		buffer: buffer,
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Subscribe returns a receive channel and a cancel function. Cancel is
// idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	metrics.SetEventSubscribers(len(b.subs))

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
				metrics.SetEventSubscribers(len(b.subs))
			}
		})
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.RecordEventDrop()
			b.logger.Debug().Str("type", string(ev.Type)).Stringer("entity", ev.Entity).
				Msg("Subscriber full, event dropped")
		}
	}
}

// Emit is a convenience wrapper building the event in place.
func (b *Bus) Emit(typ Type, ref entity.Ref, data map[string]interface{}) {
	b.Publish(Event{Type: typ, Entity: ref, Data: data})
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	metrics.SetEventSubscribers(0)
}

// Package events is the in-memory execution event bus. It is bounded and
// lossy: when a subscriber falls behind, its oldest undelivered event is
// dropped. Anything that needs every record must read the journal.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Type names an execution event.
type Type string

const (
	OrderPlaced               Type = "ORDER_PLACED"
	OrderFilled               Type = "ORDER_FILLED"
	OrderPartiallyFilled      Type = "ORDER_PARTIALLY_FILLED"
	OrderRejected             Type = "ORDER_REJECTED"
	OrderCancelled            Type = "ORDER_CANCELLED"
	PositionUpdated           Type = "POSITION_UPDATED"
	PositionSynced            Type = "POSITION_SYNCED"
	ReconciliationDiscrepancy Type = "RECONCILIATION_DISCREPANCY"
	RiskAlert                 Type = "RISK_ALERT"
)

// DefaultCapacity is the per-subscriber buffer size.
const DefaultCapacity = 1000

// Event is one published occurrence.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// New builds an event stamped at ts.
func New(typ Type, ts time.Time, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        "EVT_" + uuid.New().String(),
		Type:      typ,
		Timestamp: ts,
		Payload:   payload,
	}
}

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	capacity int
	subs     map[*Subscription]struct{}
	closed   bool
	logger   zerolog.Logger
}

// NewBus creates a bus whose subscribers each buffer capacity events.
// A non-positive capacity selects DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     make(map[*Subscription]struct{}),
		logger:   log.With().Str("component", "event_bus").Logger(),
	}
}

// Capacity returns the per-subscriber buffer size.
func (b *Bus) Capacity() int {
	return b.capacity
}

// Subscribe registers a new subscriber. Events published before this
// call are not delivered to it.
func (b *Bus) Subscribe(name string) *Subscription {
	s := &Subscription{
		name: name,
		ch:   make(chan Event, b.capacity),
		bus:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	b.logger.Debug().Str("subscriber", name).Int("subscribers", len(b.subs)).Msg("subscribed")
	return s
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev = New(ev.Type, ev.Timestamp, ev.Payload)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.push(ev) {
			b.logger.Warn().
				Str("subscriber", s.name).
				Str("event_type", string(ev.Type)).
				Uint64("dropped_total", s.Dropped()).
				Msg("subscriber buffer full, dropped oldest event")
		}
	}
}

// Close closes every subscription channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		s.close()
	}
}

// Subscription receives events in publish order.
type Subscription struct {
	name    string
	bus     *Bus
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Name returns the subscriber name.
func (s *Subscription) Name() string {
	return s.name
}

// C is closed when the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// push enqueues ev, evicting the oldest buffered event when full. It
// reports whether anything was dropped.
func (s *Subscription) push(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return false
	default:
	}
	dropped := false
	select {
	case <-s.ch:
		s.dropped.Add(1)
		dropped = true
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
		dropped = true
	}
	return dropped
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

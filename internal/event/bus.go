// Package event implements the engine's fan-out event bus.
package event

import (
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/session_engine/internal/domain"
	"github.com/eliteGoblin/focusd/session_engine/internal/metrics"
)

// DefaultHistorySize is the number of events retained for late subscribers.
const DefaultHistorySize = 50

// Listener receives domain events. Called from a per-subscriber goroutine in
// publish order; a slow listener only delays its own delivery.
type Listener func(domain.BlockEvent)

// Subscription is a removable handle returned by Subscribe.
type Subscription struct {
	bus *Bus
	id  int
}

// Remove detaches the listener. Safe to call more than once.
func (s *Subscription) Remove() {
	s.bus.remove(s.id)
}

// subscriber owns a private queue drained by its own goroutine, so Publish
// never blocks on delivery. Delivery is at-least-once and in publish order.
type subscriber struct {
	fn   Listener
	mu   sync.Mutex
	pend []domain.BlockEvent
	wake chan struct{}
	done chan struct{}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			// Deliver whatever was queued before the close; the engine's
			// final dismiss and service_state events land here.
			s.drain()
			return
		case <-s.wake:
			s.drain()
		}
	}
}

func (s *subscriber) drain() {
	for {
		s.mu.Lock()
		batch := s.pend
		s.pend = nil
		s.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			s.fn(ev)
		}
	}
}

func (s *subscriber) enqueue(ev domain.BlockEvent) {
	s.mu.Lock()
	s.pend = append(s.pend, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Bus fans out BlockEvents to zero or more subscribers and retains a bounded
// FIFO history ring for diagnostics and late subscribers.
type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	history []domain.BlockEvent
	cap     int
	closed  bool
}

// NewBus creates a bus retaining historySize events (DefaultHistorySize if
// historySize <= 0).
func NewBus(historySize int, logger *zap.Logger) *Bus {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
		cap:    historySize,
	}
}

// Subscribe registers a listener and returns a removable handle.
func (b *Bus) Subscribe(fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	b.subs[id] = sub
	go sub.run()

	return &Subscription{bus: b, id: id}
}

// Publish appends the event to the history ring and hands it to every
// subscriber's queue. Never blocks on a slow subscriber. Enqueueing happens
// under the bus lock so every subscriber sees events in history order even
// with concurrent publishers.
func (b *Bus) Publish(ev domain.BlockEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.cap {
		b.history = b.history[len(b.history)-b.cap:]
	}
	for _, sub := range b.subs {
		sub.enqueue(ev)
	}
	b.mu.Unlock()

	metrics.EventsPublished.Inc()
}

// Recent returns a copy of the retained history, oldest first.
func (b *Bus) Recent() []domain.BlockEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.BlockEvent(nil), b.history...)
}

// Close stops all subscriber goroutines. Further publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.done)
		delete(b.subs, id)
	}
}

func (b *Bus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		close(sub.done)
		delete(b.subs, id)
	}
}

// Package bus implements the in-process publish/subscribe channel the
// coordination engine emits state changes on. Fanout is sequential per
// event; a failing handler is logged and skipped without aborting the rest.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcushq/marcus/internal/metrics"
	"github.com/marcushq/marcus/internal/persist"
)

// Wildcard subscribes a handler to every event type.
const Wildcard = "*"

// Core event types. Components may publish additional dotted types.
const (
	TypeTaskAssigned        = "task.assigned"
	TypeTaskCompleted       = "task.completed"
	TypeTaskBlocked         = "task.blocked"
	TypeLeaseIssued         = "lease.issued"
	TypeLeaseRenewed        = "lease.renewed"
	TypeLeaseRecovered      = "lease.recovered"
	TypeGridlockDetected    = "gridlock.detected"
	TypeDecisionLogged      = "decision.logged"
	TypeArtifactLogged      = "artifact.logged"
	TypeProjectSelected     = "project.selected"
	TypePersistenceDegraded = "persistence.degraded"
)

// Event is a single occurrence on the bus.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Data          map[string]any `json:"data,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// Handler processes one event. Errors are logged, never propagated to the
// publisher or to sibling handlers.
type Handler func(ctx context.Context, ev Event) error

// DefaultHistoryLimit bounds the in-memory event ring.
const DefaultHistoryLimit = 1000

type subscription struct {
	topic   string
	handler Handler
}

// Bus is the engine's event channel. Publishes with wait=true run handlers
// inline; fire-and-forget publishes go through a single dispatcher goroutine
// so subscribers observe emission order.
type Bus struct {
	logger       *slog.Logger
	store        persist.Store // optional durable log
	historyLimit int

	mu       sync.Mutex
	subs     []*subscription
	history  []Event
	degraded bool

	queue  chan Event
	done   chan struct{}
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore enables the durable event log in the given store.
func WithStore(store persist.Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithHistoryLimit overrides the in-memory ring size.
func WithHistoryLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// New creates a bus and starts its dispatcher.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		queue:        make(chan Event, 256),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler for a topic (or Wildcard). The returned
// function removes the subscription.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	sub := &subscription{topic: topic, handler: h}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish records and delivers an event. With wait=true it returns only
// after every handler ran; otherwise delivery is asynchronous but ordered.
func (b *Bus) Publish(ctx context.Context, ev Event, wait bool) Event {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	metrics.EventsPublished.WithLabelValues(ev.Type).Inc()

	b.record(ctx, ev)

	if wait {
		b.dispatch(ctx, ev)
		return ev
	}

	// Block when the queue is full: inline delivery under backpressure
	// would let a later event reach handlers before earlier queued ones.
	// Only a closed bus falls back to inline so the event is not lost.
	select {
	case b.queue <- ev:
	case <-b.done:
		b.dispatch(ctx, ev)
	}
	return ev
}

// record appends to the bounded ring and the durable log. A failed durable
// write degrades to in-memory only and raises a single alert.
func (b *Bus) record(ctx context.Context, ev Event) {
	b.mu.Lock()
	b.history = append(b.history, ev)
	if len(b.history) > b.historyLimit {
		b.history = b.history[len(b.history)-b.historyLimit:]
	}
	store := b.store
	wasDegraded := b.degraded
	b.mu.Unlock()

	if store == nil || ev.Type == TypePersistenceDegraded {
		return
	}
	key := fmt.Sprintf("%d-%s", ev.Timestamp.UnixNano(), ev.ID)
	if err := store.Store(ctx, persist.CollectionEvents, key, ev); err != nil {
		b.logger.Warn("Durable event write failed", "type", ev.Type, "error", err)
		b.mu.Lock()
		b.degraded = true
		b.mu.Unlock()
		if !wasDegraded {
			b.Publish(ctx, Event{
				Type:   TypePersistenceDegraded,
				Source: "bus",
				Data:   map[string]any{"error": err.Error()},
			}, false)
		}
	}
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case ev := <-b.queue:
			b.dispatch(context.Background(), ev)
		case <-b.done:
			// Drain before exiting.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// dispatch runs matching handlers sequentially with error isolation.
func (b *Bus) dispatch(ctx context.Context, ev Event) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.topic != Wildcard && sub.topic != ev.Type {
			continue
		}
		b.invoke(ctx, sub, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked", "type", ev.Type, "panic", r)
		}
	}()
	if err := sub.handler(ctx, ev); err != nil {
		b.logger.Warn("Event handler failed", "type", ev.Type, "error", err)
	}
}

// History returns the most recent events, newest last. limit <= 0 returns
// the whole ring.
func (b *Bus) History(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.history
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Degraded reports whether the durable event log has failed.
func (b *Bus) Degraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	close(b.done)
}

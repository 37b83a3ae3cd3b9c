// Package bus provides the process-scoped typed event bus: priority-aware
// fan-out to subscribers, a bounded journal for catch-up reads, and per
// publisher FIFO delivery.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

// subscriberQueueSize bounds each subscriber's delivery queue. A subscriber
// that falls further behind than this loses events (counted, logged) rather
// than stalling publishers.
const subscriberQueueSize = 256

// Subscriber receives events from the bus. Handlers run on a dedicated
// goroutine per subscriber; a slow handler delays only its own queue.
type Subscriber interface {
	ID() string
	Priority() int
	CanHandle(models.Event) bool
	Handle(models.Event) error
}

// subscription pairs a Subscriber with its delivery queue.
type subscription struct {
	sub   Subscriber
	types map[models.EventType]bool // empty = all types
	ch    chan models.Event
}

func (s *subscription) matches(e models.Event) bool {
	if len(s.types) > 0 && !s.types[e.Type] {
		return false
	}
	return s.sub.CanHandle(e)
}

// Stats reports bus delivery counters.
type Stats struct {
	Published     uint64
	Dropped       uint64
	HandlerErrors uint64
	Subscribers   int
}

// Bus is the event bus. Lifecycle is bound to the orchestrator: constructed
// at start, Shutdown at stop.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	closed  bool
	wg      sync.WaitGroup
	journal *Journal
	m       *metrics.Metrics

	statsMu sync.Mutex
	stats   Stats
}

// New creates a bus with the given journal capacity. m may be nil.
func New(journalCapacity int, m *metrics.Metrics) *Bus {
	return &Bus{
		journal: newJournal(journalCapacity),
		m:       m,
	}
}

// Subscribe registers a subscriber for the given event types. An empty type
// list matches all types. Dispatch order among subscribers of one event is
// by descending priority.
func (b *Bus) Subscribe(types []models.EventType, sub Subscriber) {
	typeSet := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	s := &subscription{
		sub:   sub,
		types: typeSet,
		ch:    make(chan models.Event, subscriberQueueSize),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subs = append(b.subs, s)
	sort.SliceStable(b.subs, func(i, j int) bool {
		return b.subs[i].sub.Priority() > b.subs[j].sub.Priority()
	})

	b.wg.Add(1)
	go b.deliver(s)
}

// Unsubscribe removes the subscriber with the given id and stops its
// delivery goroutine after the queue drains.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.sub.ID() == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Publish appends the event to the journal and enqueues it to every matching
// subscriber. It returns once enqueueing is done; handlers run concurrently.
// Returns models.ErrBusShutDown after Shutdown.
func (b *Bus) Publish(e models.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return models.ErrBusShutDown
	}

	b.journal.append(e)
	b.countPublished(e)

	// subs is already priority-sorted; enqueue in that order. Channel sends
	// never block: a full queue drops the event for that subscriber only.
	for _, s := range b.subs {
		if !s.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.countDropped()
			slog.Warn("Dropping event for slow subscriber",
				"subscriber_id", s.sub.ID(), "event_type", e.Type)
		}
	}
	return nil
}

// Shutdown stops accepting publishes, drains in-flight dispatch, and waits
// for subscriber goroutines to exit.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

// Journal returns the bus journal for catch-up reads.
func (b *Bus) Journal() *Journal { return b.journal }

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() Stats {
	b.statsMu.Lock()
	s := b.stats
	b.statsMu.Unlock()

	b.mu.RLock()
	s.Subscribers = len(b.subs)
	b.mu.RUnlock()
	return s
}

// deliver drains one subscriber's queue until the channel closes.
// Handler failures are logged and counted, never propagated to publishers.
func (b *Bus) deliver(s *subscription) {
	defer b.wg.Done()
	for e := range s.ch {
		if err := s.sub.Handle(e); err != nil {
			b.countHandlerError()
			slog.Warn("Subscriber handler failed",
				"subscriber_id", s.sub.ID(), "event_type", e.Type, "error", err)
		}
	}
}

func (b *Bus) countPublished(e models.Event) {
	b.statsMu.Lock()
	b.stats.Published++
	b.statsMu.Unlock()
	if b.m != nil {
		b.m.EventsPublished.WithLabelValues(string(e.Type)).Inc()
	}
}

func (b *Bus) countDropped() {
	b.statsMu.Lock()
	b.stats.Dropped++
	b.statsMu.Unlock()
	if b.m != nil {
		b.m.EventsDropped.Inc()
	}
}

func (b *Bus) countHandlerError() {
	b.statsMu.Lock()
	b.stats.HandlerErrors++
	b.statsMu.Unlock()
	if b.m != nil {
		b.m.HandlerFailures.Inc()
	}
}

package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/models"
)

// collector records delivered events for assertions.
type collector struct {
	mu     sync.Mutex
	events []models.Event
	id     string
	prio   int
	err    error
}

func newCollector(id string, prio int) *collector {
	return &collector{id: id, prio: prio}
}

func (c *collector) ID() string                      { return c.id }
func (c *collector) Priority() int                   { return c.prio }
func (c *collector) CanHandle(models.Event) bool     { return true }
func (c *collector) Handle(e models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return c.err
}

func (c *collector) snapshot() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestBus_PublishDelivers(t *testing.T) {
	b := New(16, nil)
	defer b.Shutdown()

	sub := newCollector("sub-1", 0)
	b.Subscribe([]models.EventType{models.EventResponseGenerated}, sub)

	require.NoError(t, b.Publish(models.Event{
		Type:   models.EventResponseGenerated,
		Source: "test",
	}))

	waitFor(t, func() bool { return len(sub.snapshot()) == 1 })
	got := sub.snapshot()[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_TypeFiltering(t *testing.T) {
	b := New(16, nil)
	defer b.Shutdown()

	chunks := newCollector("chunks", 0)
	everything := newCollector("everything", 0)
	b.Subscribe([]models.EventType{models.EventResponseChunk}, chunks)
	b.Subscribe(nil, everything)

	require.NoError(t, b.Publish(models.Event{Type: models.EventResponseGenerated, Source: "test"}))
	require.NoError(t, b.Publish(models.Event{Type: models.EventResponseChunk, Source: "test"}))

	waitFor(t, func() bool { return len(everything.snapshot()) == 2 })
	waitFor(t, func() bool { return len(chunks.snapshot()) == 1 })
	assert.Equal(t, models.EventResponseChunk, chunks.snapshot()[0].Type)
}

func TestBus_PerPublisherFIFO(t *testing.T) {
	b := New(1024, nil)
	defer b.Shutdown()

	sub := newCollector("fifo", 0)
	b.Subscribe(nil, sub)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(models.Event{
			Type:    models.EventProgressUpdate,
			Source:  "single-publisher",
			Payload: map[string]any{"i": i},
		}))
	}

	waitFor(t, func() bool { return len(sub.snapshot()) == n })
	for i, e := range sub.snapshot() {
		assert.Equal(t, i, e.Payload["i"])
	}
}

func TestBus_HandlerFailureDoesNotPropagate(t *testing.T) {
	b := New(16, nil)
	defer b.Shutdown()

	failing := newCollector("failing", 0)
	failing.err = errors.New("boom")
	b.Subscribe(nil, failing)

	require.NoError(t, b.Publish(models.Event{Type: models.EventProgressUpdate, Source: "test"}))
	waitFor(t, func() bool { return b.Stats().HandlerErrors == 1 })
}

func TestBus_PublishAfterShutdown(t *testing.T) {
	b := New(16, nil)
	b.Shutdown()

	err := b.Publish(models.Event{Type: models.EventProgressUpdate, Source: "test"})
	require.ErrorIs(t, err, models.ErrBusShutDown)
}

func TestBus_ShutdownDrainsInFlight(t *testing.T) {
	b := New(16, nil)
	sub := newCollector("drain", 0)
	b.Subscribe(nil, sub)

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Publish(models.Event{Type: models.EventProgressUpdate, Source: "test"}))
	}
	b.Shutdown()
	assert.Len(t, sub.snapshot(), 50)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(16, nil)
	defer b.Shutdown()

	sub := newCollector("gone", 0)
	b.Subscribe(nil, sub)
	b.Unsubscribe("gone")

	require.NoError(t, b.Publish(models.Event{Type: models.EventProgressUpdate, Source: "test"}))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sub.snapshot())
	assert.Equal(t, 0, b.Stats().Subscribers)
}

func TestJournal_SinceAndWrap(t *testing.T) {
	b := New(3, nil)
	defer b.Shutdown()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(models.Event{
			Type:    models.EventProgressUpdate,
			Source:  "test",
			Payload: map[string]any{"i": i},
		}))
	}

	j := b.Journal()
	assert.Equal(t, 3, j.Len())
	assert.Equal(t, uint64(5), j.LastSeq())

	entries := j.Since(0, 0)
	require.Len(t, entries, 3)
	assert.Equal(t, 2, entries[0].Event.Payload["i"])

	assert.Len(t, j.Since(4, 0), 1)
	assert.Len(t, j.Since(3, 1), 1)
}

func TestFuncSubscriber(t *testing.T) {
	var got []models.Event
	var mu sync.Mutex

	b := New(16, nil)
	defer b.Shutdown()

	sub := NewFuncSubscriber("fn", 5, func(e models.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	})
	sub.Filter = func(e models.Event) bool { return e.Priority >= models.PriorityHigh }
	b.Subscribe(nil, sub)

	require.NoError(t, b.Publish(models.Event{Type: models.EventResponseChunk, Priority: models.PriorityUrgent, Source: "test"}))
	require.NoError(t, b.Publish(models.Event{Type: models.EventResponseChunk, Priority: models.PriorityLow, Source: "test"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	assert.Equal(t, models.PriorityUrgent, got[0].Priority)
}

package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

// writeTimeout bounds a single append so a stalled store cannot block the
// recording path indefinitely.
const writeTimeout = 5 * time.Second

// Option customizes a single Record call.
type Option func(*models.AuditEntry)

// WithCorrelation links the entry to the other entries of one query.
func WithCorrelation(id string) Option {
	return func(e *models.AuditEntry) { e.CorrelationID = id }
}

// WithUser attributes the entry to a user.
func WithUser(id string) Option {
	return func(e *models.AuditEntry) { e.UserID = id }
}

// Log is the audit log service: id assignment, monotonic timestamps, and the
// retention sweeper on top of a Store.
type Log struct {
	store Store
	clock models.Clock
	cfg   *config.AuditConfig
	m     *metrics.Metrics

	mu     sync.Mutex
	lastTS time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLog creates an audit log. clock and m may be nil.
func NewLog(store Store, cfg *config.AuditConfig, clock models.Clock, m *metrics.Metrics) *Log {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Log{store: store, clock: clock, cfg: cfg, m: m}
}

// Record appends an entry with a fresh id and the current clock timestamp.
// Timestamps are monotonic non-decreasing within the process. Store failures
// surface as *models.AuditError — never silently dropped.
func (l *Log) Record(ctx context.Context, clientID string, eventType models.AuditEventType, data map[string]any, opts ...Option) (*models.AuditEntry, error) {
	entry := models.AuditEntry{
		ID:        uuid.New().String(),
		Timestamp: l.nextTimestamp(),
		ClientID:  clientID,
		EventType: eventType,
		Data:      data,
	}
	for _, opt := range opts {
		opt(&entry)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := l.store.Append(writeCtx, entry); err != nil {
		return nil, &models.AuditError{Op: "append", Err: err}
	}
	if l.m != nil {
		l.m.AuditEntries.Inc()
	}
	return &entry, nil
}

// Query returns matching entries, newest first.
func (l *Log) Query(ctx context.Context, criteria models.AuditCriteria) ([]models.AuditEntry, error) {
	entries, err := l.store.Query(ctx, criteria)
	if err != nil {
		return nil, &models.AuditError{Op: "query", Err: err}
	}
	return entries, nil
}

// Count returns the number of matching entries.
func (l *Log) Count(ctx context.Context, criteria models.AuditCriteria) (int, error) {
	n, err := l.store.Count(ctx, criteria)
	if err != nil {
		return 0, &models.AuditError{Op: "count", Err: err}
	}
	return n, nil
}

// Cleanup deletes entries older than the retention horizon and returns the
// number removed. Runs on the sweeper timer and on explicit demand.
func (l *Log) Cleanup(ctx context.Context) (int, error) {
	cutoff := l.clock.Now().AddDate(0, 0, -l.cfg.RetentionDays)
	n, err := l.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, &models.AuditError{Op: "cleanup", Err: err}
	}
	if n > 0 {
		slog.Info("Audit retention sweep removed entries",
			"deleted", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Start launches the background retention sweeper.
func (l *Log) Start(ctx context.Context) {
	if l.cancel != nil {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})

	go l.run(ctx)
	slog.Info("Audit log started",
		"retention_days", l.cfg.RetentionDays,
		"cleanup_interval", l.cfg.CleanupInterval)
}

// Stop halts the sweeper and waits for it to exit.
func (l *Log) Stop() {
	if l.cancel == nil {
		return
	}
	l.cancel()
	<-l.done
	slog.Info("Audit log stopped")
}

func (l *Log) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Cleanup(context.Background()); err != nil {
				slog.Error("Audit retention sweep failed", "error", err)
			}
		}
	}
}

// nextTimestamp returns a clock reading that never moves backwards, so
// entries sharing a correlation id sort in causal order.
func (l *Log) nextTimestamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.clock.Now()
	if !ts.After(l.lastTS) {
		ts = l.lastTS.Add(time.Microsecond)
	}
	l.lastTS = ts
	return ts
}

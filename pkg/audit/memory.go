package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aide-run/aide/pkg/models"
)

// MemoryStore is an in-memory Store used by unit tests and by deployments
// that run without PostgreSQL.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Append writes one entry.
func (s *MemoryStore) Append(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Query returns matching entries in descending timestamp order.
func (s *MemoryStore) Query(_ context.Context, criteria models.AuditCriteria) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AuditEntry
	for _, e := range s.entries {
		if matches(e, criteria) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if criteria.Limit > 0 && len(out) > criteria.Limit {
		out = out[:criteria.Limit]
	}
	return out, nil
}

// Count returns the match count, ignoring any limit.
func (s *MemoryStore) Count(_ context.Context, criteria models.AuditCriteria) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.entries {
		if matches(e, criteria) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan removes entries before the cutoff.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	deleted := 0
	for _, e := range s.entries {
		if e.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

func matches(e models.AuditEntry, c models.AuditCriteria) bool {
	if c.ClientID != "" && e.ClientID != c.ClientID {
		return false
	}
	if c.EventType != "" && e.EventType != c.EventType {
		return false
	}
	if c.CorrelationID != "" && e.CorrelationID != c.CorrelationID {
		return false
	}
	if !c.Since.IsZero() && e.Timestamp.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && e.Timestamp.After(c.Until) {
		return false
	}
	return true
}

// Package audit provides the durable append-only audit trail: indexed
// queries, counts, and a periodic retention sweep. The indexing semantics
// are the contract; the backing store is pluggable (PostgreSQL in
// production, in-memory for tests).
package audit

import (
	"context"
	"time"

	"github.com/aide-run/aide/pkg/models"
)

// Store persists audit entries.
type Store interface {
	// Append writes one entry. Entries are immutable once written.
	Append(ctx context.Context, entry models.AuditEntry) error

	// Query returns matching entries in descending timestamp order.
	Query(ctx context.Context, criteria models.AuditCriteria) ([]models.AuditEntry, error)

	// Count returns the number of entries matching the criteria,
	// ignoring any limit.
	Count(ctx context.Context, criteria models.AuditCriteria) (int, error)

	// DeleteOlderThan removes entries with timestamps before the cutoff and
	// returns the number deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aide-run/aide/pkg/models"
)

// PostgresStore persists audit entries in the audit_entries table.
// Writes take a short-held row lock inside the INSERT; the table tolerates
// concurrent writers.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store over an existing pool. The schema is
// managed by pkg/database migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append writes one entry.
func (s *PostgresStore) Append(ctx context.Context, entry models.AuditEntry) error {
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, ts, client_id, user_id, event_type, correlation_id, data)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''), $7)`,
		entry.ID, entry.Timestamp, entry.ClientID, entry.UserID,
		string(entry.EventType), entry.CorrelationID, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries in descending timestamp order.
func (s *PostgresStore) Query(ctx context.Context, criteria models.AuditCriteria) ([]models.AuditEntry, error) {
	where, args := buildFilters(criteria)

	query := `SELECT id, ts, client_id, COALESCE(user_id, ''), event_type, COALESCE(correlation_id, ''), data
		FROM audit_entries` + where + ` ORDER BY ts DESC`
	if criteria.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(criteria.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var eventType string
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &entry.ClientID,
			&entry.UserID, &eventType, &entry.CorrelationID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.EventType = models.AuditEventType(eventType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit payload: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns the match count, ignoring any limit.
func (s *PostgresStore) Count(ctx context.Context, criteria models.AuditCriteria) (int, error) {
	where, args := buildFilters(criteria)

	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries"+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes entries before the cutoff.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_entries WHERE ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	return int(n), nil
}

// buildFilters renders the WHERE clause for the optional criteria filters.
func buildFilters(criteria models.AuditCriteria) (string, []any) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if criteria.ClientID != "" {
		conds = append(conds, "client_id = "+arg(criteria.ClientID))
	}
	if criteria.EventType != "" {
		conds = append(conds, "event_type = "+arg(string(criteria.EventType)))
	}
	if criteria.CorrelationID != "" {
		conds = append(conds, "correlation_id = "+arg(criteria.CorrelationID))
	}
	if !criteria.Since.IsZero() {
		conds = append(conds, "ts >= "+arg(criteria.Since))
	}
	if !criteria.Until.IsZero() {
		conds = append(conds, "ts <= "+arg(criteria.Until))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

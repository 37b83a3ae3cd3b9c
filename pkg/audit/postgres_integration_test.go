package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aide-run/aide/pkg/database"
	"github.com/aide-run/aide/pkg/models"
)

// newIntegrationDB connects to CI_DATABASE_URL when set, otherwise starts a
// throwaway PostgreSQL container. Migrations run before the test body.
func newIntegrationDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		if testing.Short() {
			t.Skip("skipping container-backed test in -short mode")
		}
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		connStr, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func TestPostgresStore_AppendQueryCount(t *testing.T) {
	db := newIntegrationDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	entries := []models.AuditEntry{
		{ID: "00000000-0000-0000-0000-000000000001", Timestamp: base, ClientID: "client-a",
			EventType: models.AuditQueryReceived, CorrelationID: "corr-1",
			Data: map[string]any{"query": "weather"}},
		{ID: "00000000-0000-0000-0000-000000000002", Timestamp: base.Add(time.Second), ClientID: "client-a",
			EventType: models.AuditPlanCreated, CorrelationID: "corr-1",
			Data: map[string]any{"steps": float64(2)}},
		{ID: "00000000-0000-0000-0000-000000000003", Timestamp: base.Add(2 * time.Second), ClientID: "client-b",
			EventType: models.AuditQueryReceived, UserID: "user-9"},
	}
	for _, e := range entries {
		require.NoError(t, store.Append(ctx, e))
	}

	t.Run("query by correlation keeps order", func(t *testing.T) {
		got, err := store.Query(ctx, models.AuditCriteria{CorrelationID: "corr-1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, models.AuditPlanCreated, got[0].EventType)
		assert.Equal(t, models.AuditQueryReceived, got[1].EventType)
		assert.Equal(t, map[string]any{"steps": float64(2)}, got[0].Data)
	})

	t.Run("query by client", func(t *testing.T) {
		got, err := store.Query(ctx, models.AuditCriteria{ClientID: "client-b"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "user-9", got[0].UserID)
		assert.Empty(t, got[0].CorrelationID)
	})

	t.Run("count ignores limit", func(t *testing.T) {
		n, err := store.Count(ctx, models.AuditCriteria{ClientID: "client-a", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("time range filter", func(t *testing.T) {
		got, err := store.Query(ctx, models.AuditCriteria{Since: base.Add(time.Second)})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
}

func TestPostgresStore_DeleteOlderThan(t *testing.T) {
	db := newIntegrationDB(t)
	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC()
	old := models.AuditEntry{
		ID: "00000000-0000-0000-0000-000000000010", Timestamp: base.Add(-40 * 24 * time.Hour),
		ClientID: "client-a", EventType: models.AuditQueryReceived,
	}
	fresh := models.AuditEntry{
		ID: "00000000-0000-0000-0000-000000000011", Timestamp: base,
		ClientID: "client-a", EventType: models.AuditQueryReceived,
	}
	require.NoError(t, store.Append(ctx, old))
	require.NoError(t, store.Append(ctx, fresh))

	deleted, err := store.DeleteOlderThan(ctx, base.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	n, err := store.Count(ctx, models.AuditCriteria{ClientID: "client-a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/executor"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/orchestrator"
	"github.com/aide-run/aide/pkg/permission"
	"github.com/aide-run/aide/pkg/planner"
	"github.com/aide-run/aide/pkg/recovery"
	"github.com/aide-run/aide/pkg/registry"
	"github.com/aide-run/aide/pkg/routing"
	"github.com/aide-run/aide/pkg/tasks"
)

type weatherTool struct{}

func (weatherTool) Name() string                       { return "weather" }
func (weatherTool) Category() string                   { return "information" }
func (weatherTool) Description() string                { return "weather tool" }
func (weatherTool) Parameters() []models.ToolParameter { return nil }
func (weatherTool) Capabilities() []string             { return []string{models.CapabilityReadOnly} }
func (weatherTool) Execute(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
	return &models.ToolResult{Success: true, Data: map[string]any{"summary": "Sunny, 22C"}}, nil
}

type testHarness struct {
	server *Server
	router http.Handler
	bus    *bus.Bus
	rec    *recovery.Manager
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.Default()
	eventBus := bus.New(128, nil)
	auditLog := audit.NewLog(audit.NewMemoryStore(),
		&config.AuditConfig{RetentionDays: 30, CleanupInterval: time.Hour}, nil, nil)

	reg := registry.New()
	require.NoError(t, reg.Register(weatherTool{}))

	scripted := &oracle.ScriptOracle{
		ClassifyFunc: func(context.Context, string, []oracle.ToolOption) (*oracle.Classification, error) {
			return &oracle.Classification{Tool: "weather", Confidence: 0.95}, nil
		},
	}

	gate := permission.NewGate(eventBus, auditLog, &config.PermissionConfig{Timeout: time.Minute},
		nil, nil, logger)
	classifier := routing.New(reg, scripted, &config.RoutingConfig{
		CacheTTL: time.Minute, SweepInterval: time.Minute, ConfidenceThreshold: 0.7,
	}, nil, nil, logger)
	plnr := planner.New(reg, scripted, nil, logger)
	exec := executor.New(reg, gate, scripted, eventBus, auditLog,
		&config.ExecutorConfig{MaxRetries: 1, StepTimeout: time.Second, BackoffBase: time.Millisecond},
		nil, nil, logger)
	taskMgr := tasks.NewManager(eventBus, &config.TaskConfig{
		MaxConcurrentTasksPerClient: 2,
		CompletedRetention:          time.Minute,
		CancelledRetention:          time.Minute,
	}, nil, nil, logger)
	rec := recovery.NewManager(&config.HealthConfig{
		CheckInterval: time.Minute, FailureThreshold: 3,
	}, nil, nil, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Registry:   reg,
		Oracle:     scripted,
		Classifier: classifier,
		Planner:    plnr,
		Executor:   exec,
		Tasks:      taskMgr,
		Gate:       gate,
		Recovery:   rec,
		Bus:        eventBus,
		Audit:      auditLog,
		Logger:     logger,
	})
	orch.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	hub := NewHub(eventBus, time.Second, logger)
	server := NewServer(orch, rec, reg, auditLog, nil, hub, nil, logger)
	return &testHarness{server: server, router: server.Router(), bus: eventBus, rec: rec}
}

func (h *testHarness) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestHealth_UnhealthyComponent(t *testing.T) {
	h := newHarness(t)
	for range 3 {
		h.rec.RecordFailure("oracle", assert.AnError)
	}

	w := h.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])
}

func TestPostMessage(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodPost, "/api/v1/messages",
		map[string]string{"client_id": "client-a", "message": "weather in Paris"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Sunny, 22C", decode(t, w)["response"])
}

func TestPostMessage_Validation(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodPost, "/api/v1/messages", map[string]string{"message": "hi"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTasks(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodGet, "/api/v1/tasks?client_id=client-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["tasks"])

	w = h.request(t, http.MethodGet, "/api/v1/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelTask_NotFound(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodPost, "/api/v1/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuditQuery(t *testing.T) {
	h := newHarness(t)
	h.request(t, http.MethodPost, "/api/v1/messages",
		map[string]string{"client_id": "client-a", "message": "weather in Paris"})

	w := h.request(t, http.MethodGet, "/api/v1/audit?client_id=client-a&type=query_received", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)

	w = h.request(t, http.MethodGet, "/api/v1/audit?limit=banana", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListTools(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tools := decode(t, w)["tools"].([]any)
	require.Len(t, tools, 1)
}

func TestStats(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["overall_health"])
}

func TestAlerts(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodGet, "/api/v1/alerts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode(t, w)["alerts"])

	w = h.request(t, http.MethodPost, "/api/v1/alerts/nope/ack", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRespondPermission(t *testing.T) {
	h := newHarness(t)

	w := h.request(t, http.MethodPost, "/api/v1/permissions/req-1",
		map[string]any{"approved": true})
	assert.Equal(t, http.StatusAccepted, w.Code)
}

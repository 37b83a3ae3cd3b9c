// Package permission implements the approval gate for state-changing steps.
// A request blocks its own step until the user answers, the request times
// out, or the surrounding execution is cancelled; sibling steps keep running.
package permission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
)

// Stats summarizes gate activity.
type Stats struct {
	Outstanding int           `json:"outstanding"`
	Answered    int           `json:"answered"`
	AverageWait time.Duration `json:"average_wait"`
}

type pendingRequest struct {
	req      models.PermissionRequest
	decision chan models.PermissionResponse
}

// Gate mediates permission requests between executing steps and the user.
type Gate struct {
	bus     *bus.Bus
	audit   *audit.Log
	cfg     *config.PermissionConfig
	clock   models.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	pending   map[string]*pendingRequest
	answered  int
	totalWait time.Duration
}

// NewGate creates a gate. A nil clock selects the system clock.
func NewGate(eventBus *bus.Bus, auditLog *audit.Log, cfg *config.PermissionConfig,
	clock models.Clock, m *metrics.Metrics, logger *slog.Logger) *Gate {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Gate{
		bus:     eventBus,
		audit:   auditLog,
		cfg:     cfg,
		clock:   clock,
		metrics: m,
		logger:  logger,
		pending: make(map[string]*pendingRequest),
	}
}

// Request asks for approval and blocks until a decision exists. Auto-approve
// requests return immediately without surfacing anything to the user. A
// timeout or context cancellation produces a denial, never an error.
func (g *Gate) Request(ctx context.Context, req models.PermissionRequest) models.PermissionResponse {
	if req.Level == models.PermissionAutoApprove {
		return models.PermissionResponse{
			RequestID: req.ID,
			Approved:  true,
			Reason:    "auto-approved",
			DecidedAt: g.clock.Now(),
		}
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.RequestedAt = g.clock.Now()
	req.ExpiresAt = req.RequestedAt.Add(g.cfg.Timeout)

	p := &pendingRequest{req: req, decision: make(chan models.PermissionResponse, 1)}
	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()

	g.record(ctx, req.ClientID, models.AuditPermissionRequested, map[string]any{
		"request_id": req.ID,
		"step_id":    req.StepID,
		"tool":       req.ToolName,
		"level":      string(req.Level),
	})
	if err := g.bus.Publish(models.Event{
		Type:     models.EventPermissionRequest,
		Priority: models.PriorityHigh,
		Source:   "permission_gate",
		Payload: map[string]any{
			"request_id":  req.ID,
			"client_id":   req.ClientID,
			"step_id":     req.StepID,
			"tool_name":   req.ToolName,
			"description": req.Description,
			"parameters":  req.Parameters,
			"expires_at":  req.ExpiresAt,
		},
	}); err != nil {
		g.logger.Error("failed to publish permission request", "request_id", req.ID, "error", err)
	}

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	var resp models.PermissionResponse
	select {
	case resp = <-p.decision:
	case <-timer.C:
		g.resolve(req.ID, models.PermissionResponse{
			RequestID: req.ID, Approved: false, Reason: "timeout", DecidedAt: g.clock.Now(),
		})
		resp = <-p.decision
	case <-ctx.Done():
		g.resolve(req.ID, models.PermissionResponse{
			RequestID: req.ID, Approved: false, Reason: "execution cancelled", DecidedAt: g.clock.Now(),
		})
		resp = <-p.decision
	}

	wait := resp.DecidedAt.Sub(req.RequestedAt)
	g.mu.Lock()
	g.answered++
	g.totalWait += wait
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.PermissionWaits.Observe(wait.Seconds())
	}

	outcome := models.AuditPermissionDenied
	if resp.Approved {
		outcome = models.AuditPermissionGranted
	}
	g.record(ctx, req.ClientID, outcome, map[string]any{
		"request_id": req.ID,
		"step_id":    req.StepID,
		"tool":       req.ToolName,
		"reason":     resp.Reason,
	})
	return resp
}

// Respond delivers the user's decision. A request that already reached an
// outcome (answered, timed out, or cancelled) absorbs later responses
// silently; the first outcome wins.
func (g *Gate) Respond(requestID string, approved bool, reason string) {
	delivered := g.resolve(requestID, models.PermissionResponse{
		RequestID: requestID,
		Approved:  approved,
		Reason:    reason,
		DecidedAt: g.clock.Now(),
	})
	if !delivered {
		g.logger.Debug("ignoring response for settled permission request", "request_id", requestID)
	}
}

// resolve settles a pending request exactly once.
func (g *Gate) resolve(id string, resp models.PermissionResponse) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[id]
	if !ok {
		return false
	}
	delete(g.pending, id)
	p.decision <- resp
	return true
}

// Outstanding returns snapshots of requests still awaiting a decision.
func (g *Gate) Outstanding() []models.PermissionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]models.PermissionRequest, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	return out
}

// Statistics reports gate activity counters.
func (g *Gate) Statistics() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{Outstanding: len(g.pending), Answered: g.answered}
	if g.answered > 0 {
		s.AverageWait = g.totalWait / time.Duration(g.answered)
	}
	return s
}

func (g *Gate) record(ctx context.Context, clientID string, kind models.AuditEventType, data map[string]any) {
	if g.audit == nil {
		return
	}
	if _, err := g.audit.Record(ctx, clientID, kind, data); err != nil {
		g.logger.Error("failed to record permission audit entry", "error", err)
	}
}

// Package executor runs an execution plan: dependency-ordered scheduling,
// bounded retries, permission gating, and synthesis of the final answer.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/metrics"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/permission"
	"github.com/aide-run/aide/pkg/registry"
)

// ErrCancelled reports that execution stopped because the owning task was
// cancelled, either externally or by a revision verdict.
var ErrCancelled = errors.New("execution cancelled")

// PlanReviser re-plans mid-execution after a context update. A nil return
// is a cancel verdict; otherwise the returned plan replaces the residual
// step graph (it may be the original plan unchanged).
type PlanReviser interface {
	Revise(ctx context.Context, plan *models.ExecutionPlan, contextMessage string, completedIDs []string) *models.ExecutionPlan
}

// Request is one plan execution.
type Request struct {
	Plan          *models.ExecutionPlan
	ClientID      string
	History       []models.ConversationMessage
	CorrelationID string

	// Reviser and DrainUpdates are optional; when both are set, context
	// updates drained between batches can reshape the residual graph.
	Reviser      PlanReviser
	DrainUpdates func() []models.ContextUpdate
}

// Executor schedules plan steps over the registered tools.
type Executor struct {
	registry *registry.Registry
	gate     *permission.Gate
	oracle   oracle.Oracle
	bus      *bus.Bus
	audit    *audit.Log
	cfg      *config.ExecutorConfig
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    models.Clock

	mu   sync.Mutex
	live map[string]*execution
}

// New creates an executor. A nil clock selects the system clock.
func New(reg *registry.Registry, gate *permission.Gate, o oracle.Oracle,
	eventBus *bus.Bus, auditLog *audit.Log, cfg *config.ExecutorConfig,
	clock models.Clock, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if clock == nil {
		clock = models.SystemClock{}
	}
	return &Executor{
		registry: reg,
		gate:     gate,
		oracle:   o,
		bus:      eventBus,
		audit:    auditLog,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		clock:    clock,
		live:     make(map[string]*execution),
	}
}

// execution is the mutable runtime state of one plan run. The mutex covers
// the step and result maps, which parallel steps touch concurrently.
type execution struct {
	mu   sync.Mutex
	rec  *models.PlanExecution
	plan *models.ExecutionPlan

	// labels and toolNames survive plan revisions, so the final answer can
	// still name steps that completed under a superseded graph.
	labels    map[string]string
	toolNames map[string]string
}

func (e *execution) adopt(steps []models.ExecutionStep) {
	for _, s := range steps {
		label := s.Description
		if label == "" {
			label = s.ToolName
		}
		e.labels[s.ID] = label
		e.toolNames[s.ID] = s.ToolName
		if _, ok := e.rec.Steps[s.ID]; !ok {
			e.rec.Steps[s.ID] = &models.StepExecution{StepID: s.ID, Status: models.StepStatusPending}
		}
	}
}

func (e *execution) setStatus(stepID string, status models.StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Steps[stepID].Status = status
}

func (e *execution) finishStep(stepID string, status models.StepStatus, result *models.ToolResult, errText string, completedAt time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	se := e.rec.Steps[stepID]
	se.Status = status
	se.CompletedAt = &completedAt
	se.Error = errText
	se.Result = result
	if result != nil {
		e.rec.Results[stepID] = result
	}
}

// previousResults snapshots completed results for an ExecutionContext.
func (e *execution) previousResults() map[string]*models.ToolResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*models.ToolResult, len(e.rec.Results))
	for id, r := range e.rec.Results {
		out[id] = r
	}
	return out
}

// Execute runs the plan to an ExecutionResult. Cancellation surfaces as
// ErrCancelled with a partial result. Two executions of the same plan id
// cannot overlap.
func (ex *Executor) Execute(ctx context.Context, req Request) (*models.ExecutionResult, error) {
	plan := req.Plan
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	exec := &execution{
		plan: plan,
		rec: &models.PlanExecution{
			PlanID:    plan.ID,
			ClientID:  req.ClientID,
			Status:    models.PlanStatusRunning,
			Steps:     make(map[string]*models.StepExecution, len(plan.Steps)),
			Results:   make(map[string]*models.ToolResult),
			StartedAt: ex.clock.Now(),
		},
		labels:    make(map[string]string, len(plan.Steps)),
		toolNames: make(map[string]string, len(plan.Steps)),
	}
	exec.adopt(plan.Steps)

	ex.mu.Lock()
	if _, running := ex.live[plan.ID]; running {
		ex.mu.Unlock()
		return nil, fmt.Errorf("plan %s is already executing", plan.ID)
	}
	ex.live[plan.ID] = exec
	ex.mu.Unlock()
	defer func() {
		ex.mu.Lock()
		delete(ex.live, plan.ID)
		ex.mu.Unlock()
	}()

	ex.record(ctx, req, models.AuditExecutionStarted, map[string]any{
		"plan_id": plan.ID,
		"steps":   len(plan.Steps),
	})

	started := ex.clock.Now()
	completed := make(map[string]bool, len(plan.Steps))
	remaining := make(map[string]bool, len(plan.Steps))
	for _, s := range plan.Steps {
		remaining[s.ID] = true
	}
	ex.publishProgress(req, exec, len(completed), len(completed)+len(remaining))

	cancelled := false

loop:
	for len(remaining) > 0 {
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		ready := readySteps(plan, remaining, completed)
		if len(ready) == 0 {
			err := &models.PlanStructureError{PlanID: plan.ID, Reason: "no runnable step among remaining"}
			ex.finish(ctx, req, exec, started, models.PlanStatusFailed)
			return nil, err
		}

		var parallel, sequential []models.ExecutionStep
		for _, s := range ready {
			if s.Parallelizable {
				parallel = append(parallel, s)
			} else {
				sequential = append(sequential, s)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, s := range parallel {
			step := s
			g.Go(func() error { return ex.runStep(gctx, req, exec, step) })
		}
		if err := g.Wait(); err != nil {
			cancelled = true
			break
		}
		for _, step := range sequential {
			if err := ex.runStep(ctx, req, exec, step); err != nil {
				cancelled = true
				break loop
			}
		}

		for _, s := range ready {
			delete(remaining, s.ID)
			completed[s.ID] = true
		}
		ex.publishProgress(req, exec, len(completed), len(completed)+len(remaining))

		plan, remaining, cancelled = ex.applyUpdates(ctx, req, exec, plan, remaining, completed)
		if cancelled {
			break
		}
	}

	if cancelled {
		ex.finish(ctx, req, exec, started, models.PlanStatusCancelled)
		return ex.buildResult(ctx, req, exec, started, true), ErrCancelled
	}

	result := ex.buildResult(ctx, req, exec, started, false)
	status := models.PlanStatusCompleted
	if !result.Success {
		status = models.PlanStatusFailed
	}
	ex.finish(ctx, req, exec, started, status)
	return result, nil
}

// readySteps returns remaining steps whose dependencies have all finished,
// in plan order.
func readySteps(plan *models.ExecutionPlan, remaining, completed map[string]bool) []models.ExecutionStep {
	var ready []models.ExecutionStep
	for _, s := range plan.Steps {
		if !remaining[s.ID] {
			continue
		}
		ok := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

// applyUpdates drains context updates and lets the reviser reshape the
// residual graph. A cancel verdict ends the run.
func (ex *Executor) applyUpdates(ctx context.Context, req Request, exec *execution,
	plan *models.ExecutionPlan, remaining, completed map[string]bool) (*models.ExecutionPlan, map[string]bool, bool) {

	if req.Reviser == nil || req.DrainUpdates == nil || len(remaining) == 0 {
		return plan, remaining, false
	}

	completedIDs := make([]string, 0, len(completed))
	for id := range completed {
		completedIDs = append(completedIDs, id)
	}
	sort.Strings(completedIDs)

	for _, update := range req.DrainUpdates() {
		revised := req.Reviser.Revise(ctx, plan, update.Message, completedIDs)
		if revised == nil {
			ex.logger.Info("revision cancelled plan", "plan_id", plan.ID)
			return plan, remaining, true
		}
		if revised.ID == plan.ID {
			continue
		}

		// Fresh plan over the residual: earlier results stay visible to new
		// steps through previous_step_results, the graph itself is replaced.
		ex.logger.Info("plan revised", "plan_id", plan.ID,
			"revised_plan_id", revised.ID, "steps", len(revised.Steps))
		plan = revised
		remaining = make(map[string]bool, len(revised.Steps))
		exec.mu.Lock()
		exec.plan = revised
		exec.adopt(revised.Steps)
		for _, s := range revised.Steps {
			remaining[s.ID] = true
		}
		exec.rec.Updates = append(exec.rec.Updates, update.Message)
		exec.mu.Unlock()
	}
	return plan, remaining, false
}

// runStep drives one step to a terminal status. Only cancellation returns
// an error; ordinary failures are absorbed into the step record so peers
// keep running.
func (ex *Executor) runStep(ctx context.Context, req Request, exec *execution, step models.ExecutionStep) error {
	now := ex.clock.Now()
	exec.mu.Lock()
	exec.rec.Steps[step.ID].StartedAt = &now
	exec.mu.Unlock()

	if step.RequiresPermission {
		exec.setStatus(step.ID, models.StepStatusAwaitingPermission)
		resp := ex.gate.Request(ctx, models.PermissionRequest{
			ClientID:    req.ClientID,
			StepID:      step.ID,
			ToolName:    step.ToolName,
			Description: step.Description,
			Parameters:  step.Parameters,
			Level:       models.PermissionRequireConfirmation,
		})
		if !resp.Approved {
			if ctx.Err() != nil {
				exec.finishStep(step.ID, models.StepStatusCancelled, nil, "cancelled", ex.clock.Now())
				ex.countStep("cancelled")
				return ctx.Err()
			}
			denied := &models.PermissionDeniedError{StepID: step.ID, ToolName: step.ToolName, Reason: resp.Reason}
			ex.failStep(ctx, req, exec, step, denied, 0)
			return nil
		}
	}

	tool, ok := ex.registry.Get(step.ToolName)
	if !ok {
		ex.failStep(ctx, req, exec, step, &models.ToolUnavailableError{ToolName: step.ToolName}, 0)
		return nil
	}

	exec.setStatus(step.ID, models.StepStatusRunning)

	var lastErr error
	for retry := 0; ; retry++ {
		result, err := ex.invoke(ctx, tool, step, req, exec)
		if err == nil && result != nil && result.Success {
			completedAt := ex.clock.Now()
			exec.mu.Lock()
			exec.rec.Steps[step.ID].RetryCount = retry
			exec.mu.Unlock()
			exec.finishStep(step.ID, models.StepStatusCompleted, result, "", completedAt)
			ex.countStep("completed")
			ex.record(ctx, req, models.AuditToolExecuted, map[string]any{
				"plan_id": exec.rec.PlanID,
				"step_id": step.ID,
				"tool":    step.ToolName,
				"success": true,
				"retries": retry,
			})
			return nil
		}

		if ctx.Err() != nil {
			exec.finishStep(step.ID, models.StepStatusCancelled, nil, "cancelled", ex.clock.Now())
			ex.countStep("cancelled")
			return ctx.Err()
		}

		switch {
		case err != nil:
			lastErr = &models.ToolExecutionError{StepID: step.ID, ToolName: step.ToolName, Err: err}
		case result != nil:
			lastErr = &models.ToolExecutionError{StepID: step.ID, ToolName: step.ToolName,
				Err: errors.New(result.Error)}
		default:
			lastErr = &models.ToolExecutionError{StepID: step.ID, ToolName: step.ToolName,
				Err: errors.New("tool returned no result")}
		}

		if retry >= ex.cfg.MaxRetries {
			break
		}
		if ex.metrics != nil {
			ex.metrics.StepRetries.Inc()
		}
		backoff := time.Duration(1<<uint(retry+1)) * ex.cfg.BackoffBase
		ex.logger.Debug("retrying step", "step_id", step.ID, "retry", retry+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			exec.finishStep(step.ID, models.StepStatusCancelled, nil, "cancelled", ex.clock.Now())
			ex.countStep("cancelled")
			return ctx.Err()
		}
	}

	ex.failStep(ctx, req, exec, step, lastErr, ex.cfg.MaxRetries)
	return nil
}

// invoke runs the tool under the per-step timeout.
func (ex *Executor) invoke(ctx context.Context, tool models.Tool, step models.ExecutionStep,
	req Request, exec *execution) (*models.ToolResult, error) {

	stepCtx, cancel := context.WithTimeout(ctx, ex.cfg.StepTimeout)
	defer cancel()

	result, err := tool.Execute(stepCtx, step.Parameters, &models.ExecutionContext{
		ClientID:            req.ClientID,
		ConversationHistory: req.History,
		PreviousStepResults: exec.previousResults(),
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &models.StepTimeoutError{StepID: step.ID, Timeout: ex.cfg.StepTimeout}
	}
	return result, err
}

// failStep records a terminal failure with a synthetic failed result.
func (ex *Executor) failStep(ctx context.Context, req Request, exec *execution,
	step models.ExecutionStep, cause error, retries int) {

	synthetic := &models.ToolResult{Success: false, Error: cause.Error()}
	exec.mu.Lock()
	exec.rec.Steps[step.ID].RetryCount = retries
	exec.mu.Unlock()
	exec.finishStep(step.ID, models.StepStatusFailed, synthetic, cause.Error(), ex.clock.Now())
	ex.countStep("failed")

	ex.logger.Warn("step failed", "plan_id", exec.rec.PlanID,
		"step_id", step.ID, "tool", step.ToolName, "error", cause)
	ex.record(ctx, req, models.AuditToolExecuted, map[string]any{
		"plan_id": exec.rec.PlanID,
		"step_id": step.ID,
		"tool":    step.ToolName,
		"success": false,
		"error":   cause.Error(),
	})
}

// buildResult derives the ExecutionResult and synthesizes the final answer.
func (ex *Executor) buildResult(ctx context.Context, req Request, exec *execution,
	started time.Time, cancelled bool) *models.ExecutionResult {

	exec.mu.Lock()
	plan := exec.plan
	stepResults := make(map[string]*models.ToolResult, len(exec.rec.Results))
	for id, r := range exec.rec.Results {
		stepResults[id] = r
	}

	// Walk terminal steps in start order so the answer reads causally, even
	// when a revision replaced the graph mid-run.
	finished := make([]*models.StepExecution, 0, len(exec.rec.Steps))
	for _, se := range exec.rec.Steps {
		if se.Status.Terminal() && se.Result != nil {
			finished = append(finished, se)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if a.StartedAt != nil && b.StartedAt != nil && !a.StartedAt.Equal(*b.StartedAt) {
			return a.StartedAt.Before(*b.StartedAt)
		}
		return a.StepID < b.StepID
	})

	var successes, failures []string
	var toolsUsed []string
	seenTools := make(map[string]bool)
	for _, se := range finished {
		label := exec.labels[se.StepID]
		if se.Status == models.StepStatusCompleted {
			successes = append(successes, label+": "+se.Result.Render())
			if tool := exec.toolNames[se.StepID]; !seenTools[tool] {
				seenTools[tool] = true
				toolsUsed = append(toolsUsed, tool)
			}
		} else {
			failures = append(failures, label+" failed")
		}
	}
	exec.mu.Unlock()

	result := &models.ExecutionResult{
		Success:     len(successes) > 0 && !cancelled,
		StepResults: stepResults,
		Duration:    ex.clock.Now().Sub(started),
		ToolsUsed:   toolsUsed,
	}

	switch {
	case cancelled:
		result.FinalAnswer = "The task was cancelled before it finished."
	case len(successes) == 0:
		result.FinalAnswer = "I couldn't complete any part of the request: " +
			strings.Join(failures, "; ")
	default:
		answer, err := ex.oracle.Synthesize(ctx, oracle.SynthesisRequest{
			Query:     plan.Query,
			Successes: successes,
			Failures:  failures,
		})
		if err != nil {
			ex.logger.Warn("synthesis failed, using concatenated results",
				"plan_id", plan.ID, "error", err)
			answer = strings.Join(successes, "\n")
		}
		result.FinalAnswer = answer
	}
	return result
}

// finish closes the run record and emits the terminal audit entry.
func (ex *Executor) finish(ctx context.Context, req Request, exec *execution,
	started time.Time, status models.PlanStatus) {

	now := ex.clock.Now()
	exec.mu.Lock()
	exec.rec.Status = status
	exec.rec.CompletedAt = &now
	exec.mu.Unlock()

	kind := models.AuditExecutionCompleted
	if status == models.PlanStatusFailed {
		kind = models.AuditExecutionFailed
	}
	ex.record(ctx, req, kind, map[string]any{
		"plan_id":     exec.rec.PlanID,
		"status":      string(status),
		"duration_ms": now.Sub(started).Milliseconds(),
	})
}

// Execution returns a snapshot of a live run, if any.
func (ex *Executor) Execution(planID string) (*models.PlanExecution, bool) {
	ex.mu.Lock()
	exec, ok := ex.live[planID]
	ex.mu.Unlock()
	if !ok {
		return nil, false
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	snapshot := *exec.rec
	return &snapshot, true
}

func (ex *Executor) publishProgress(req Request, exec *execution, completed, total int) {
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total)
	}

	exec.mu.Lock()
	steps := make([]map[string]any, 0, len(exec.plan.Steps))
	for _, s := range exec.plan.Steps {
		status := models.StepStatusPending
		if se, ok := exec.rec.Steps[s.ID]; ok {
			status = se.Status
		}
		steps = append(steps, map[string]any{
			"description": s.Description,
			"status":      string(status),
		})
	}
	planID := exec.rec.PlanID
	exec.mu.Unlock()

	if err := ex.bus.Publish(models.Event{
		Type:     models.EventProgressUpdate,
		Priority: models.PriorityMedium,
		Source:   "executor",
		Payload: map[string]any{
			"plan_id":   planID,
			"client_id": req.ClientID,
			"percent":   percent,
			"completed": completed,
			"total":     total,
			"steps":     steps,
		},
	}); err != nil {
		ex.logger.Error("failed to publish progress", "plan_id", planID, "error", err)
	}
}

func (ex *Executor) record(ctx context.Context, req Request, kind models.AuditEventType, data map[string]any) {
	if ex.audit == nil {
		return
	}
	opts := []audit.Option{}
	if req.CorrelationID != "" {
		opts = append(opts, audit.WithCorrelation(req.CorrelationID))
	}
	if _, err := ex.audit.Record(ctx, req.ClientID, kind, data, opts...); err != nil {
		ex.logger.Error("failed to record execution audit entry", "error", err)
	}
}

func (ex *Executor) countStep(outcome string) {
	if ex.metrics != nil {
		ex.metrics.StepsExecuted.WithLabelValues(outcome).Inc()
	}
}

// Package orchestrator is the runtime façade: it receives client messages,
// picks the cheapest path that can answer them, and owns the background
// machinery for planned execution.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/executor"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/permission"
	"github.com/aide-run/aide/pkg/planner"
	"github.com/aide-run/aide/pkg/recovery"
	"github.com/aide-run/aide/pkg/registry"
	"github.com/aide-run/aide/pkg/routing"
	"github.com/aide-run/aide/pkg/tasks"
)

// directInvokeTimeout bounds a fast-path tool call.
const directInvokeTimeout = 30 * time.Second

// Deps are the orchestrator's collaborators, wired once at startup.
type Deps struct {
	Registry   *registry.Registry
	Oracle     oracle.Oracle
	Classifier *routing.Classifier
	Planner    *planner.Planner
	Executor   *executor.Executor
	Tasks      *tasks.Manager
	Gate       *permission.Gate
	Recovery   *recovery.Manager
	Bus        *bus.Bus
	Audit      *audit.Log
	Logger     *slog.Logger
}

// Statistics aggregates runtime counters across the components.
type Statistics struct {
	Tasks         tasks.Stats            `json:"tasks"`
	Permissions   permission.Stats       `json:"permissions"`
	Bus           bus.Stats              `json:"bus"`
	RoutingCache  int                    `json:"routing_cache_entries"`
	OverallHealth models.ComponentStatus `json:"overall_health"`
}

// Orchestrator routes client messages through the decision chain:
// audit, meta-query, context-update, fast-path, simple query, planned
// execution. Each branch short-circuits the rest.
type Orchestrator struct {
	registry   *registry.Registry
	oracle     oracle.Oracle
	classifier *routing.Classifier
	planner    *planner.Planner
	executor   *executor.Executor
	tasks      *tasks.Manager
	gate       *permission.Gate
	recovery   *recovery.Manager
	bus        *bus.Bus
	audit      *audit.Log
	history    *conversationLog
	logger     *slog.Logger

	clientMu    sync.Mutex
	clientLocks map[string]*sync.Mutex

	runMu   sync.Mutex
	cancels map[string]context.CancelFunc

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	suggestionQueue chan suggestionJob
	suggestionsDone chan struct{}
}

// New wires the façade together.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		registry:        d.Registry,
		oracle:          d.Oracle,
		classifier:      d.Classifier,
		planner:         d.Planner,
		executor:        d.Executor,
		tasks:           d.Tasks,
		gate:            d.Gate,
		recovery:        d.Recovery,
		bus:             d.Bus,
		audit:           d.Audit,
		history:         newConversationLog(),
		logger:          d.Logger,
		clientLocks:     make(map[string]*sync.Mutex),
		cancels:         make(map[string]context.CancelFunc),
		suggestionQueue: make(chan suggestionJob, suggestionQueueSize),
		suggestionsDone: make(chan struct{}),
	}
}

// Start freezes the registry and launches the background loops.
func (o *Orchestrator) Start(ctx context.Context) {
	o.rootCtx, o.rootCancel = context.WithCancel(ctx)
	o.registry.Freeze()
	o.classifier.Start(o.rootCtx)
	o.audit.Start(o.rootCtx)
	go o.suggestionWorker(o.rootCtx)
	o.logger.Info("orchestrator started", "tools", o.registry.Len())
}

// HandleMessage runs a client message through the decision chain and
// returns the immediate response text. Long-running work continues in the
// background after the acknowledgement is returned.
func (o *Orchestrator) HandleMessage(ctx context.Context, clientID, message string) (string, error) {
	correlationID := uuid.NewString()
	if err := o.record(ctx, clientID, models.AuditQueryReceived, correlationID, map[string]any{
		"query": message,
	}); err != nil {
		// No audit trail means no accountable execution.
		return "", fmt.Errorf("recording query: %w", err)
	}

	unlock := o.lockClient(clientID)

	if isMetaQuery(message) {
		unlock()
		answer := o.answerMetaQuery(clientID)
		o.history.Append(clientID, "user", message)
		o.history.Append(clientID, "assistant", answer)
		return answer, nil
	}

	if related := o.tasks.FindRelatedTask(clientID, message); related != nil {
		_, ok := o.tasks.AddContextUpdate(related.ID, message)
		unlock()
		if ok {
			o.record(ctx, clientID, models.AuditContextShared, correlationID, map[string]any{
				"task_id": related.ID,
				"message": message,
			})
			return fmt.Sprintf("Got it — I've folded that into the task I'm already working on (%s).",
				shortID(related.ID)), nil
		}
	}

	decision, err := o.classifier.Classify(ctx, message)
	if err != nil {
		o.logger.Warn("classification failed, skipping fast path",
			"client_id", clientID, "error", err)
		o.recovery.RecordFailure("classifier", err)
	} else {
		o.recovery.RecordSuccess("classifier")
	}
	if err == nil && o.classifier.ShouldRouteDirectly(decision) {
		if tool, ok := o.registry.Get(decision.Tool); ok {
			unlock()
			return o.directInvoke(ctx, clientID, message, correlationID, tool, decision)
		}
	}

	simple := o.isSimpleQuery(message)
	unlock()

	if simple {
		answer, err := o.streamSimpleAnswer(ctx, clientID, message)
		if err == nil {
			o.history.Append(clientID, "user", message)
			o.history.Append(clientID, "assistant", answer)
			return answer, nil
		}
		o.logger.Warn("streaming answer failed, falling back to planning",
			"client_id", clientID, "error", err)
	}

	return o.startTask(clientID, message, correlationID)
}

// directInvoke executes the classifier's chosen tool inline.
func (o *Orchestrator) directInvoke(ctx context.Context, clientID, message, correlationID string,
	tool models.Tool, decision routing.Decision) (string, error) {

	// The fast path is a degenerate one-step plan; audit it as such so the
	// correlation trail reads QueryReceived then PlanCreated on every route.
	o.record(ctx, clientID, models.AuditPlanCreated, correlationID, map[string]any{
		"fast_path":  true,
		"tool":       decision.Tool,
		"steps":      1,
		"from_cache": decision.FromCache,
	})

	invokeCtx, cancel := context.WithTimeout(ctx, directInvokeTimeout)
	defer cancel()

	result, err := tool.Execute(invokeCtx, map[string]any{"query": message}, &models.ExecutionContext{
		ClientID:            clientID,
		ConversationHistory: o.history.Snapshot(clientID),
	})
	o.record(ctx, clientID, models.AuditToolExecuted, correlationID, map[string]any{
		"tool":       decision.Tool,
		"fast_path":  true,
		"from_cache": decision.FromCache,
		"success":    err == nil && result != nil && result.Success,
	})

	var answer string
	if err != nil || result == nil || !result.Success {
		if err != nil {
			o.recovery.RecordFailure(decision.Tool, err)
		} else {
			o.recovery.RecordFailure(decision.Tool, errors.New(resultError(result)))
		}
		answer = fmt.Sprintf("I tried to use %s for that, but it didn't work right now. Want me to try another way?",
			decision.Tool)
	} else {
		o.recovery.RecordSuccess(decision.Tool)
		answer = result.Render()
	}

	o.history.Append(clientID, "user", message)
	o.history.Append(clientID, "assistant", answer)
	o.publishResponse(clientID, answer, map[string]any{
		"tool":       decision.Tool,
		"fast_path":  true,
		"from_cache": decision.FromCache,
	})
	return answer, nil
}

// startTask creates a background task and returns the acknowledgement.
func (o *Orchestrator) startTask(clientID, message, correlationID string) (string, error) {
	task, err := o.tasks.Create(clientID, message)
	if err != nil {
		return "", err
	}
	o.history.Append(clientID, "user", message)

	runCtx, cancel := context.WithCancel(o.rootCtx)
	o.runMu.Lock()
	o.cancels[task.ID] = cancel
	o.runMu.Unlock()

	o.wg.Add(1)
	go o.runTask(runCtx, task.ID, clientID, message, correlationID)

	return fmt.Sprintf("Working on it — task %s. I'll post the result here when it's done.",
		shortID(task.ID)), nil
}

// runTask plans and executes one task in the background.
func (o *Orchestrator) runTask(ctx context.Context, taskID, clientID, query, correlationID string) {
	defer o.wg.Done()
	defer func() {
		o.runMu.Lock()
		if cancel, ok := o.cancels[taskID]; ok {
			cancel()
			delete(o.cancels, taskID)
		}
		o.runMu.Unlock()
	}()

	plan, err := o.planner.CreatePlan(ctx, query, planner.PlanContext{
		History: o.history.Snapshot(clientID),
	})
	if err != nil {
		o.recovery.RecordFailure("planner", err)
		o.logger.Error("planning failed", "task_id", taskID, "error", err)
		answer := "I couldn't work out a plan for that request."
		o.tasks.Complete(taskID, answer, models.TaskStateFailed)
		o.history.Append(clientID, "assistant", answer)
		o.publishResponse(clientID, answer, map[string]any{"task_id": taskID})
		return
	}
	o.recovery.RecordSuccess("planner")

	o.record(ctx, clientID, models.AuditPlanCreated, correlationID, map[string]any{
		"plan_id": plan.ID,
		"task_id": taskID,
		"steps":   len(plan.Steps),
	})
	o.tasks.AttachPlan(taskID, plan.ID)
	o.tasks.UpdateState(taskID, models.TaskStateActive)

	reviser := &taskReviser{orchestrator: o, taskID: taskID}
	result, err := o.executor.Execute(ctx, executor.Request{
		Plan:          plan,
		ClientID:      clientID,
		History:       o.history.Snapshot(clientID),
		CorrelationID: correlationID,
		Reviser:       reviser,
		DrainUpdates:  reviser.drain,
	})

	switch {
	case errors.Is(err, executor.ErrCancelled):
		o.tasks.Cancel(taskID)
		o.logger.Info("task cancelled", "task_id", taskID)
		return
	case err != nil:
		o.logger.Error("execution failed", "task_id", taskID, "error", err)
		answer := "Something went wrong while running that task."
		o.tasks.Complete(taskID, answer, models.TaskStateFailed)
		o.history.Append(clientID, "assistant", answer)
		o.publishResponse(clientID, answer, map[string]any{"task_id": taskID})
		return
	}

	state := models.TaskStateCompleted
	if !result.Success {
		state = models.TaskStateFailed
	}
	o.tasks.Complete(taskID, result.FinalAnswer, state)
	o.history.Append(clientID, "assistant", result.FinalAnswer)
	o.publishResponse(clientID, result.FinalAnswer, map[string]any{
		"task_id":    taskID,
		"tools_used": result.ToolsUsed,
		"duration":   result.Duration.String(),
	})
	if result.Success {
		o.enqueueSuggestion(suggestionJob{clientID: clientID, query: query, answer: result.FinalAnswer})
	}
}

// taskReviser adapts the planner into the executor's revision hook and
// records each drained update's impact on the task.
type taskReviser struct {
	orchestrator *Orchestrator
	taskID       string

	mu      sync.Mutex
	pending []string
}

func (r *taskReviser) drain() []models.ContextUpdate {
	updates := r.orchestrator.tasks.DrainUpdates(r.taskID)
	r.mu.Lock()
	for _, u := range updates {
		r.pending = append(r.pending, u.ID)
	}
	r.mu.Unlock()
	return updates
}

func (r *taskReviser) Revise(ctx context.Context, plan *models.ExecutionPlan,
	contextMessage string, completedIDs []string) *models.ExecutionPlan {

	revised := r.orchestrator.planner.Revise(ctx, plan, contextMessage, completedIDs)

	impact := models.ContextImpactNoChange
	switch {
	case revised == nil:
		impact = models.ContextImpactTaskCancelled
	case revised.ID != plan.ID:
		impact = models.ContextImpactPlanModified
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, id := range pending {
		r.orchestrator.tasks.MarkUpdateImpact(r.taskID, id, impact)
	}
	return revised
}

// CancelTask stops a running task.
func (o *Orchestrator) CancelTask(taskID string) bool {
	o.runMu.Lock()
	cancel, running := o.cancels[taskID]
	o.runMu.Unlock()
	if running {
		cancel()
	}
	return o.tasks.Cancel(taskID) || running
}

// RespondPermission forwards a user's permission decision to the gate.
func (o *Orchestrator) RespondPermission(requestID string, approved bool, reason string) {
	o.gate.Respond(requestID, approved, reason)
}

// ActiveTasks lists a client's live tasks.
func (o *Orchestrator) ActiveTasks(clientID string) []*models.ActiveTask {
	return o.tasks.ActiveTasks(clientID)
}

// Statistics aggregates counters across components.
func (o *Orchestrator) Statistics() Statistics {
	return Statistics{
		Tasks:         o.tasks.Statistics(),
		Permissions:   o.gate.Statistics(),
		Bus:           o.bus.Stats(),
		RoutingCache:  o.classifier.CacheSize(),
		OverallHealth: o.recovery.OverallHealth(),
	}
}

// Shutdown drains background work, stops the timers, flushes the audit
// sweeper, and finally closes the event bus.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.logger.Info("orchestrator shutting down")
	if o.rootCancel == nil {
		return nil
	}
	o.rootCancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out waiting for background tasks: %w", ctx.Err())
	}
	<-o.suggestionsDone

	o.tasks.Shutdown()
	o.classifier.Stop()
	o.audit.Stop()
	o.bus.Shutdown()
	return err
}

func (o *Orchestrator) lockClient(clientID string) func() {
	o.clientMu.Lock()
	lock, ok := o.clientLocks[clientID]
	if !ok {
		lock = &sync.Mutex{}
		o.clientLocks[clientID] = lock
	}
	o.clientMu.Unlock()
	lock.Lock()

	var once sync.Once
	return func() { once.Do(lock.Unlock) }
}

func (o *Orchestrator) publishResponse(clientID, text string, extra map[string]any) {
	payload := map[string]any{
		"client_id": clientID,
		"text":      text,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := o.bus.Publish(models.Event{
		Type:     models.EventResponseGenerated,
		Priority: models.PriorityHigh,
		Source:   "orchestrator",
		Payload:  payload,
	}); err != nil {
		o.logger.Error("failed to publish response", "client_id", clientID, "error", err)
		o.recovery.RecordFailure("bus", err)
	}
}

// record writes one audit entry. Failures are counted against the audit
// component so the health machinery sees a dying store.
func (o *Orchestrator) record(ctx context.Context, clientID string, kind models.AuditEventType,
	correlationID string, data map[string]any) error {
	if _, err := o.audit.Record(ctx, clientID, kind, data, audit.WithCorrelation(correlationID)); err != nil {
		o.logger.Error("failed to record audit entry", "error", err)
		o.recovery.RecordFailure("audit", err)
		return err
	}
	return nil
}

func resultError(r *models.ToolResult) string {
	if r == nil {
		return "tool returned no result"
	}
	if r.Error != "" {
		return r.Error
	}
	return "tool reported failure"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

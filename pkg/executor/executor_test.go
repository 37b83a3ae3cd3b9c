package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-run/aide/pkg/audit"
	"github.com/aide-run/aide/pkg/bus"
	"github.com/aide-run/aide/pkg/config"
	"github.com/aide-run/aide/pkg/models"
	"github.com/aide-run/aide/pkg/oracle"
	"github.com/aide-run/aide/pkg/permission"
	"github.com/aide-run/aide/pkg/registry"
)

// funcTool adapts a function into a Tool for tests.
type funcTool struct {
	name     string
	category string
	fn       func(ctx context.Context, params map[string]any, execCtx *models.ExecutionContext) (*models.ToolResult, error)
}

func (t *funcTool) Name() string                       { return t.name }
func (t *funcTool) Category() string                   { return t.category }
func (t *funcTool) Description() string                { return t.name + " tool" }
func (t *funcTool) Parameters() []models.ToolParameter { return nil }
func (t *funcTool) Capabilities() []string             { return []string{models.CapabilityReadOnly} }
func (t *funcTool) Execute(ctx context.Context, params map[string]any, execCtx *models.ExecutionContext) (*models.ToolResult, error) {
	return t.fn(ctx, params, execCtx)
}

type fixture struct {
	executor *Executor
	registry *registry.Registry
	gate     *permission.Gate
	bus      *bus.Bus
	store    *audit.MemoryStore
}

func newFixture(t *testing.T, o oracle.Oracle, permTimeout time.Duration) *fixture {
	t.Helper()
	logger := slog.Default()
	eventBus := bus.New(64, nil)
	t.Cleanup(eventBus.Shutdown)

	store := audit.NewMemoryStore()
	auditLog := audit.NewLog(store, &config.AuditConfig{RetentionDays: 30, CleanupInterval: time.Hour}, nil, nil)
	gate := permission.NewGate(eventBus, auditLog, &config.PermissionConfig{Timeout: permTimeout}, nil, nil, logger)
	reg := registry.New()

	if o == nil {
		o = &oracle.ScriptOracle{}
	}
	cfg := &config.ExecutorConfig{MaxRetries: 2, StepTimeout: time.Second, BackoffBase: time.Millisecond}
	return &fixture{
		executor: New(reg, gate, o, eventBus, auditLog, cfg, nil, nil, logger),
		registry: reg,
		gate:     gate,
		bus:      eventBus,
		store:    store,
	}
}

func okTool(name string, data map[string]any) *funcTool {
	return &funcTool{name: name, category: "information",
		fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
			return &models.ToolResult{Success: true, Data: data}, nil
		}}
}

func plan(id string, steps ...models.ExecutionStep) *models.ExecutionPlan {
	return &models.ExecutionPlan{ID: id, Query: "test query", Steps: steps}
}

func TestExecutor_ParallelSteps(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := func(name string) *funcTool {
		return &funcTool{name: name, category: "information",
			fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return &models.ToolResult{Success: true, Data: map[string]any{"summary": name + " done"}}, nil
			}}
	}

	synthesized := "Weather is sunny and here are your headlines."
	o := &oracle.ScriptOracle{
		SynthesizeFunc: func(_ context.Context, req oracle.SynthesisRequest) (string, error) {
			require.Len(t, req.Successes, 2)
			return synthesized, nil
		},
	}
	f := newFixture(t, o, time.Minute)
	require.NoError(t, f.registry.Register(slow("weather")))
	require.NoError(t, f.registry.Register(slow("news")))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-parallel",
			models.ExecutionStep{ID: "step_1", ToolName: "weather", Description: "Get the weather", Parallelizable: true},
			models.ExecutionStep{ID: "step_2", ToolName: "news", Description: "Get headlines", Parallelizable: true},
		),
		ClientID: "client-a",
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, synthesized, result.FinalAnswer)
	assert.ElementsMatch(t, []string{"weather", "news"}, result.ToolsUsed)
	assert.Equal(t, int32(2), peak.Load(), "parallelizable steps must overlap")
}

func TestExecutor_DependencyOrderAndResultVisibility(t *testing.T) {
	var sawPrevious atomic.Bool
	first := okTool("fetch", map[string]any{"answer": "42"})
	second := &funcTool{name: "report", category: "information",
		fn: func(_ context.Context, _ map[string]any, execCtx *models.ExecutionContext) (*models.ToolResult, error) {
			prev, ok := execCtx.PreviousStepResults["step_1"]
			sawPrevious.Store(ok && prev.Success)
			return &models.ToolResult{Success: true, Data: map[string]any{"summary": "reported"}}, nil
		}}

	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(first))
	require.NoError(t, f.registry.Register(second))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-deps",
			models.ExecutionStep{ID: "step_1", ToolName: "fetch", Parallelizable: true},
			models.ExecutionStep{ID: "step_2", ToolName: "report", DependsOn: []string{"step_1"}, Parallelizable: true},
		),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, sawPrevious.Load(), "dependent step must see the producer's result")
}

func TestExecutor_RetryThenSucceed(t *testing.T) {
	var attempts atomic.Int32
	flaky := &funcTool{name: "flaky", category: "information",
		fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return &models.ToolResult{Success: true, Data: map[string]any{"summary": "finally"}}, nil
		}}

	f := newFixture(t, nil, time.Minute)
	f.executor.cfg.BackoffBase = 10 * time.Millisecond
	require.NoError(t, f.registry.Register(flaky))

	started := time.Now()
	result, err := f.executor.Execute(context.Background(), Request{
		Plan:     plan("plan-retry", models.ExecutionStep{ID: "step_1", ToolName: "flaky"}),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), attempts.Load())

	// The Nth retry waits 2^N × base: 20ms before the second attempt,
	// 40ms before the third.
	assert.GreaterOrEqual(t, time.Since(started), 60*time.Millisecond)
}

func TestExecutor_PartialFailureStillSucceeds(t *testing.T) {
	broken := &funcTool{name: "broken", category: "information",
		fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
			return nil, errors.New("always down")
		}}

	o := &oracle.ScriptOracle{
		SynthesizeFunc: func(_ context.Context, req oracle.SynthesisRequest) (string, error) {
			require.Len(t, req.Failures, 1)
			assert.Contains(t, req.Failures[0], "Check the backup feed",
				"user-visible failures carry the step description, not its id")
			return "partial answer", nil
		},
	}
	f := newFixture(t, o, time.Minute)
	require.NoError(t, f.registry.Register(okTool("weather", map[string]any{"summary": "sunny"})))
	require.NoError(t, f.registry.Register(broken))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-partial",
			models.ExecutionStep{ID: "step_1", ToolName: "weather", Description: "Get the weather", Parallelizable: true},
			models.ExecutionStep{ID: "step_2", ToolName: "broken", Description: "Check the backup feed", Parallelizable: true},
		),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Success, "one success is enough for a Completed outcome")
	assert.Equal(t, []string{"weather"}, result.ToolsUsed)
}

func TestExecutor_AllStepsFailed(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(&funcTool{name: "broken", category: "information",
		fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
			return &models.ToolResult{Success: false, Error: "nope"}, nil
		}}))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan:     plan("plan-fail", models.ExecutionStep{ID: "step_1", ToolName: "broken", Description: "Try the thing"}),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.FinalAnswer, "Try the thing")
	assert.NotContains(t, result.FinalAnswer, "step_1")

	failed, err := f.store.Count(context.Background(),
		models.AuditCriteria{EventType: models.AuditExecutionFailed})
	require.NoError(t, err)
	assert.Equal(t, 1, failed)
}

func TestExecutor_MissingTool(t *testing.T) {
	f := newFixture(t, nil, time.Minute)

	result, err := f.executor.Execute(context.Background(), Request{
		Plan:     plan("plan-missing", models.ExecutionStep{ID: "step_1", ToolName: "ghost"}),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestExecutor_PermissionDenialDoesNotAbortPeers(t *testing.T) {
	f := newFixture(t, nil, 20*time.Millisecond) // gate times out, denying
	require.NoError(t, f.registry.Register(okTool("weather", map[string]any{"summary": "sunny"})))
	require.NoError(t, f.registry.Register(okTool("smart_home", map[string]any{"summary": "lights off"})))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-denied",
			models.ExecutionStep{ID: "step_1", ToolName: "weather", Description: "Get the weather", Parallelizable: true},
			models.ExecutionStep{ID: "step_2", ToolName: "smart_home", Description: "Turn off the lights",
				RequiresPermission: true, Parallelizable: true},
		),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{"weather"}, result.ToolsUsed)
}

func TestExecutor_PermissionApprovalRuns(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(okTool("smart_home", map[string]any{"summary": "done"})))

	go func() {
		for i := 0; i < 200; i++ {
			if pending := f.gate.Outstanding(); len(pending) == 1 {
				f.gate.Respond(pending[0].ID, true, "go ahead")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-approved",
			models.ExecutionStep{ID: "step_1", ToolName: "smart_home", RequiresPermission: true}),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutor_CancelDuringPermissionWait(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(okTool("smart_home", map[string]any{"summary": "done"})))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 200; i++ {
			if len(f.gate.Outstanding()) == 1 {
				cancel()
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	result, err := f.executor.Execute(ctx, Request{
		Plan: plan("plan-perm-cancel",
			models.ExecutionStep{ID: "step_1", ToolName: "smart_home", RequiresPermission: true}),
		ClientID: "client-a",
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Empty(t, result.StepResults, "an aborted wait is a cancellation, not a denial")

	// No failed-tool trail: the step never ran and was not denied.
	executed, auditErr := f.store.Count(context.Background(),
		models.AuditCriteria{EventType: models.AuditToolExecuted})
	require.NoError(t, auditErr)
	assert.Equal(t, 0, executed)
}

func TestExecutor_Cancellation(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(&funcTool{name: "slow", category: "information",
		fn: func(ctx context.Context, _ map[string]any, _ *models.ExecutionContext) (*models.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	result, err := f.executor.Execute(ctx, Request{
		Plan:     plan("plan-cancel", models.ExecutionStep{ID: "step_1", ToolName: "slow"}),
		ClientID: "client-a",
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.False(t, result.Success)
}

func TestExecutor_StepTimeout(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	f.executor.cfg.StepTimeout = 20 * time.Millisecond
	f.executor.cfg.MaxRetries = 0
	require.NoError(t, f.registry.Register(&funcTool{name: "sleepy", category: "information",
		fn: func(ctx context.Context, _ map[string]any, _ *models.ExecutionContext) (*models.ToolResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}))

	result, err := f.executor.Execute(context.Background(), Request{
		Plan:     plan("plan-timeout", models.ExecutionStep{ID: "step_1", ToolName: "sleepy"}),
		ClientID: "client-a",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
}

func TestExecutor_StructurallyInvalidPlanRejected(t *testing.T) {
	f := newFixture(t, nil, time.Minute)

	_, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-cycle",
			models.ExecutionStep{ID: "a", ToolName: "x", DependsOn: []string{"b"}},
			models.ExecutionStep{ID: "b", ToolName: "x", DependsOn: []string{"a"}},
		),
		ClientID: "client-a",
	})
	var structErr *models.PlanStructureError
	require.ErrorAs(t, err, &structErr)
}

func TestExecutor_SamePlanCannotOverlap(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(&funcTool{name: "gated", category: "information",
		fn: func(ctx context.Context, _ map[string]any, _ *models.ExecutionContext) (*models.ToolResult, error) {
			<-release
			return &models.ToolResult{Success: true}, nil
		}}))

	p := plan("plan-unique", models.ExecutionStep{ID: "step_1", ToolName: "gated"})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.executor.Execute(context.Background(), Request{Plan: p, ClientID: "client-a"})
		assert.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		_, live := f.executor.Execution("plan-unique")
		return live
	}, time.Second, 5*time.Millisecond)

	_, err := f.executor.Execute(context.Background(), Request{Plan: p, ClientID: "client-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already executing")

	close(release)
	<-done
}

type scriptedReviser struct {
	fn func(plan *models.ExecutionPlan, msg string, completed []string) *models.ExecutionPlan
}

func (r *scriptedReviser) Revise(_ context.Context, plan *models.ExecutionPlan,
	msg string, completed []string) *models.ExecutionPlan {
	return r.fn(plan, msg, completed)
}

func TestExecutor_RevisionSwapsResidualGraph(t *testing.T) {
	var executed []string
	var mu sync.Mutex
	track := func(name string) *funcTool {
		return &funcTool{name: name, category: "information",
			fn: func(context.Context, map[string]any, *models.ExecutionContext) (*models.ToolResult, error) {
				mu.Lock()
				executed = append(executed, name)
				mu.Unlock()
				return &models.ToolResult{Success: true, Data: map[string]any{"summary": name}}, nil
			}}
	}

	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(track("research")))
	require.NoError(t, f.registry.Register(track("general")))
	require.NoError(t, f.registry.Register(track("ev_focus")))

	updates := []models.ContextUpdate{{ID: "u1", Message: "focus on electric vehicles"}}
	drained := false
	drain := func() []models.ContextUpdate {
		if drained {
			return nil
		}
		drained = true
		return updates
	}

	reviser := &scriptedReviser{fn: func(p *models.ExecutionPlan, msg string, completed []string) *models.ExecutionPlan {
		assert.Equal(t, "focus on electric vehicles", msg)
		assert.Equal(t, []string{"step_1"}, completed)
		return &models.ExecutionPlan{
			ID:    "plan-revised",
			Query: p.Query + " (revised: " + msg + ")",
			Steps: []models.ExecutionStep{
				{ID: "rev_1", ToolName: "ev_focus", Description: "Research electric vehicles"},
			},
		}
	}}

	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-revise",
			models.ExecutionStep{ID: "step_1", ToolName: "research", Description: "Initial research"},
			models.ExecutionStep{ID: "step_2", ToolName: "general", Description: "Broad survey",
				DependsOn: []string{"step_1"}},
		),
		ClientID:     "client-a",
		Reviser:      reviser,
		DrainUpdates: drain,
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"research", "ev_focus"}, executed,
		"the original second step is replaced by the revised graph")
}

func TestExecutor_RevisionCancelVerdict(t *testing.T) {
	f := newFixture(t, nil, time.Minute)
	require.NoError(t, f.registry.Register(okTool("research", nil)))
	require.NoError(t, f.registry.Register(okTool("general", nil)))

	drained := false
	result, err := f.executor.Execute(context.Background(), Request{
		Plan: plan("plan-revise-cancel",
			models.ExecutionStep{ID: "step_1", ToolName: "research"},
			models.ExecutionStep{ID: "step_2", ToolName: "general", DependsOn: []string{"step_1"}},
		),
		ClientID: "client-a",
		Reviser: &scriptedReviser{fn: func(*models.ExecutionPlan, string, []string) *models.ExecutionPlan {
			return nil
		}},
		DrainUpdates: func() []models.ContextUpdate {
			if drained {
				return nil
			}
			drained = true
			return []models.ContextUpdate{{ID: "u1", Message: "never mind"}}
		},
	})
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
}

func TestExecutor_ProgressEvents(t *testing.T) {
	var mu sync.Mutex
	var events []models.Event
	f := newFixture(t, nil, time.Minute)
	f.bus.Subscribe([]models.EventType{models.EventProgressUpdate},
		bus.NewFuncSubscriber("progress-collector", 0, func(e models.Event) error {
			mu.Lock()
			defer mu.Unlock()
			events = append(events, e)
			return nil
		}))
	require.NoError(t, f.registry.Register(okTool("weather", nil)))

	_, err := f.executor.Execute(context.Background(), Request{
		Plan:     plan("plan-progress", models.ExecutionStep{ID: "step_1", ToolName: "weather", Description: "Get the weather"}),
		ClientID: "client-a",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0.0, events[0].Payload["percent"])
	assert.Equal(t, 1.0, events[len(events)-1].Payload["percent"])
	steps := events[0].Payload["steps"].([]map[string]any)
	require.Len(t, steps, 1)
	assert.Equal(t, "Get the weather", steps[0]["description"])
}

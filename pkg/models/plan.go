package models

import (
	"time"
)

// ExecutionStep is one node of a plan DAG: a single tool call with its
// parameters and the step ids it depends on.
type ExecutionStep struct {
	ID                 string         `json:"id"`
	ToolName           string         `json:"tool_name"`
	Description        string         `json:"description,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	RequiresPermission bool           `json:"requires_permission"`
	Parallelizable     bool           `json:"parallelizable"`
	EstimatedDuration  time.Duration  `json:"estimated_duration,omitempty"`
}

// ExecutionPlan is the immutable output of the planner. Revisions always
// yield a new plan; a plan is never mutated after creation.
type ExecutionPlan struct {
	ID                     string          `json:"id"`
	Query                  string          `json:"query"`
	Steps                  []ExecutionStep `json:"steps"`
	RequiresUserPermission bool            `json:"requires_user_permission"`
	EstimatedTotalDuration time.Duration   `json:"estimated_total_duration"`
	CreatedAt              time.Time       `json:"created_at"`
}

// Step returns the step with the given id, or nil.
func (p *ExecutionPlan) Step(id string) *ExecutionStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// Validate checks the structural invariants of the plan: step ids are unique,
// dependencies resolve within the plan, and the dependency relation is
// acyclic. Violations are reported as *PlanStructureError.
func (p *ExecutionPlan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &PlanStructureError{PlanID: p.ID, Reason: "step with empty id"}
		}
		if seen[s.ID] {
			return &PlanStructureError{PlanID: p.ID, Reason: "duplicate step id " + s.ID}
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &PlanStructureError{PlanID: p.ID, Reason: "step " + s.ID + " depends on unknown step " + dep}
			}
			if dep == s.ID {
				return &PlanStructureError{PlanID: p.ID, Reason: "step " + s.ID + " depends on itself"}
			}
		}
	}
	if cyclic(p.Steps) {
		return &PlanStructureError{PlanID: p.ID, Reason: "dependency cycle"}
	}
	return nil
}

// cyclic detects a cycle in the dependency relation via iterative DFS
// with three-color marking.
func cyclic(steps []ExecutionStep) bool {
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.ID] == white && visit(s.ID) {
			return true
		}
	}
	return false
}

// CriticalPathDepth returns the length of the longest dependency chain,
// counted in edges. A plan of independent steps has depth 0.
func (p *ExecutionPlan) CriticalPathDepth() int {
	memo := make(map[string]int, len(p.Steps))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		step := p.Step(id)
		if step == nil {
			return 0
		}
		max := 0
		for _, dep := range step.DependsOn {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}

	max := 0
	for _, s := range p.Steps {
		if d := depth(s.ID); d > max {
			max = d
		}
	}
	return max
}

// StepStatus is the lifecycle state of one step's runtime record.
type StepStatus string

const (
	StepStatusPending            StepStatus = "pending"
	StepStatusAwaitingPermission StepStatus = "awaiting_permission"
	StepStatusRunning            StepStatus = "running"
	StepStatusCompleted          StepStatus = "completed"
	StepStatusFailed             StepStatus = "failed"
	StepStatusCancelled          StepStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusCancelled
}

// StepExecution is the runtime record for one step.
type StepExecution struct {
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	RetryCount  int         `json:"retry_count"`
	Result      *ToolResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// PlanStatus is the overall status of a plan execution.
type PlanStatus string

const (
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
	PlanStatusCancelled PlanStatus = "cancelled"
)

// PlanExecution is the runtime record for a whole plan.
type PlanExecution struct {
	PlanID      string                    `json:"plan_id"`
	ClientID    string                    `json:"client_id"`
	Status      PlanStatus                `json:"status"`
	Steps       map[string]*StepExecution `json:"steps"`
	Results     map[string]*ToolResult    `json:"results"`
	StartedAt   time.Time                 `json:"started_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	Updates     []string                  `json:"updates,omitempty"`
}

// ExecutionResult is returned by the executor once a plan finishes.
type ExecutionResult struct {
	Success     bool
	FinalAnswer string
	StepResults map[string]*ToolResult
	Duration    time.Duration
	ToolsUsed   []string
}

package models

import "time"

// TaskState is the lifecycle state of an ActiveTask.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStateActive    TaskState = "active"
	TaskStatePaused    TaskState = "paused"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// ActiveTask is the per-client unit of concurrency. A task may own a plan
// and its execution handle.
type ActiveTask struct {
	ID             string          `json:"id"`
	ClientID       string          `json:"client_id"`
	Query          string          `json:"query"`
	State          TaskState       `json:"state"`
	PlanID         string          `json:"plan_id,omitempty"`
	Result         string          `json:"result,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	ContextUpdates []ContextUpdate `json:"context_updates,omitempty"`
}

// ContextImpact records how a processed context update affected its task.
type ContextImpact string

const (
	ContextImpactPlanModified  ContextImpact = "plan_modified"
	ContextImpactNoChange      ContextImpact = "no_change"
	ContextImpactTaskCancelled ContextImpact = "task_cancelled"
)

// ContextUpdate is a user message addressed to an in-flight task. Updates are
// appended while the task is Active or Paused and drained by the executor
// between step batches.
type ContextUpdate struct {
	ID         string        `json:"id"`
	TaskID     string        `json:"task_id"`
	Message    string        `json:"message"`
	ReceivedAt time.Time     `json:"received_at"`
	Processed  bool          `json:"processed"`
	Impact     ContextImpact `json:"impact,omitempty"`
}

// PermissionLevel controls how a side-effecting step is authorized.
type PermissionLevel string

const (
	PermissionAutoApprove         PermissionLevel = "auto_approve"
	PermissionRequireConfirmation PermissionLevel = "require_confirmation"
	PermissionAdminOnly           PermissionLevel = "admin_only"
)

// PermissionRequest is a pending authorization awaiting a user decision.
type PermissionRequest struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	StepID      string          `json:"step_id"`
	ToolName    string          `json:"tool_name"`
	Description string          `json:"description"`
	Parameters  map[string]any  `json:"parameters,omitempty"`
	Level       PermissionLevel `json:"level"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// PermissionResponse resolves a PermissionRequest. Each request is answered
// exactly once: approval, denial, or expiry-denial.
type PermissionResponse struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

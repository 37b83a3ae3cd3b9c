package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusShutDown is returned by bus publishes after shutdown. Infrastructure
// fatal: surfaced to the caller and recorded with the recovery manager.
var ErrBusShutDown = errors.New("event bus is shut down")

// ToolUnavailableError means a step's tool did not resolve in the registry.
// Step-local: the step fails, peer steps continue.
type ToolUnavailableError struct {
	ToolName string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// PermissionDeniedError means the user (or a timeout) declined a
// permission-gated step. Step-local.
type PermissionDeniedError struct {
	StepID   string
	ToolName string
	Reason   string
}

func (e *PermissionDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("permission denied for step %s (%s)", e.StepID, e.ToolName)
	}
	return fmt.Sprintf("permission denied for step %s (%s): %s", e.StepID, e.ToolName, e.Reason)
}

// StepTimeoutError means a step exceeded its per-step deadline.
// Step-local and retriable.
type StepTimeoutError struct {
	StepID  string
	Timeout time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s timed out after %v", e.StepID, e.Timeout)
}

// ToolExecutionError wraps a tool invocation failure. Step-local and
// retriable.
type ToolExecutionError struct {
	StepID   string
	ToolName string
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed on step %s: %v", e.ToolName, e.StepID, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// PlanParseError means the oracle's planning output could not be parsed.
// Task-terminal: the task fails.
type PlanParseError struct {
	Err error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("failed to parse plan: %v", e.Err)
}

func (e *PlanParseError) Unwrap() error { return e.Err }

// PlanStructureError means a plan violates its structural invariants
// (cycles, dangling dependencies). Task-terminal.
type PlanStructureError struct {
	PlanID string
	Reason string
}

func (e *PlanStructureError) Error() string {
	return fmt.Sprintf("plan %s is structurally invalid: %s", e.PlanID, e.Reason)
}

// OracleError wraps a language oracle transport or provider failure. During
// planning it is task-terminal; during synthesis and classification callers
// fall back.
type OracleError struct {
	Op  string // "classify", "plan", "synthesize", "stream"
	Err error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("oracle %s failed: %v", e.Op, e.Err)
}

func (e *OracleError) Unwrap() error { return e.Err }

// TooManyTasksError means a client hit its concurrent-task admission limit.
// Surfaced to the caller; no task is created.
type TooManyTasksError struct {
	ClientID string
	Limit    int
}

func (e *TooManyTasksError) Error() string {
	return fmt.Sprintf("client %s already has %d active tasks", e.ClientID, e.Limit)
}

// AuditError wraps an audit store I/O failure. Infrastructure-fatal: surfaced
// to the caller and recorded with the recovery manager.
type AuditError struct {
	Op  string
	Err error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("audit %s failed: %v", e.Op, e.Err)
}

func (e *AuditError) Unwrap() error { return e.Err }

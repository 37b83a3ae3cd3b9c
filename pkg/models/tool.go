// Package models holds the shared data contracts of the agent runtime:
// the tool port, execution plans and their runtime records, tasks,
// permission records, audit entries, bus events, and the error taxonomy.
package models

import (
	"context"
	"encoding/json"
)

// Tool capability tags. A tool carries at least one of these; the planner
// consults them when deciding whether a step needs the permission gate and
// the plan oracle left it unspecified.
const (
	CapabilityReadOnly      = "read_only"
	CapabilityStateChanging = "state_changing"
)

// CategoryMemory marks memory tools. Steps invoking memory tools are always
// auto-approved regardless of what the planning oracle answered.
const CategoryMemory = "memory"

// ToolParameter describes one parameter of a tool's schema.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool is the uniform capability port exposed by plugins. Names are globally
// unique, set at registration, and immutable thereafter.
type Tool interface {
	Name() string
	Category() string
	Description() string
	Parameters() []ToolParameter
	Capabilities() []string

	// Execute runs the tool with the given parameter map. The runtime treats
	// the result data as opaque apart from the rendering keys (see Render).
	Execute(ctx context.Context, params map[string]any, execCtx *ExecutionContext) (*ToolResult, error)
}

// ExecutionContext carries per-invocation state into a tool call.
type ExecutionContext struct {
	ClientID            string
	ConversationHistory []ConversationMessage

	// PreviousStepResults maps completed step ids to their results, visible
	// only after the producing step's Completed transition.
	PreviousStepResults map[string]*ToolResult
}

// ConversationMessage is one turn of client conversation history.
type ConversationMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// renderKeys is the documented precedence order for extracting a
// human-readable rendering from a tool result.
var renderKeys = []string{"formatted", "answer", "summary", "message", "content"}

// Render extracts the human-readable form of the result data using the
// conventional rendering keys, falling back to a JSON dump.
func (r *ToolResult) Render() string {
	if r == nil {
		return ""
	}
	if !r.Success && r.Error != "" {
		return r.Error
	}
	for _, key := range renderKeys {
		if v, ok := r.Data[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	dump, err := json.Marshal(r.Data)
	if err != nil {
		return ""
	}
	return string(dump)
}

// HasCapability reports whether the capability set contains the given tag.
func HasCapability(capabilities []string, tag string) bool {
	for _, c := range capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

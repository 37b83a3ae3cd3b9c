package models

import "time"

// EventType is the stable type tag of a bus event.
type EventType string

// Bus event types visible to external subscribers.
const (
	EventResponseGenerated    EventType = "response.generated"
	EventResponseChunk        EventType = "response.chunk"
	EventPermissionRequest    EventType = "permission.request"
	EventProgressUpdate       EventType = "progress.update"
	EventTaskStateChanged     EventType = "task.state_changed"
	EventTaskCompleted        EventType = "task.completed"
	EventContextUpdate        EventType = "context.update"
	EventSuggestionsGenerated EventType = "suggestions.generated"
)

// EventPriority orders subscriber dispatch within one delivery; it carries no
// cross-publisher ordering guarantee.
type EventPriority int

const (
	PriorityLow EventPriority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// String returns the lowercase name of the priority.
func (p EventPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// Event is the bus payload. FIFO within a single publisher, unordered across
// publishers.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Priority  EventPriority  `json:"priority"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ComponentStatus is the health classification of one component.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
	StatusCritical  ComponentStatus = "critical"
)

// severity ranks statuses for worst-of aggregation.
func (s ComponentStatus) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnhealthy:
		return 2
	case StatusCritical:
		return 3
	default:
		return 0
	}
}

// Worse returns the more severe of the two statuses.
func (s ComponentStatus) Worse(other ComponentStatus) ComponentStatus {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// RecoveryStrategy is the action the recovery manager selects for a failing
// component.
type RecoveryStrategy string

const (
	RecoveryRetry    RecoveryStrategy = "retry"
	RecoveryFallback RecoveryStrategy = "fallback"
	RecoverySkip     RecoveryStrategy = "skip"
	RecoveryRestart  RecoveryStrategy = "restart"
	RecoveryDegrade  RecoveryStrategy = "degrade"
	RecoveryManual   RecoveryStrategy = "manual"
)

// ComponentHealth is the per-component counter cell maintained by the
// recovery manager. RecentErrors is a bounded ring of at most 10 entries.
type ComponentHealth struct {
	Component           string           `json:"component"`
	Status              ComponentStatus  `json:"status"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastCheck           time.Time        `json:"last_check"`
	LastSuccess         time.Time        `json:"last_success"`
	DegradedMode        bool             `json:"degraded_mode"`
	RecentErrors        []string         `json:"recent_errors,omitempty"`
	ActiveRecovery      RecoveryStrategy `json:"active_recovery,omitempty"`
}

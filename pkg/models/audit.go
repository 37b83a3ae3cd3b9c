package models

import "time"

// AuditEventType enumerates the recordable audit event kinds.
type AuditEventType string

const (
	AuditQueryReceived       AuditEventType = "query_received"
	AuditPlanCreated         AuditEventType = "plan_created"
	AuditToolExecuted        AuditEventType = "tool_executed"
	AuditPermissionRequested AuditEventType = "permission_requested"
	AuditPermissionGranted   AuditEventType = "permission_granted"
	AuditPermissionDenied    AuditEventType = "permission_denied"
	AuditContextShared       AuditEventType = "context_shared"
	AuditExecutionStarted    AuditEventType = "execution_started"
	AuditExecutionCompleted  AuditEventType = "execution_completed"
	AuditExecutionFailed     AuditEventType = "execution_failed"
	AuditPluginRegistered    AuditEventType = "plugin_registered"
	AuditPluginFailed        AuditEventType = "plugin_failed"
)

// AuditEntry is an immutable persistent record of one audited event.
// CorrelationID links all entries produced by one query.
type AuditEntry struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	ClientID      string         `json:"client_id"`
	UserID        string         `json:"user_id,omitempty"`
	EventType     AuditEventType `json:"event_type"`
	Data          map[string]any `json:"data,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// AuditCriteria filters audit queries. Zero values mean "no filter".
type AuditCriteria struct {
	ClientID      string
	EventType     AuditEventType
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
}

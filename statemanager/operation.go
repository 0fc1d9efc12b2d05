package statemanager

import "time"

// Operation kinds tracked on a running node.
const (
	OpFlush       = "flush"
	OpPublish     = "publish"
	OpConsume     = "consume"
	OpPerspective = "perspective"
)

// OperationState represents one tracked coordination operation.
type OperationState struct {
	ID          string                 `json:"id"`
	ServiceName string                 `json:"service_name"`
	Operation   string                 `json:"operation"` // e.g. "flush", "publish", "perspective"
	Status      Status                 `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Duration    string                 `json:"duration,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"` // operation-specific counters
}

// Status represents the state of an operation
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// OperationStats provides aggregated statistics
type OperationStats struct {
	TotalOperations int            `json:"total_operations"`
	ByStatus        map[Status]int `json:"by_status"`
	ByOperation     map[string]int `json:"by_operation"`
	AverageDuration string         `json:"average_duration,omitempty"`
}

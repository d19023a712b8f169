package models

import "time"

// Connector dispatch modes.
const (
	ModeHTTP = "http"
	ModeMCP  = "mcp"
)

// ConnectorSyncState status values. The orchestrator moves idle -> running -> success|failure.
const (
	SyncIdle    = "idle"
	SyncRunning = "running"
	SyncSuccess = "success"
	SyncFailure = "failure"
)

// ConnectorError status values.
const (
	ErrorOpen     = "open"
	ErrorResolved = "resolved"
)

// ErrorKindSyncFailed is the kind registered when a sync raises.
const ErrorKindSyncFailed = "sync_failed"

// Cursor is the resumption bookmark of a connector.
type Cursor struct {
	TS         *time.Time `json:"cursor_ts,omitempty"`
	ID         *string    `json:"cursor_id,omitempty"`
	PageCursor *string    `json:"page_cursor,omitempty"`
}

// ConnectorSyncState is one row per (scope, connector).
type ConnectorSyncState struct {
	Scope         Scope          `json:"scope"`
	Connector     string         `json:"connector"`
	Mode          string         `json:"mode"`
	Status        string         `json:"status"`
	Cursor        Cursor         `json:"cursor"`
	LastSuccessAt *time.Time     `json:"last_success_at,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	RetryCount    int            `json:"retry_count"`
	LastError     *string        `json:"last_error,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ConnectorError is a persisted sync failure with its own retry clock.
type ConnectorError struct {
	ID           string         `json:"id"`
	Scope        Scope          `json:"scope"`
	Connector    string         `json:"connector"`
	Mode         string         `json:"mode"`
	Operation    string         `json:"operation"`
	SourceRef    *string        `json:"source_ref,omitempty"`
	ErrorKind    string         `json:"error_kind"`
	ErrorMessage string         `json:"error_message"`
	Attempts     int            `json:"attempts"`
	NextRetryAt  time.Time      `json:"next_retry_at"`
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

package db

import "time"

// RawSignalRow mirrors the raw_signals table.
type RawSignalRow struct {
	SignalID   string    `json:"signal_id"`
	ProviderID string    `json:"provider_id"`
	SourceID   string    `json:"source_id"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// CommandRow mirrors the commands table. Payload holds the exact JSON
// that went (or will go) over the execution bridge.
type CommandRow struct {
	CommandID      string    `json:"command_id"`
	SignalID       string    `json:"signal_id"`
	Action         string    `json:"action"`
	Pair           string    `json:"pair"`
	LotSize        float64   `json:"lot_size"`
	StealthApplied bool      `json:"stealth_applied"`
	Payload        string    `json:"payload"`
	Status         string    `json:"status"`
	BackendRef     string    `json:"backend_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Command statuses persisted alongside the audit trail.
const (
	CommandStatusPending    = "PENDING"
	CommandStatusDispatched = "DISPATCHED"
	CommandStatusFilled     = "FILLED"
	CommandStatusFailed     = "FAILED"
	CommandStatusCancelled  = "CANCELLED"
)

// RetryEntryRow mirrors the retry_entries table.
type RetryEntryRow struct {
	CommandID     string    `json:"command_id"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	Status        string    `json:"status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Retry entry lifecycle states. Dead-lettered and cancelled rows are
// retained forever for operator review.
const (
	RetryStatusPending      = "PENDING"
	RetryStatusRetrying     = "RETRYING"
	RetryStatusSucceeded    = "SUCCEEDED"
	RetryStatusDeadLettered = "DEAD_LETTERED"
	RetryStatusCancelled    = "CANCELLED"
)

// AuditEventRow mirrors the audit_events table: one append-only record
// per stage transition.
type AuditEventRow struct {
	ID        int64     `json:"id"`
	SignalID  string    `json:"signal_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"timestamp"`
}

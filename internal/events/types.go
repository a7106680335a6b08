package events

import "time"

// Event enumerates the pipeline's high-level topics.
type Event string

const (
	EventSignalReceived    Event = "signal.received"
	EventSignalParsed      Event = "signal.parsed"
	EventSignalRejected    Event = "signal.rejected"
	EventRiskDecision      Event = "risk.decision"
	EventCommandDispatched Event = "command.dispatched"
	EventCommandFilled     Event = "command.filled"
	EventCommandRetried    Event = "command.retried"
	EventCommandDeadLetter Event = "command.dead_lettered"
	EventCommandCancelled  Event = "command.cancelled"
	EventAudit             Event = "audit"
)

// StageEvent is the stable, append-only record published for every stage
// transition. External monitoring consumes this shape.
type StageEvent struct {
	SignalID  string    `json:"signal_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

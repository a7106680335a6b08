package dispatch

import (
	"time"

	"signalos-core/internal/signal"
)

// ExecutionCommand is what crosses the boundary to the execution backend.
// OriginalValues stays private to this process: it is never serialized
// onto the bridge.
type ExecutionCommand struct {
	CommandID      string          `json:"command_id"`
	SignalID       string          `json:"signal_id"`
	ProviderID     string          `json:"provider_id,omitempty"`
	Action         signal.Action   `json:"action"`
	Pair           string          `json:"pair"`
	LotSize        float64         `json:"lot_size"`
	Entry          float64         `json:"entry"`
	StopLoss       float64         `json:"stop_loss"`
	TakeProfits    []float64       `json:"take_profits"`
	Comment        string          `json:"comment"`
	MagicNumber    int             `json:"magic_number"`
	TicketRef      string          `json:"ticket_ref,omitempty"`
	StealthApplied bool            `json:"stealth_applied"`
	IssuedAt       time.Time       `json:"issued_at"`
	OriginalValues *OriginalValues `json:"-"`
}

// OriginalValues preserves the true levels a stealth transform removed.
type OriginalValues struct {
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"`
	Comment     string    `json:"comment"`
	MagicNumber int       `json:"magic_number"`
	LotSize     float64   `json:"lot_size"`
}

// Status is the backend's answer to a dispatched command.
type Status string

const (
	StatusAck     Status = "ACK"
	StatusNack    Status = "NACK"
	StatusTimeout Status = "TIMEOUT"
)

// Result is the dispatch outcome handed back to the pipeline.
type Result struct {
	CommandID  string `json:"command_id"`
	Status     Status `json:"status"`
	BackendRef string `json:"backend_ref,omitempty"` // broker ticket
	Err        string `json:"error,omitempty"`
}

// Ack is the JSON acknowledgment shape owned by the backend integration.
type Ack struct {
	CommandID string `json:"command_id"`
	Status    string `json:"status"` // "ACK" or "NACK"
	Ticket    string `json:"ticket,omitempty"`
	Error     string `json:"error,omitempty"`
}

package dispatch

import (
	"context"
	"errors"
	"log"
	"time"
)

// Dispatcher hands approved commands to the execution backend and maps
// the outcome onto ACK/NACK/TIMEOUT. It never blocks past its timeout.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
}

// DefaultTimeout bounds the wait for a backend acknowledgment.
const DefaultTimeout = 30 * time.Second

// NewDispatcher wraps a backend with a bounded acknowledgment wait.
func NewDispatcher(backend Backend, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{backend: backend, timeout: timeout}
}

// Dispatch sends one command and waits for the backend's answer.
// TIMEOUT and NACK results are the retry queue's business, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd ExecutionCommand) Result {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ack, err := d.backend.Execute(ctx, cmd)
	if err != nil {
		status := StatusNack
		if errors.Is(err, context.DeadlineExceeded) {
			status = StatusTimeout
		}
		log.Printf("⚠️ dispatch %s for command %s: %v", status, shortID(cmd.CommandID), err)
		return Result{CommandID: cmd.CommandID, Status: status, Err: err.Error()}
	}

	switch ack.Status {
	case "ACK":
		log.Printf("✓ command %s acknowledged, ticket %s", shortID(cmd.CommandID), ack.Ticket)
		return Result{CommandID: cmd.CommandID, Status: StatusAck, BackendRef: ack.Ticket}
	default:
		log.Printf("⚠️ command %s rejected by backend: %s", shortID(cmd.CommandID), ack.Error)
		return Result{CommandID: cmd.CommandID, Status: StatusNack, Err: ack.Error}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

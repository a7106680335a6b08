package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
)

// DryRunBackend implements Backend without a trading terminal behind it.
// Every command is acknowledged immediately with a synthetic ticket, so
// the whole pipeline runs end to end while nothing reaches a broker.
type DryRunBackend struct {
	ticket atomic.Int64
}

// NewDryRunBackend creates a backend issuing synthetic DRY- tickets.
func NewDryRunBackend() *DryRunBackend {
	b := &DryRunBackend{}
	b.ticket.Store(900000)
	return b
}

// Execute acknowledges the command without executing anything.
func (b *DryRunBackend) Execute(_ context.Context, cmd ExecutionCommand) (Ack, error) {
	ticket := fmt.Sprintf("DRY-%d", b.ticket.Add(1))
	log.Printf("✓ dry run: %s %s %.2f lots acknowledged, ticket %s", cmd.Action, cmd.Pair, cmd.LotSize, ticket)
	return Ack{CommandID: cmd.CommandID, Status: "ACK", Ticket: ticket}, nil
}

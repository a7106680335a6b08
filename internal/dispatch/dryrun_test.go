package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestDryRunBackendAcksWithSyntheticTicket(t *testing.T) {
	backend := NewDryRunBackend()

	ack, err := backend.Execute(context.Background(), testCommand())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ack.Status != "ACK" || ack.CommandID != "cmd-1" {
		t.Fatalf("ack = %+v", ack)
	}
	if !strings.HasPrefix(ack.Ticket, "DRY-") {
		t.Fatalf("ticket = %q, want DRY- prefix", ack.Ticket)
	}

	second, _ := backend.Execute(context.Background(), testCommand())
	if second.Ticket == ack.Ticket {
		t.Fatalf("tickets not unique: %q", second.Ticket)
	}
}

func TestDryRunBackendThroughDispatcher(t *testing.T) {
	d := NewDispatcher(NewDryRunBackend(), time.Second)

	res := d.Dispatch(context.Background(), testCommand())
	if res.Status != StatusAck {
		t.Fatalf("status = %s (err %s)", res.Status, res.Err)
	}
	if !strings.HasPrefix(res.BackendRef, "DRY-") {
		t.Fatalf("backend ref = %q", res.BackendRef)
	}
}

package audit

import (
	"context"
	"log"
	"time"

	"signalos-core/internal/events"
	"signalos-core/pkg/db"
)

// Stage names recorded on the audit trail.
const (
	StageIngested   = "ingested"
	StageParsed     = "parsed"
	StageValidated  = "validated"
	StageRisk       = "risk"
	StageStealth    = "stealth"
	StageDispatched = "dispatched"
	StageRetry      = "retry"
	StageDeadLetter = "dead_letter"
	StageCancelled  = "cancelled"
	StageFilled     = "filled"
)

// Recorder appends one record per stage transition to the audit log and
// fans the same record out on the event bus for live consumers. Records
// are append-only; nothing here ever updates or deletes.
type Recorder struct {
	queries *db.Queries
	bus     *events.Bus
}

// NewRecorder creates a recorder. Either dependency may be nil in tests.
func NewRecorder(queries *db.Queries, bus *events.Bus) *Recorder {
	return &Recorder{queries: queries, bus: bus}
}

// Record writes one stage transition.
func (r *Recorder) Record(ctx context.Context, signalID, stage, status, detail string) {
	ev := events.StageEvent{
		SignalID:  signalID,
		Stage:     stage,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Detail:    detail,
	}

	if r.queries != nil {
		err := r.queries.InsertAuditEvent(ctx, db.AuditEventRow{
			SignalID: signalID,
			Stage:    stage,
			Status:   status,
			Detail:   detail,
		})
		if err != nil {
			// The pipeline must not stall on audit I/O.
			log.Printf("⚠️ audit write failed for %s/%s: %v", signalID, stage, err)
		}
	}

	if r.bus != nil {
		r.bus.Publish(events.EventAudit, ev)
	}
}

// Trail returns the ordered reason chain for a signal.
func (r *Recorder) Trail(ctx context.Context, signalID string) ([]db.AuditEventRow, error) {
	if r.queries == nil {
		return nil, nil
	}
	return r.queries.AuditTrail(ctx, signalID)
}

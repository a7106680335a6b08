package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"signalos-core/internal/audit"
	"signalos-core/internal/dispatch"
	"signalos-core/internal/events"
	"signalos-core/pkg/db"
)

// Config bounds the retry behavior.
type Config struct {
	BaseInterval time.Duration // backoff base (attempt 1)
	MaxInterval  time.Duration // backoff cap
	MaxAttempts  int           // total dispatch attempts before dead-letter
	PollInterval time.Duration // scheduler sweep period
	JitterFrac   float64       // ± fraction applied to each interval
}

// DefaultConfig matches the documented 5s/300s/3 policy.
func DefaultConfig() Config {
	return Config{
		BaseInterval: 5 * time.Second,
		MaxInterval:  300 * time.Second,
		MaxAttempts:  3,
		PollInterval: time.Second,
		JitterFrac:   0.2,
	}
}

// Dispatcher re-drives a command against the execution backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.ExecutionCommand) dispatch.Result
}

// Queue is the persisted retry state machine:
// PENDING -> RETRYING -> (SUCCEEDED | DEAD_LETTERED).
// Entries live in sqlite so the schedule survives process restarts, and
// dead-lettered entries are retained forever for operator review.
type Queue struct {
	cfg        Config
	queries    *db.Queries
	dispatcher Dispatcher
	recorder   *audit.Recorder
	bus        *events.Bus

	// rng is drawn from by workers and the scheduler sweep alike.
	rngMu sync.Mutex
	rng   *rand.Rand

	// Outcome hooks let the pipeline reconcile exposure reservations.
	OnSuccess    func(cmd dispatch.ExecutionCommand, backendRef string)
	OnDeadLetter func(cmd dispatch.ExecutionCommand, lastError string)

	now func() time.Time
}

// NewQueue creates a retry queue over the persisted entries.
func NewQueue(cfg Config, queries *db.Queries, dispatcher Dispatcher, recorder *audit.Recorder, bus *events.Bus) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Queue{
		cfg:        cfg,
		queries:    queries,
		dispatcher: dispatcher,
		recorder:   recorder,
		bus:        bus,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

// Backoff returns the wait after the given failed attempt (1-based):
// base * 2^(attempt-1), capped, with bounded jitter.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BaseInterval
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.MaxInterval {
			d = q.cfg.MaxInterval
			break
		}
	}
	if q.cfg.JitterFrac > 0 {
		q.rngMu.Lock()
		f := q.rng.Float64()
		q.rngMu.Unlock()
		j := 1 + (f*2-1)*q.cfg.JitterFrac
		d = time.Duration(float64(d) * j)
	}
	return d
}

// Fail records a first (or repeated) dispatch failure for a command that
// is not yet tracked, scheduling its first retry.
func (q *Queue) Fail(ctx context.Context, cmd dispatch.ExecutionCommand, lastError string) error {
	next := q.now().Add(q.Backoff(1))
	entry := db.RetryEntryRow{
		CommandID:     cmd.CommandID,
		AttemptCount:  1,
		NextAttemptAt: next,
		LastError:     lastError,
		Status:        db.RetryStatusPending,
	}
	if err := q.queries.UpsertRetryEntry(ctx, entry); err != nil {
		return err
	}
	q.record(ctx, cmd.SignalID, audit.StageRetry, "scheduled",
		fmt.Sprintf("attempt 1 failed (%s), retry at %s", lastError, next.UTC().Format(time.RFC3339)))
	q.publish(events.EventCommandRetried, cmd.SignalID)
	return nil
}

// Cancel atomically clears a pending entry so the command is never
// retried after cancellation. Returns true when an active entry was
// cleared.
func (q *Queue) Cancel(ctx context.Context, commandID string) (bool, error) {
	ok, err := q.queries.CancelRetryEntry(ctx, commandID)
	if err != nil || !ok {
		return ok, err
	}
	if cmd, cErr := q.loadCommand(ctx, commandID); cErr == nil {
		q.record(ctx, cmd.SignalID, audit.StageCancelled, "cancelled", "pending retry cleared")
		q.publish(events.EventCommandCancelled, cmd.SignalID)
	}
	return true, nil
}

// Start runs the background scheduler until the context is cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(q.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := q.Sweep(ctx); n > 0 {
					log.Printf("retry sweep processed %d entries", n)
				}
			}
		}
	}()
}

// Sweep processes every due entry once and returns how many it handled.
// Exposed so tests can drive the schedule directly.
func (q *Queue) Sweep(ctx context.Context) int {
	due, err := q.queries.DueRetryEntries(ctx, q.now(), 50)
	if err != nil {
		log.Printf("⚠️ retry due scan failed: %v", err)
		return 0
	}
	for _, entry := range due {
		q.attempt(ctx, entry)
	}
	return len(due)
}

// attempt re-dispatches one due entry and advances its state machine.
func (q *Queue) attempt(ctx context.Context, entry db.RetryEntryRow) {
	cmd, err := q.loadCommand(ctx, entry.CommandID)
	if err != nil {
		log.Printf("⚠️ retry: command %s unloadable, dead-lettering: %v", entry.CommandID, err)
		q.deadLetter(ctx, cmd, entry, fmt.Sprintf("command unloadable: %v", err))
		return
	}

	entry.Status = db.RetryStatusRetrying
	if err := q.queries.UpsertRetryEntry(ctx, entry); err != nil {
		log.Printf("⚠️ retry: mark RETRYING failed for %s: %v", entry.CommandID, err)
		return
	}

	res := q.dispatcher.Dispatch(ctx, cmd)
	if res.Status == dispatch.StatusAck {
		entry.Status = db.RetryStatusSucceeded
		entry.LastError = ""
		if err := q.queries.UpsertRetryEntry(ctx, entry); err != nil {
			log.Printf("⚠️ retry: mark SUCCEEDED failed for %s: %v", entry.CommandID, err)
		}
		q.record(ctx, cmd.SignalID, audit.StageRetry, "succeeded",
			fmt.Sprintf("attempt %d acknowledged, ticket %s", entry.AttemptCount+1, res.BackendRef))
		if q.OnSuccess != nil {
			q.OnSuccess(cmd, res.BackendRef)
		}
		return
	}

	attempts := entry.AttemptCount + 1
	entry.AttemptCount = attempts
	entry.LastError = res.Err
	if entry.LastError == "" {
		entry.LastError = string(res.Status)
	}

	if attempts >= q.cfg.MaxAttempts {
		q.deadLetter(ctx, cmd, entry, entry.LastError)
		return
	}

	wait := q.Backoff(attempts)
	entry.Status = db.RetryStatusPending
	entry.NextAttemptAt = q.now().Add(wait)
	if err := q.queries.UpsertRetryEntry(ctx, entry); err != nil {
		log.Printf("⚠️ retry: reschedule failed for %s: %v", entry.CommandID, err)
		return
	}
	q.record(ctx, cmd.SignalID, audit.StageRetry, "scheduled",
		fmt.Sprintf("attempt %d failed (%s), retry in %s", attempts, entry.LastError, wait.Round(time.Millisecond)))
	q.publish(events.EventCommandRetried, cmd.SignalID)
}

// deadLetter terminates an entry permanently. The row is never deleted.
func (q *Queue) deadLetter(ctx context.Context, cmd dispatch.ExecutionCommand, entry db.RetryEntryRow, lastError string) {
	entry.Status = db.RetryStatusDeadLettered
	entry.LastError = lastError
	if err := q.queries.UpsertRetryEntry(ctx, entry); err != nil {
		log.Printf("❌ retry: dead-letter write failed for %s: %v", entry.CommandID, err)
	}
	log.Printf("❌ command %s dead-lettered after %d attempts: %s", entry.CommandID, entry.AttemptCount, lastError)
	q.record(ctx, cmd.SignalID, audit.StageDeadLetter, "dead_lettered",
		fmt.Sprintf("exhausted %d attempts: %s", entry.AttemptCount, lastError))
	q.publish(events.EventCommandDeadLetter, cmd.SignalID)
	if q.OnDeadLetter != nil {
		q.OnDeadLetter(cmd, lastError)
	}
}

// Requeue re-activates a dead-lettered entry for one operator-driven
// attempt cycle.
func (q *Queue) Requeue(ctx context.Context, commandID string) error {
	entry, err := q.queries.GetRetryEntry(ctx, commandID)
	if err != nil {
		return err
	}
	if entry.Status != db.RetryStatusDeadLettered {
		return fmt.Errorf("command %s is not dead-lettered (status %s)", commandID, entry.Status)
	}
	entry.Status = db.RetryStatusPending
	entry.AttemptCount = 0
	entry.NextAttemptAt = q.now()
	return q.queries.UpsertRetryEntry(ctx, entry)
}

// DeadLetters lists permanently failed entries for operator review.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]db.RetryEntryRow, error) {
	return q.queries.ListRetryEntriesByStatus(ctx, db.RetryStatusDeadLettered, limit)
}

func (q *Queue) loadCommand(ctx context.Context, commandID string) (dispatch.ExecutionCommand, error) {
	row, err := q.queries.GetCommand(ctx, commandID)
	if err != nil {
		return dispatch.ExecutionCommand{}, err
	}
	var cmd dispatch.ExecutionCommand
	if err := json.Unmarshal([]byte(row.Payload), &cmd); err != nil {
		return dispatch.ExecutionCommand{}, fmt.Errorf("decode command payload: %w", err)
	}
	return cmd, nil
}

func (q *Queue) record(ctx context.Context, signalID, stage, status, detail string) {
	if q.recorder != nil {
		q.recorder.Record(ctx, signalID, stage, status, detail)
	}
}

func (q *Queue) publish(ev events.Event, signalID string) {
	if q.bus != nil {
		q.bus.Publish(ev, events.StageEvent{
			SignalID:  signalID,
			Stage:     string(ev),
			Status:    string(ev),
			Timestamp: q.now().UTC(),
		})
	}
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("db: not found")

// Queries groups the typed accessors over the schema.
type Queries struct {
	db *sql.DB
}

// Queries returns the typed query layer.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB}
}

// --- raw signals -----------------------------------------------------------

// InsertRawSignal stores an ingested signal for audit. Duplicate signal
// IDs are ignored: the dedup check owns duplicate semantics, the audit
// copy just needs to exist once.
func (q *Queries) InsertRawSignal(ctx context.Context, r RawSignalRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO raw_signals (signal_id, provider_id, source_id, text, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO NOTHING
	`, r.SignalID, r.ProviderID, r.SourceID, r.Text, r.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert raw signal: %w", err)
	}
	return nil
}

// GetRawSignal loads one signal by id.
func (q *Queries) GetRawSignal(ctx context.Context, signalID string) (RawSignalRow, error) {
	var r RawSignalRow
	err := q.db.QueryRowContext(ctx, `
		SELECT signal_id, provider_id, COALESCE(source_id, ''), text, received_at
		FROM raw_signals WHERE signal_id = ?
	`, signalID).Scan(&r.SignalID, &r.ProviderID, &r.SourceID, &r.Text, &r.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// --- commands --------------------------------------------------------------

// InsertCommand stores a command before its first dispatch.
func (q *Queries) InsertCommand(ctx context.Context, c CommandRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commands (command_id, signal_id, action, pair, lot_size, stealth_applied, payload, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CommandID, c.SignalID, c.Action, c.Pair, c.LotSize, boolToInt(c.StealthApplied), c.Payload, c.Status)
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// UpdateCommandStatus records a command's latest state and backend ticket.
func (q *Queries) UpdateCommandStatus(ctx context.Context, commandID, status, backendRef string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, backend_ref = COALESCE(NULLIF(?, ''), backend_ref),
		       updated_at = CURRENT_TIMESTAMP
		WHERE command_id = ?
	`, status, backendRef, commandID)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	return nil
}

// GetCommand loads one command by id.
func (q *Queries) GetCommand(ctx context.Context, commandID string) (CommandRow, error) {
	var (
		c       CommandRow
		stealth int
		ref     sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT command_id, signal_id, action, pair, lot_size, stealth_applied, payload, status, backend_ref, created_at
		FROM commands WHERE command_id = ?
	`, commandID).Scan(&c.CommandID, &c.SignalID, &c.Action, &c.Pair, &c.LotSize, &stealth, &c.Payload, &c.Status, &ref, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.StealthApplied = stealth == 1
	c.BackendRef = ref.String
	return c, nil
}

// CommandsBySignal lists the commands derived from one signal.
func (q *Queries) CommandsBySignal(ctx context.Context, signalID string) ([]CommandRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT command_id, signal_id, action, pair, lot_size, stealth_applied, payload, status, backend_ref, created_at
		FROM commands WHERE signal_id = ? ORDER BY created_at
	`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var (
			c       CommandRow
			stealth int
			ref     sql.NullString
		)
		if err := rows.Scan(&c.CommandID, &c.SignalID, &c.Action, &c.Pair, &c.LotSize, &stealth, &c.Payload, &c.Status, &ref, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.StealthApplied = stealth == 1
		c.BackendRef = ref.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// TicketedCommands lists commands that hold a broker ticket, newest first.
// Used to rebuild the ticket registry on startup.
func (q *Queries) TicketedCommands(ctx context.Context, limit int) ([]CommandRow, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT command_id, signal_id, action, pair, lot_size, stealth_applied, payload, status, backend_ref, created_at
		FROM commands WHERE backend_ref IS NOT NULL AND backend_ref != ''
		ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CommandRow
	for rows.Next() {
		var (
			c       CommandRow
			stealth int
			ref     sql.NullString
		)
		if err := rows.Scan(&c.CommandID, &c.SignalID, &c.Action, &c.Pair, &c.LotSize, &stealth, &c.Payload, &c.Status, &ref, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.StealthApplied = stealth == 1
		c.BackendRef = ref.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- retry entries ---------------------------------------------------------

// UpsertRetryEntry creates or updates the retry state for a command.
func (q *Queries) UpsertRetryEntry(ctx context.Context, e RetryEntryRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO retry_entries (command_id, attempt_count, next_attempt_at, last_error, status, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(command_id) DO UPDATE SET
			attempt_count = excluded.attempt_count,
			next_attempt_at = excluded.next_attempt_at,
			last_error = excluded.last_error,
			status = excluded.status,
			updated_at = CURRENT_TIMESTAMP
	`, e.CommandID, e.AttemptCount, e.NextAttemptAt.UTC(), e.LastError, e.Status)
	if err != nil {
		return fmt.Errorf("upsert retry entry: %w", err)
	}
	return nil
}

// GetRetryEntry loads the retry state for a command.
func (q *Queries) GetRetryEntry(ctx context.Context, commandID string) (RetryEntryRow, error) {
	var e RetryEntryRow
	err := q.db.QueryRowContext(ctx, `
		SELECT command_id, attempt_count, next_attempt_at, COALESCE(last_error, ''), status, updated_at
		FROM retry_entries WHERE command_id = ?
	`, commandID).Scan(&e.CommandID, &e.AttemptCount, &e.NextAttemptAt, &e.LastError, &e.Status, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// DueRetryEntries returns active entries whose next attempt has elapsed.
func (q *Queries) DueRetryEntries(ctx context.Context, now time.Time, limit int) ([]RetryEntryRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT command_id, attempt_count, next_attempt_at, COALESCE(last_error, ''), status, updated_at
		FROM retry_entries
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at
		LIMIT ?
	`, RetryStatusPending, RetryStatusRetrying, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryEntryRow
	for rows.Next() {
		var e RetryEntryRow
		if err := rows.Scan(&e.CommandID, &e.AttemptCount, &e.NextAttemptAt, &e.LastError, &e.Status, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CancelRetryEntry atomically clears a still-active entry. Returns true
// when the entry was active and is now cancelled; false when there was
// nothing to cancel (already terminal or absent). This is the
// check-and-clear that keeps a cancelled command from being retried.
func (q *Queries) CancelRetryEntry(ctx context.Context, commandID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE retry_entries SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE command_id = ? AND status IN (?, ?)
	`, RetryStatusCancelled, commandID, RetryStatusPending, RetryStatusRetrying)
	if err != nil {
		return false, fmt.Errorf("cancel retry entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListRetryEntriesByStatus returns entries in one state, newest first.
func (q *Queries) ListRetryEntriesByStatus(ctx context.Context, status string, limit int) ([]RetryEntryRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT command_id, attempt_count, next_attempt_at, COALESCE(last_error, ''), status, updated_at
		FROM retry_entries WHERE status = ? ORDER BY updated_at DESC LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RetryEntryRow
	for rows.Next() {
		var e RetryEntryRow
		if err := rows.Scan(&e.CommandID, &e.AttemptCount, &e.NextAttemptAt, &e.LastError, &e.Status, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- audit events ----------------------------------------------------------

// InsertAuditEvent appends one stage-transition record.
func (q *Queries) InsertAuditEvent(ctx context.Context, e AuditEventRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO audit_events (signal_id, stage, status, detail)
		VALUES (?, ?, ?, ?)
	`, e.SignalID, e.Stage, e.Status, e.Detail)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// AuditTrail returns the full ordered reason chain for a signal.
func (q *Queries) AuditTrail(ctx context.Context, signalID string) ([]AuditEventRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, stage, status, COALESCE(detail, ''), created_at
		FROM audit_events WHERE signal_id = ? ORDER BY id
	`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEventRow
	for rows.Next() {
		var e AuditEventRow
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Stage, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS raw_signals (
    signal_id TEXT PRIMARY KEY,
    provider_id TEXT NOT NULL,
    source_id TEXT,
    text TEXT NOT NULL,
    received_at DATETIME NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS commands (
    command_id TEXT PRIMARY KEY,
    signal_id TEXT NOT NULL,
    action TEXT NOT NULL,
    pair TEXT NOT NULL,
    lot_size REAL NOT NULL,
    stealth_applied INTEGER DEFAULT 0,
    payload TEXT NOT NULL,
    status TEXT NOT NULL,
    backend_ref TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_commands_signal ON commands(signal_id);

CREATE TABLE IF NOT EXISTS retry_entries (
    command_id TEXT PRIMARY KEY,
    attempt_count INTEGER NOT NULL,
    next_attempt_at DATETIME NOT NULL,
    last_error TEXT,
    status TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_retry_due ON retry_entries(status, next_attempt_at);

CREATE TABLE IF NOT EXISTS audit_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    signal_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    status TEXT NOT NULL,
    detail TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_audit_signal ON audit_events(signal_id, id);
`

// ApplyMigrations creates the schema when missing.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

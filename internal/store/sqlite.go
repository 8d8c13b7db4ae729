// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides sender/grant/queue persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Wait briefly for competing writers before surfacing SQLITE_BUSY.
	// Residual lock errors are mapped to ErrContention for the caller.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS senders (
			id                  TEXT PRIMARY KEY,
			display_name        TEXT NOT NULL,
			destination_address TEXT NOT NULL,
			role                TEXT NOT NULL,
			secret_hash         TEXT NOT NULL,
			disabled            INTEGER NOT NULL DEFAULT 0,
			last_heartbeat_at   TEXT,
			registered_at       TEXT NOT NULL,

			CHECK (role IN ('base', 'lead', 'senior', 'admin'))
		);

		CREATE INDEX IF NOT EXISTS idx_senders_role ON senders(role);
		CREATE INDEX IF NOT EXISTS idx_senders_disabled ON senders(disabled);

		CREATE TABLE IF NOT EXISTS permission_grants (
			principal_id TEXT NOT NULL,
			sender_id    TEXT NOT NULL,
			granted_by   TEXT NOT NULL,
			granted_at   TEXT NOT NULL,

			PRIMARY KEY (principal_id, sender_id)
		);

		CREATE INDEX IF NOT EXISTS idx_grants_principal ON permission_grants(principal_id);

		CREATE TABLE IF NOT EXISTS queued_messages (
			id               TEXT PRIMARY KEY,
			sender_id        TEXT NOT NULL,
			destination      TEXT NOT NULL,
			body             TEXT NOT NULL,
			requested_by     TEXT NOT NULL,
			idempotency_key  TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'queued',
			lease_token      TEXT,
			lease_expires_at TEXT,
			attempt_count    INTEGER NOT NULL DEFAULT 0,
			not_before       TEXT,
			cancel_requested INTEGER NOT NULL DEFAULT 0,
			error_detail     TEXT,
			created_at       TEXT NOT NULL,
			terminal_at      TEXT,

			CHECK (status IN ('queued', 'leased', 'sent', 'failed')),
			FOREIGN KEY (sender_id) REFERENCES senders(id)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_sender_status
			ON queued_messages(sender_id, status, created_at);
		CREATE INDEX IF NOT EXISTS idx_queue_dedupe
			ON queued_messages(sender_id, idempotency_key);

		CREATE TABLE IF NOT EXISTS registration_codes (
			id         TEXT PRIMARY KEY,
			code       TEXT UNIQUE NOT NULL,
			created_by TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			used_at    TEXT,
			used_by    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_regcodes_code ON registration_codes(code);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isBusy checks if the error is a SQLite lock conflict (SQLITE_BUSY/LOCKED)
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "busy")
}

// mapWriteErr translates low-level write errors to store sentinels.
func mapWriteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return fmt.Errorf("%s: %w", op, ErrContention)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// inTx runs fn inside a transaction, rolling back on error. Lock conflicts
// anywhere in the transaction surface as ErrContention.
func (s *SQLiteStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapWriteErr(err, op)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%s: %w", op, ErrContention)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapWriteErr(err, op)
	}
	return nil
}

// timeLayout is RFC3339 with a fixed-width nanosecond fraction. The fixed
// width keeps stored timestamps lexically comparable, which the queue
// relies on for FIFO ordering and deadline comparisons in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// fmtTime formats a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullTime formats an optional timestamp for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// scanNullTime converts a nullable stored timestamp back to *time.Time.
func scanNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// ABOUTME: Sender entity store methods for the registry
// ABOUTME: Covers registration (with one-time code consumption), heartbeat, and soft-disable

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSender registers a new sender, consuming the given one-time
// registration code in the same transaction. The code must exist, be
// unused, and be unexpired; otherwise ErrNotFound, ErrCodeUsed, or
// ErrCodeExpired is returned and no sender row is written.
func (s *SQLiteStore) CreateSender(ctx context.Context, sender *Sender, regCode string) error {
	err := s.inTx(ctx, "creating sender", func(tx *sql.Tx) error {
		var id string
		var usedAt sql.NullString
		var expiresAtStr string

		err := tx.QueryRowContext(ctx, `
			SELECT id, used_at, expires_at FROM registration_codes WHERE code = ?
		`, regCode).Scan(&id, &usedAt, &expiresAtStr)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying registration code: %w", err)
		}

		if usedAt.Valid {
			return ErrCodeUsed
		}
		expiresAt, err := parseTime(expiresAtStr)
		if err != nil {
			return fmt.Errorf("parsing code expires_at: %w", err)
		}
		if !time.Now().Before(expiresAt) {
			return ErrCodeExpired
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE registration_codes SET used_at = ?, used_by = ? WHERE id = ?
		`, fmtTime(time.Now()), sender.ID, id); err != nil {
			return fmt.Errorf("consuming registration code: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO senders (id, display_name, destination_address, role, secret_hash, disabled, last_heartbeat_at, registered_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			sender.ID,
			sender.DisplayName,
			sender.DestinationAddress,
			sender.Role,
			sender.SecretHash,
			boolToInt(sender.Disabled),
			nullTime(sender.LastHeartbeatAt),
			fmtTime(sender.RegisteredAt),
		); err != nil {
			return fmt.Errorf("inserting sender: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("created sender", "id", sender.ID, "role", sender.Role)
	return nil
}

// GetSender retrieves a sender by ID.
// Returns ErrNotFound if the sender doesn't exist.
func (s *SQLiteStore) GetSender(ctx context.Context, id string) (*Sender, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, destination_address, role, secret_hash, disabled, last_heartbeat_at, registered_at
		FROM senders
		WHERE id = ?
	`, id)
	return scanSender(row)
}

// ListSenders returns all senders ordered by display name. Disabled
// senders are excluded unless includeDisabled is set.
func (s *SQLiteStore) ListSenders(ctx context.Context, includeDisabled bool) ([]*Sender, error) {
	query := `
		SELECT id, display_name, destination_address, role, secret_hash, disabled, last_heartbeat_at, registered_at
		FROM senders
	`
	if !includeDisabled {
		query += ` WHERE disabled = 0`
	}
	query += ` ORDER BY display_name, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying senders: %w", err)
	}
	defer rows.Close()

	var senders []*Sender
	for rows.Next() {
		sender, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		senders = append(senders, sender)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sender rows: %w", err)
	}
	return senders, nil
}

// UpdateHeartbeat records a heartbeat timestamp for a sender. The
// timestamp is the only liveness state; online/offline is derived from
// it at read time.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE senders SET last_heartbeat_at = ? WHERE id = ?
	`, fmtTime(at), id)
	if err != nil {
		return mapWriteErr(err, "updating heartbeat")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("heartbeat", "sender_id", id)
	return nil
}

// SetSenderDisabled soft-disables (or re-enables) a sender. Disabled
// senders reject new enqueues and are hidden from listings, but rows
// they already hold leases on may still complete.
func (s *SQLiteStore) SetSenderDisabled(ctx context.Context, id string, disabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE senders SET disabled = ? WHERE id = ?
	`, boolToInt(disabled), id)
	if err != nil {
		return mapWriteErr(err, "updating sender disabled flag")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Info("sender disabled flag updated", "id", id, "disabled", disabled)
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSender(row rowScanner) (*Sender, error) {
	var sender Sender
	var disabled int
	var lastHeartbeat sql.NullString
	var registeredAt string

	err := row.Scan(
		&sender.ID,
		&sender.DisplayName,
		&sender.DestinationAddress,
		&sender.Role,
		&sender.SecretHash,
		&disabled,
		&lastHeartbeat,
		&registeredAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sender: %w", err)
	}

	sender.Disabled = disabled != 0
	sender.LastHeartbeatAt, err = scanNullTime(lastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat_at: %w", err)
	}
	sender.RegisteredAt, err = parseTime(registeredAt)
	if err != nil {
		return nil, fmt.Errorf("parsing registered_at: %w", err)
	}

	return &sender, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

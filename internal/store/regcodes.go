// ABOUTME: One-time registration code store methods
// ABOUTME: Codes gate agent registration; consumed atomically by CreateSender

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateRegistrationCode mints a new one-time registration code.
func (s *SQLiteStore) CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registration_codes (id, code, created_by, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		code.ID,
		code.Code,
		nullString(code.CreatedBy),
		fmtTime(code.CreatedAt),
		fmtTime(code.ExpiresAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("registration code collision: %w", err)
		}
		return mapWriteErr(err, "inserting registration code")
	}

	s.logger.Info("created registration code", "id", code.ID, "expires_at", code.ExpiresAt)
	return nil
}

// GetRegistrationCode retrieves a registration code by its code string.
// Returns ErrNotFound if no such code exists.
func (s *SQLiteStore) GetRegistrationCode(ctx context.Context, codeStr string) (*RegistrationCode, error) {
	var rc RegistrationCode
	var createdBy, usedAt, usedBy sql.NullString
	var createdAt, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, created_by, created_at, expires_at, used_at, used_by
		FROM registration_codes
		WHERE code = ?
	`, codeStr).Scan(&rc.ID, &rc.Code, &createdBy, &createdAt, &expiresAt, &usedAt, &usedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying registration code: %w", err)
	}

	if createdBy.Valid {
		rc.CreatedBy = createdBy.String
	}
	if usedBy.Valid {
		rc.UsedBy = usedBy.String
	}
	rc.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	rc.ExpiresAt, err = parseTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	rc.UsedAt, err = scanNullTime(usedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing used_at: %w", err)
	}

	return &rc, nil
}

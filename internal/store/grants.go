// ABOUTME: PermissionGrant store methods for the authorization engine
// ABOUTME: Grants relate a requesting principal to a sender it may act as

package store

import (
	"context"
	"fmt"
	"time"
)

// CreateGrant records that a principal may act as a sender. Creating an
// existing grant succeeds silently.
func (s *SQLiteStore) CreateGrant(ctx context.Context, grant *PermissionGrant) error {
	if grant.GrantedAt.IsZero() {
		grant.GrantedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO permission_grants (principal_id, sender_id, granted_by, granted_at)
		VALUES (?, ?, ?, ?)
	`,
		grant.PrincipalID,
		grant.SenderID,
		grant.GrantedBy,
		fmtTime(grant.GrantedAt),
	)
	if err != nil {
		return mapWriteErr(err, "inserting grant")
	}

	s.logger.Info("created grant", "principal_id", grant.PrincipalID, "sender_id", grant.SenderID, "granted_by", grant.GrantedBy)
	return nil
}

// HasGrant checks whether an explicit grant exists for (principal, sender).
// The implicit own-sender grant is not stored; callers handle it.
func (s *SQLiteStore) HasGrant(ctx context.Context, principalID, senderID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM permission_grants WHERE principal_id = ? AND sender_id = ?
	`, principalID, senderID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking grant: %w", err)
	}
	return count > 0, nil
}

// ListGrants returns all explicit grants held by a principal.
func (s *SQLiteStore) ListGrants(ctx context.Context, principalID string) ([]*PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT principal_id, sender_id, granted_by, granted_at
		FROM permission_grants
		WHERE principal_id = ?
		ORDER BY granted_at
	`, principalID)
	if err != nil {
		return nil, fmt.Errorf("querying grants: %w", err)
	}
	defer rows.Close()

	var grants []*PermissionGrant
	for rows.Next() {
		var g PermissionGrant
		var grantedAt string
		if err := rows.Scan(&g.PrincipalID, &g.SenderID, &g.GrantedBy, &grantedAt); err != nil {
			return nil, fmt.Errorf("scanning grant row: %w", err)
		}
		g.GrantedAt, err = parseTime(grantedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing granted_at: %w", err)
		}
		grants = append(grants, &g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating grant rows: %w", err)
	}
	return grants, nil
}

// DeleteGrant removes an explicit grant. Removing a non-existent grant
// succeeds silently.
func (s *SQLiteStore) DeleteGrant(ctx context.Context, principalID, senderID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM permission_grants WHERE principal_id = ? AND sender_id = ?
	`, principalID, senderID)
	if err != nil {
		return mapWriteErr(err, "deleting grant")
	}

	s.logger.Debug("deleted grant", "principal_id", principalID, "sender_id", senderID)
	return nil
}

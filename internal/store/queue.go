// ABOUTME: Message queue store methods: enqueue with dedupe, lease-based dequeue, outcome reporting
// ABOUTME: Every multi-invariant mutation runs in a single transaction

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// EnqueueMessage inserts a new queued message. Inside one transaction it
// verifies the target sender exists and is enabled, then checks for an
// existing non-terminal row with the same (sender_id, idempotency_key).
// If one exists the insert is suppressed and a *DuplicateError referencing
// the existing row is returned. This check-and-insert is the invariant
// that prevents duplicate sends.
func (s *SQLiteStore) EnqueueMessage(ctx context.Context, msg *QueuedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.Status == "" {
		msg.Status = StatusQueued
	}

	err := s.inTx(ctx, "enqueueing message", func(tx *sql.Tx) error {
		var disabled int
		err := tx.QueryRowContext(ctx, `
			SELECT disabled FROM senders WHERE id = ?
		`, msg.SenderID).Scan(&disabled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownSender
		}
		if err != nil {
			return fmt.Errorf("querying sender: %w", err)
		}
		if disabled != 0 {
			return ErrUnknownSender
		}

		var existingID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM queued_messages
			WHERE sender_id = ? AND idempotency_key = ? AND status IN (?, ?)
			LIMIT 1
		`, msg.SenderID, msg.IdempotencyKey, StatusQueued, StatusLeased).Scan(&existingID)
		if err == nil {
			return &DuplicateError{ExistingID: existingID}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking idempotency key: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queued_messages (id, sender_id, destination, body, requested_by, idempotency_key, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID,
			msg.SenderID,
			msg.Destination,
			msg.Body,
			msg.RequestedBy,
			msg.IdempotencyKey,
			msg.Status,
			fmtTime(msg.CreatedAt),
		); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("enqueued message", "id", msg.ID, "sender_id", msg.SenderID)
	return nil
}

// leaseEligible is the WHERE fragment selecting rows a Dequeue may claim:
// queued rows whose backoff gate has passed, plus leased rows whose lease
// has expired without an outcome report (crash recovery).
const leaseEligible = `
	sender_id = ?
	AND (
		(status = 'queued' AND (not_before IS NULL OR not_before <= ?))
		OR (status = 'leased' AND lease_expires_at <= ?)
	)
`

// LeaseMessages atomically claims up to policy.MaxBatch eligible messages
// for the sender, FIFO by created_at, flipping each to LEASED with a fresh
// random lease token. The atomic select-and-flip inside one transaction is
// what keeps two concurrent pollers for the same sender from ever being
// handed the same row. The second return value reports whether more
// eligible rows remain after this batch.
func (s *SQLiteStore) LeaseMessages(ctx context.Context, senderID string, policy LeasePolicy) ([]*QueuedMessage, bool, error) {
	now := time.Now().UTC()
	nowStr := fmtTime(now)
	expiresAt := now.Add(policy.LeaseDuration)

	var leased []*QueuedMessage
	var hasMore bool

	err := s.inTx(ctx, "leasing messages", func(tx *sql.Tx) error {
		// A disabled sender may finish leases it already holds but is
		// not handed new work.
		var disabled int
		err := tx.QueryRowContext(ctx, `
			SELECT disabled FROM senders WHERE id = ?
		`, senderID).Scan(&disabled)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUnknownSender
		}
		if err != nil {
			return fmt.Errorf("querying sender: %w", err)
		}
		if disabled != 0 {
			return ErrUnknownSender
		}

		// Finalize cancellation requests that were deferred while the
		// row was leased, now that the lease has expired unreported.
		if _, err := tx.ExecContext(ctx, `
			UPDATE queued_messages
			SET status = 'failed', error_detail = 'cancelled', terminal_at = ?,
			    lease_token = NULL, lease_expires_at = NULL
			WHERE sender_id = ? AND status = 'leased' AND lease_expires_at <= ? AND cancel_requested = 1
		`, nowStr, senderID, nowStr); err != nil {
			return fmt.Errorf("finalizing deferred cancellations: %w", err)
		}

		// Expire stale queued rows so months-old messages never fire.
		// They are failed with an audit trail, not silently dropped.
		if policy.StaleAge > 0 {
			cutoff := fmtTime(now.Add(-policy.StaleAge))
			if _, err := tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'failed', error_detail = 'expired', terminal_at = ?
				WHERE sender_id = ? AND status = 'queued' AND created_at < ?
			`, nowStr, senderID, cutoff); err != nil {
				return fmt.Errorf("expiring stale messages: %w", err)
			}
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, sender_id, destination, body, requested_by, idempotency_key, status,
			       lease_token, lease_expires_at, attempt_count, not_before, cancel_requested,
			       error_detail, created_at, terminal_at
			FROM queued_messages
			WHERE `+leaseEligible+`
			ORDER BY created_at, id
			LIMIT ?
		`, senderID, nowStr, nowStr, policy.MaxBatch)
		if err != nil {
			return fmt.Errorf("selecting eligible messages: %w", err)
		}
		candidates, err := collectMessages(rows)
		if err != nil {
			return err
		}

		for _, msg := range candidates {
			token, err := newLeaseToken()
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'leased', lease_token = ?, lease_expires_at = ?
				WHERE id = ?
			`, token, fmtTime(expiresAt), msg.ID); err != nil {
				return fmt.Errorf("flipping message to leased: %w", err)
			}
			msg.Status = StatusLeased
			msg.LeaseToken = token
			exp := expiresAt
			msg.LeaseExpiresAt = &exp
			leased = append(leased, msg)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM queued_messages WHERE `+leaseEligible,
			senderID, nowStr, nowStr,
		).Scan(&remaining); err != nil {
			return fmt.Errorf("counting remaining messages: %w", err)
		}
		hasMore = remaining > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if len(leased) > 0 {
		s.logger.Debug("leased messages", "sender_id", senderID, "count", len(leased), "has_more", hasMore)
	}
	return leased, hasMore, nil
}

// ReportOutcome resolves a lease. The report is rejected with
// ErrInvalidLease unless the message is currently LEASED by this sender
// with a matching, unexpired lease token; this discards stale reports from
// an agent whose lease was already reclaimed. Success finalizes the row as
// SENT. Failure increments the attempt count and either re-queues the row
// behind an exponential backoff gate or, once max attempts are exhausted,
// finalizes it as FAILED with the error detail retained.
func (s *SQLiteStore) ReportOutcome(ctx context.Context, senderID, messageID, leaseToken string, success bool, errorDetail string, policy RetryPolicy) error {
	now := time.Now().UTC()
	nowStr := fmtTime(now)

	var finalStatus string
	err := s.inTx(ctx, "reporting outcome", func(tx *sql.Tx) error {
		var status, owner string
		var storedToken, leaseExpires sql.NullString
		var attempts, cancelRequested int

		err := tx.QueryRowContext(ctx, `
			SELECT status, sender_id, lease_token, lease_expires_at, attempt_count, cancel_requested
			FROM queued_messages
			WHERE id = ?
		`, messageID).Scan(&status, &owner, &storedToken, &leaseExpires, &attempts, &cancelRequested)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}

		if status != StatusLeased || owner != senderID ||
			!storedToken.Valid || storedToken.String != leaseToken ||
			!leaseExpires.Valid || leaseExpires.String <= nowStr {
			return ErrInvalidLease
		}

		if success {
			finalStatus = StatusSent
			_, err := tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'sent', terminal_at = ?, lease_token = NULL, lease_expires_at = NULL
				WHERE id = ?
			`, nowStr, messageID)
			if err != nil {
				return fmt.Errorf("marking message sent: %w", err)
			}
			return nil
		}

		attempts++
		switch {
		case attempts >= policy.MaxAttempts:
			finalStatus = StatusFailed
			_, err = tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'failed', attempt_count = ?, error_detail = ?, terminal_at = ?,
				    lease_token = NULL, lease_expires_at = NULL
				WHERE id = ?
			`, attempts, errorDetail, nowStr, messageID)
		case cancelRequested != 0:
			// Deferred cancellation wins over a retry.
			finalStatus = StatusFailed
			_, err = tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'failed', attempt_count = ?, error_detail = 'cancelled', terminal_at = ?,
				    lease_token = NULL, lease_expires_at = NULL
				WHERE id = ?
			`, attempts, nowStr, messageID)
		default:
			finalStatus = StatusQueued
			notBefore := now.Add(policy.BackoffBase << (attempts - 1))
			_, err = tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'queued', attempt_count = ?, error_detail = ?, not_before = ?,
				    lease_token = NULL, lease_expires_at = NULL
				WHERE id = ?
			`, attempts, errorDetail, fmtTime(notBefore), messageID)
		}
		if err != nil {
			return fmt.Errorf("recording failure outcome: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("outcome reported", "message_id", messageID, "success", success, "status", finalStatus)
	return nil
}

// CancelMessage cancels a message. A still-queued row is finalized as
// FAILED with detail "cancelled". A leased row cannot be cancelled
// mid-flight; the request is recorded and applied when the lease resolves.
// Terminal rows return ErrCancelNotEligible.
func (s *SQLiteStore) CancelMessage(ctx context.Context, messageID string) error {
	now := fmtTime(time.Now())

	return s.inTx(ctx, "cancelling message", func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `
			SELECT status FROM queued_messages WHERE id = ?
		`, messageID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying message: %w", err)
		}

		switch status {
		case StatusQueued:
			_, err = tx.ExecContext(ctx, `
				UPDATE queued_messages
				SET status = 'failed', error_detail = 'cancelled', terminal_at = ?
				WHERE id = ? AND status = 'queued'
			`, now, messageID)
			if err != nil {
				return fmt.Errorf("cancelling queued message: %w", err)
			}
			return nil
		case StatusLeased:
			_, err = tx.ExecContext(ctx, `
				UPDATE queued_messages SET cancel_requested = 1 WHERE id = ? AND status = 'leased'
			`, messageID)
			if err != nil {
				return fmt.Errorf("deferring cancellation: %w", err)
			}
			return nil
		default:
			return ErrCancelNotEligible
		}
	})
}

// GetMessage retrieves a message by ID.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*QueuedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_id, destination, body, requested_by, idempotency_key, status,
		       lease_token, lease_expires_at, attempt_count, not_before, cancel_requested,
		       error_detail, created_at, terminal_at
		FROM queued_messages
		WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return msgs[0], nil
}

// QueueStats returns queue depth by status, optionally scoped to one sender.
func (s *SQLiteStore) QueueStats(ctx context.Context, senderID string) (*QueueStats, error) {
	query := `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'leased' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM queued_messages
	`
	var args []any
	if senderID != "" {
		query += ` WHERE sender_id = ?`
		args = append(args, senderID)
	}

	var stats QueueStats
	var queued, leased, sent, failed sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Total, &queued, &leased, &sent, &failed)
	if err != nil {
		return nil, fmt.Errorf("querying queue stats: %w", err)
	}
	stats.Queued = int(queued.Int64)
	stats.Leased = int(leased.Int64)
	stats.Sent = int(sent.Int64)
	stats.Failed = int(failed.Int64)
	return &stats, nil
}

// newLeaseToken returns a fresh random lease token.
func newLeaseToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating lease token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// collectMessages scans and closes a message result set.
func collectMessages(rows *sql.Rows) ([]*QueuedMessage, error) {
	defer rows.Close()

	var msgs []*QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		var leaseToken, leaseExpires, notBefore, errorDetail, terminalAt sql.NullString
		var cancelRequested int
		var createdAt string

		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.Destination, &m.Body, &m.RequestedBy, &m.IdempotencyKey,
			&m.Status, &leaseToken, &leaseExpires, &m.AttemptCount, &notBefore,
			&cancelRequested, &errorDetail, &createdAt, &terminalAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		if leaseToken.Valid {
			m.LeaseToken = leaseToken.String
		}
		if errorDetail.Valid {
			m.ErrorDetail = errorDetail.String
		}
		m.CancelRequested = cancelRequested != 0

		var err error
		if m.LeaseExpiresAt, err = scanNullTime(leaseExpires); err != nil {
			return nil, fmt.Errorf("parsing lease_expires_at: %w", err)
		}
		if m.NotBefore, err = scanNullTime(notBefore); err != nil {
			return nil, fmt.Errorf("parsing not_before: %w", err)
		}
		if m.TerminalAt, err = scanNullTime(terminalAt); err != nil {
			return nil, fmt.Errorf("parsing terminal_at: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

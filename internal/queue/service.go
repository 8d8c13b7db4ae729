// ABOUTME: Message queue service: idempotency key derivation, policy limits, contention retry
// ABOUTME: Wraps the store's transactional queue primitives with delivery policy

package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay-gateway/internal/store"
)

// ErrMessageTooLarge is returned when a message body exceeds the policy limit.
var ErrMessageTooLarge = errors.New("message body too large")

// Default policy constants. All are tunable via Options.
const (
	DefaultMaxBodyChars      = 10000
	DefaultIdempotencyWindow = 2 * time.Minute
	DefaultLeaseDuration     = 30 * time.Second
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 30 * time.Second
	DefaultStaleAge          = 30 * 24 * time.Hour
	DefaultMaxBatch          = 10
)

// contention retry schedule for transparent retries of ErrContention.
const (
	contentionRetries = 3
	contentionBackoff = 25 * time.Millisecond
)

// Store is the slice of the persistent store the queue service needs.
type Store interface {
	EnqueueMessage(ctx context.Context, msg *store.QueuedMessage) error
	LeaseMessages(ctx context.Context, senderID string, policy store.LeasePolicy) ([]*store.QueuedMessage, bool, error)
	ReportOutcome(ctx context.Context, senderID, messageID, leaseToken string, success bool, errorDetail string, policy store.RetryPolicy) error
	CancelMessage(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, id string) (*store.QueuedMessage, error)
	QueueStats(ctx context.Context, senderID string) (*store.QueueStats, error)
}

// Options tunes queue policy. Zero values fall back to the defaults above.
type Options struct {
	MaxBodyChars      int
	IdempotencyWindow time.Duration
	LeaseDuration     time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	StaleAge          time.Duration
	MaxBatch          int
}

func (o Options) withDefaults() Options {
	if o.MaxBodyChars <= 0 {
		o.MaxBodyChars = DefaultMaxBodyChars
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = DefaultLeaseDuration
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.StaleAge <= 0 {
		o.StaleAge = DefaultStaleAge
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = DefaultMaxBatch
	}
	return o
}

// Service coordinates the durable message queue.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New creates a queue service.
func New(st Store, opts Options) *Service {
	return &Service{
		store:  st,
		opts:   opts.withDefaults(),
		logger: slog.Default().With("component", "queue"),
	}
}

// EnqueueRequest describes one message to enqueue.
type EnqueueRequest struct {
	SenderID    string
	Destination string
	Body        string
	RequestedBy string
	// IdempotencyKey is optional; when empty a key is derived from the
	// message content and a coarse time bucket.
	IdempotencyKey string
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Message *store.QueuedMessage
	// Duplicate is set when an equivalent non-terminal message already
	// existed; Message then refers to the existing row.
	Duplicate bool
}

// Enqueue validates and inserts one message. A duplicate within the
// idempotency window is a successful no-op referencing the existing row.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResult, error) {
	if req.Destination == "" || strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("destination and body are required")
	}
	if len([]rune(req.Body)) > s.opts.MaxBodyChars {
		return nil, fmt.Errorf("%w: %d chars (limit %d)", ErrMessageTooLarge, len([]rune(req.Body)), s.opts.MaxBodyChars)
	}

	key := req.IdempotencyKey
	if key == "" {
		key = deriveKey(req.SenderID, req.Destination, req.Body, time.Now(), s.opts.IdempotencyWindow)
	}

	msg := &store.QueuedMessage{
		ID:             uuid.New().String(),
		SenderID:       req.SenderID,
		Destination:    req.Destination,
		Body:           req.Body,
		RequestedBy:    req.RequestedBy,
		IdempotencyKey: key,
		Status:         store.StatusQueued,
		CreatedAt:      time.Now().UTC(),
	}

	err := s.withContentionRetry(ctx, "enqueue", func() error {
		return s.store.EnqueueMessage(ctx, msg)
	})
	var dup *store.DuplicateError
	if errors.As(err, &dup) {
		existing, getErr := s.store.GetMessage(ctx, dup.ExistingID)
		if getErr != nil {
			return nil, fmt.Errorf("loading duplicate message: %w", getErr)
		}
		s.logger.Debug("enqueue deduplicated", "sender_id", req.SenderID, "existing_id", dup.ExistingID)
		return &EnqueueResult{Message: existing, Duplicate: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &EnqueueResult{Message: msg}, nil
}

// Dequeue leases up to maxBatch messages for the sender. The boolean
// reports whether more eligible messages remain; callers drain a backlog
// by polling until it is false.
func (s *Service) Dequeue(ctx context.Context, senderID string, maxBatch int) ([]*store.QueuedMessage, bool, error) {
	if maxBatch <= 0 || maxBatch > s.opts.MaxBatch {
		maxBatch = s.opts.MaxBatch
	}

	var msgs []*store.QueuedMessage
	var hasMore bool
	err := s.withContentionRetry(ctx, "dequeue", func() error {
		var err error
		msgs, hasMore, err = s.store.LeaseMessages(ctx, senderID, store.LeasePolicy{
			MaxBatch:      maxBatch,
			LeaseDuration: s.opts.LeaseDuration,
			StaleAge:      s.opts.StaleAge,
		})
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return msgs, hasMore, nil
}

// ReportOutcome resolves a lease with a delivery result.
func (s *Service) ReportOutcome(ctx context.Context, senderID, messageID, leaseToken string, success bool, errorDetail string) error {
	return s.withContentionRetry(ctx, "report outcome", func() error {
		return s.store.ReportOutcome(ctx, senderID, messageID, leaseToken, success, errorDetail, store.RetryPolicy{
			MaxAttempts: s.opts.MaxAttempts,
			BackoffBase: s.opts.BackoffBase,
		})
	})
}

// Cancel cancels a message, deferring if it is currently leased.
func (s *Service) Cancel(ctx context.Context, messageID string) error {
	return s.withContentionRetry(ctx, "cancel", func() error {
		return s.store.CancelMessage(ctx, messageID)
	})
}

// Get retrieves one message.
func (s *Service) Get(ctx context.Context, messageID string) (*store.QueuedMessage, error) {
	return s.store.GetMessage(ctx, messageID)
}

// Stats returns queue depth by status, optionally scoped to one sender.
func (s *Service) Stats(ctx context.Context, senderID string) (*store.QueueStats, error) {
	return s.store.QueueStats(ctx, senderID)
}

// withContentionRetry retries fn on ErrContention with doubling backoff.
// Contention never surfaces to callers of the service.
func (s *Service) withContentionRetry(ctx context.Context, op string, fn func() error) error {
	backoff := contentionBackoff
	var err error
	for attempt := 0; attempt <= contentionRetries; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrContention) {
			return err
		}
		s.logger.Warn("storage contention, retrying", "op", op, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

// deriveKey computes the implicit idempotency key: a digest of the sender,
// destination, whitespace-normalized body, and a coarse time bucket. The
// bucket bounds accidental double-submits without permanently blocking an
// intentional repeat of the same message later.
func deriveKey(senderID, destination, body string, now time.Time, window time.Duration) string {
	bucket := now.UTC().Truncate(window).Unix()
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%d", senderID, destination, normalizeBody(body), bucket)
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeBody collapses runs of whitespace and trims the edges so
// trivially reformatted re-submits dedupe together.
func normalizeBody(body string) string {
	return strings.Join(strings.Fields(body), " ")
}

// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines Sender, PermissionGrant, QueuedMessage and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrUnknownSender is returned when a queue operation targets a sender
// that does not exist or has been disabled
var ErrUnknownSender = errors.New("unknown or disabled sender")

// ErrInvalidLease is returned when an outcome report carries a lease token
// that no longer matches the message (expired, reclaimed, or never issued)
var ErrInvalidLease = errors.New("invalid or expired lease")

// ErrContention is returned when the underlying storage rejected a write
// due to a transient lock conflict. Callers must retry with backoff.
var ErrContention = errors.New("storage contention")

// ErrCodeUsed is returned when a registration code has already been consumed
var ErrCodeUsed = errors.New("registration code already used")

// ErrCodeExpired is returned when a registration code has expired
var ErrCodeExpired = errors.New("registration code expired")

// ErrCancelNotEligible is returned when cancellation targets a message
// that is already terminal
var ErrCancelNotEligible = errors.New("message is not cancellable")

// DuplicateError reports that an enqueue was suppressed because a
// non-terminal message with the same (sender_id, idempotency_key) already
// exists. It is a successful idempotent no-op, not a failure.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate message (existing id %s)", e.ExistingID)
}

// SenderRole determines what a principal may do and who may act as this sender
type SenderRole string

const (
	RoleBase   SenderRole = "base"
	RoleLead   SenderRole = "lead"
	RoleSenior SenderRole = "senior"
	RoleAdmin  SenderRole = "admin"
)

// ValidRoles lists all valid sender roles
var ValidRoles = []SenderRole{RoleBase, RoleLead, RoleSenior, RoleAdmin}

// ValidRole reports whether r is one of the known roles.
func ValidRole(r SenderRole) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sender is a registered delivery identity. A sender doubles as a principal:
// operators authenticate as a sender row and may act as other senders
// subject to grants and the role matrix.
type Sender struct {
	ID                 string
	DisplayName        string
	DestinationAddress string // outbound address, e.g. a phone number
	Role               SenderRole
	SecretHash         string // bcrypt hash, never the clear secret
	Disabled           bool
	LastHeartbeatAt    *time.Time
	RegisteredAt       time.Time
}

// PermissionGrant allows a principal to enqueue messages as another sender.
// A principal always implicitly holds a grant for its own sender.
type PermissionGrant struct {
	PrincipalID string
	SenderID    string
	GrantedBy   string
	GrantedAt   time.Time
}

// MessageStatus values for queued messages
const (
	StatusQueued = "queued"
	StatusLeased = "leased"
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// QueuedMessage is one unit of outbound work.
type QueuedMessage struct {
	ID              string
	SenderID        string
	Destination     string
	Body            string
	RequestedBy     string
	IdempotencyKey  string
	Status          string
	LeaseToken      string // set while leased
	LeaseExpiresAt  *time.Time
	AttemptCount    int
	NotBefore       *time.Time // retry backoff gate honored by leasing
	CancelRequested bool
	ErrorDetail     string // present only when failed
	CreatedAt       time.Time
	TerminalAt      *time.Time
}

// Terminal reports whether the message has reached a final state.
func (m *QueuedMessage) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed
}

// RegistrationCode is a one-time code required for agent registration.
type RegistrationCode struct {
	ID        string
	Code      string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	UsedBy    string
}

// QueueStats summarizes queue depth by status.
type QueueStats struct {
	Total  int
	Queued int
	Leased int
	Sent   int
	Failed int
}

// LeasePolicy bundles the tunables consulted while leasing messages.
type LeasePolicy struct {
	MaxBatch      int
	LeaseDuration time.Duration
	// StaleAge bounds how old a queued message may be before it is
	// finalized as expired instead of delivered.
	StaleAge time.Duration
}

// RetryPolicy bundles the tunables consulted while reporting failures.
type RetryPolicy struct {
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; each further
	// attempt doubles it.
	BackoffBase time.Duration
}

// Store defines the interface for relay-gateway persistence.
type Store interface {
	// Senders
	CreateSender(ctx context.Context, sender *Sender, regCode string) error
	GetSender(ctx context.Context, id string) (*Sender, error)
	ListSenders(ctx context.Context, includeDisabled bool) ([]*Sender, error)
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	SetSenderDisabled(ctx context.Context, id string, disabled bool) error

	// Permission grants
	CreateGrant(ctx context.Context, grant *PermissionGrant) error
	HasGrant(ctx context.Context, principalID, senderID string) (bool, error)
	ListGrants(ctx context.Context, principalID string) ([]*PermissionGrant, error)
	DeleteGrant(ctx context.Context, principalID, senderID string) error

	// Registration codes
	CreateRegistrationCode(ctx context.Context, code *RegistrationCode) error
	GetRegistrationCode(ctx context.Context, code string) (*RegistrationCode, error)

	// Message queue
	EnqueueMessage(ctx context.Context, msg *QueuedMessage) error
	LeaseMessages(ctx context.Context, senderID string, policy LeasePolicy) ([]*QueuedMessage, bool, error)
	ReportOutcome(ctx context.Context, senderID, messageID, leaseToken string, success bool, errorDetail string, policy RetryPolicy) error
	CancelMessage(ctx context.Context, messageID string) error
	GetMessage(ctx context.Context, id string) (*QueuedMessage, error)
	QueueStats(ctx context.Context, senderID string) (*QueueStats, error)

	// Close releases any resources held by the store
	Close() error
}

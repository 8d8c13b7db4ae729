// ABOUTME: Sender registry: registration handshake, authentication, heartbeat, soft-disable
// ABOUTME: Secrets are issued once and stored only as bcrypt hashes

package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaykit/relay-gateway/internal/liveness"
	"github.com/relaykit/relay-gateway/internal/store"
)

// ErrUnauthorized is returned when authentication fails. It deliberately
// does not distinguish a bad sender ID from a bad secret.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidRole is returned when registration requests an unknown role.
var ErrInvalidRole = errors.New("invalid role")

// secretBytes is the entropy of an issued sender secret.
const secretBytes = 32

// dummySecretHash is a valid cost-10 bcrypt hash compared against when the
// sender ID is unknown, so that path runs a full bcrypt comparison instead
// of failing fast on hash parsing.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// SenderStore is the slice of the store the registry needs.
type SenderStore interface {
	CreateSender(ctx context.Context, sender *store.Sender, regCode string) error
	GetSender(ctx context.Context, id string) (*store.Sender, error)
	ListSenders(ctx context.Context, includeDisabled bool) ([]*store.Sender, error)
	UpdateHeartbeat(ctx context.Context, id string, at time.Time) error
	SetSenderDisabled(ctx context.Context, id string, disabled bool) error
}

// Service implements the sender registry.
type Service struct {
	store    SenderStore
	liveness *liveness.Tracker
	logger   *slog.Logger
}

// New creates a registry service.
func New(senders SenderStore, tracker *liveness.Tracker) *Service {
	return &Service{
		store:    senders,
		liveness: tracker,
		logger:   slog.Default().With("component", "registry"),
	}
}

// SenderInfo is a sender with its derived liveness.
type SenderInfo struct {
	Sender *store.Sender
	Online bool
}

// Register creates a new sender identity. A fresh, unused one-time
// registration code is required; the code is consumed in the same
// transaction as the sender insert, so a raced second registration with
// the same code fails cleanly. The clear secret is returned exactly once
// and never stored.
func (s *Service) Register(ctx context.Context, displayName, destination string, role store.SenderRole, regCode string) (*store.Sender, string, error) {
	if displayName == "" || destination == "" {
		return nil, "", fmt.Errorf("display name and destination address are required")
	}
	if !store.ValidRole(role) {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	secret, err := newSecret()
	if err != nil {
		return nil, "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing secret: %w", err)
	}

	sender := &store.Sender{
		ID:                 uuid.New().String(),
		DisplayName:        displayName,
		DestinationAddress: destination,
		Role:               role,
		SecretHash:         string(hash),
		RegisteredAt:       time.Now().UTC(),
	}

	if err := s.store.CreateSender(ctx, sender, regCode); err != nil {
		return nil, "", err
	}

	s.logger.Info("registered sender", "id", sender.ID, "display_name", displayName, "role", role)
	return sender, secret, nil
}

// Authenticate verifies a sender's secret against the stored hash.
// bcrypt's comparison is constant time, and every failure path returns
// the same ErrUnauthorized.
func (s *Service) Authenticate(ctx context.Context, senderID, secret string) (*store.Sender, error) {
	sender, err := s.store.GetSender(ctx, senderID)
	if errors.Is(err, store.ErrNotFound) {
		// Burn a comparison anyway so a missing ID costs the same as a
		// wrong secret.
		_ = bcrypt.CompareHashAndPassword([]byte(dummySecretHash), []byte(secret))
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("looking up sender: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(sender.SecretHash), []byte(secret)); err != nil {
		return nil, ErrUnauthorized
	}
	// Disabled senders still authenticate: their agent must be able to
	// report outcomes for leases issued before the disable.
	return sender, nil
}

// Heartbeat authenticates the sender and records a heartbeat timestamp.
// Idempotent; calling twice in a row is harmless.
func (s *Service) Heartbeat(ctx context.Context, senderID, secret string) error {
	sender, err := s.Authenticate(ctx, senderID, secret)
	if err != nil {
		return err
	}
	return s.store.UpdateHeartbeat(ctx, sender.ID, time.Now().UTC())
}

// Touch records a heartbeat for an already-authenticated sender.
func (s *Service) Touch(ctx context.Context, senderID string) error {
	return s.store.UpdateHeartbeat(ctx, senderID, time.Now().UTC())
}

// Disable soft-disables a sender. Existing leased messages may still
// complete; new enqueues and listings exclude it.
func (s *Service) Disable(ctx context.Context, senderID string) error {
	return s.store.SetSenderDisabled(ctx, senderID, true)
}

// Enable re-enables a previously disabled sender.
func (s *Service) Enable(ctx context.Context, senderID string) error {
	return s.store.SetSenderDisabled(ctx, senderID, false)
}

// ListAvailable returns enabled senders with their derived liveness.
func (s *Service) ListAvailable(ctx context.Context) ([]*SenderInfo, error) {
	senders, err := s.store.ListSenders(ctx, false)
	if err != nil {
		return nil, err
	}

	infos := make([]*SenderInfo, 0, len(senders))
	for _, sender := range senders {
		infos = append(infos, &SenderInfo{
			Sender: sender,
			Online: s.liveness.SenderOnline(sender),
		})
	}
	return infos, nil
}

// newSecret returns a fresh URL-safe random secret.
func newSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ABOUTME: Tests for sender store methods
// ABOUTME: Covers registration code consumption, heartbeat updates, and soft-disable

package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAndGetSender(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	created := mustCreateSender(t, store, "sender-1")

	got, err := store.GetSender(ctx, "sender-1")
	if err != nil {
		t.Fatalf("GetSender failed: %v", err)
	}

	if got.ID != created.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, created.ID)
	}
	if got.DisplayName != created.DisplayName {
		t.Errorf("DisplayName mismatch: got %q, want %q", got.DisplayName, created.DisplayName)
	}
	if got.DestinationAddress != created.DestinationAddress {
		t.Errorf("DestinationAddress mismatch: got %q, want %q", got.DestinationAddress, created.DestinationAddress)
	}
	if got.Role != RoleBase {
		t.Errorf("Role mismatch: got %q, want %q", got.Role, RoleBase)
	}
	if got.Disabled {
		t.Error("new sender should not be disabled")
	}
	if got.LastHeartbeatAt != nil {
		t.Error("new sender should have no heartbeat")
	}
}

func TestGetSender_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetSender(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateSender_UnknownCode(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	sender := &Sender{
		ID:                 "sender-1",
		DisplayName:        "Sender",
		DestinationAddress: "s@example.com",
		Role:               RoleBase,
		SecretHash:         "hash",
		RegisteredAt:       time.Now().UTC(),
	}
	err := store.CreateSender(context.Background(), sender, "no-such-code")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// No sender row may be written when the code is rejected.
	if _, err := store.GetSender(context.Background(), "sender-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("sender should not exist, got %v", err)
	}
}

func TestCreateSender_CodeConsumedOnce(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	code := mustRegCode(t, store)

	first := &Sender{
		ID:                 "sender-1",
		DisplayName:        "First",
		DestinationAddress: "first@example.com",
		Role:               RoleBase,
		SecretHash:         "hash",
		RegisteredAt:       time.Now().UTC(),
	}
	if err := store.CreateSender(ctx, first, code); err != nil {
		t.Fatalf("CreateSender failed: %v", err)
	}

	second := &Sender{
		ID:                 "sender-2",
		DisplayName:        "Second",
		DestinationAddress: "second@example.com",
		Role:               RoleBase,
		SecretHash:         "hash",
		RegisteredAt:       time.Now().UTC(),
	}
	err := store.CreateSender(ctx, second, code)
	if !errors.Is(err, ErrCodeUsed) {
		t.Errorf("expected ErrCodeUsed, got %v", err)
	}

	// The code records who consumed it.
	rc, err := store.GetRegistrationCode(ctx, code)
	if err != nil {
		t.Fatalf("GetRegistrationCode failed: %v", err)
	}
	if rc.UsedAt == nil {
		t.Error("code should be marked used")
	}
	if rc.UsedBy != "sender-1" {
		t.Errorf("UsedBy mismatch: got %q, want %q", rc.UsedBy, "sender-1")
	}
}

func TestCreateSender_ExpiredCode(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	rc := &RegistrationCode{
		ID:        "rc-expired",
		Code:      "expired-code",
		CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := store.CreateRegistrationCode(ctx, rc); err != nil {
		t.Fatalf("CreateRegistrationCode failed: %v", err)
	}

	sender := &Sender{
		ID:                 "sender-1",
		DisplayName:        "Sender",
		DestinationAddress: "s@example.com",
		Role:               RoleBase,
		SecretHash:         "hash",
		RegisteredAt:       time.Now().UTC(),
	}
	err := store.CreateSender(ctx, sender, "expired-code")
	if !errors.Is(err, ErrCodeExpired) {
		t.Errorf("expected ErrCodeExpired, got %v", err)
	}
}

func TestListSenders_ExcludesDisabled(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	mustCreateSender(t, store, "sender-a")
	mustCreateSender(t, store, "sender-b")

	if err := store.SetSenderDisabled(ctx, "sender-b", true); err != nil {
		t.Fatalf("SetSenderDisabled failed: %v", err)
	}

	active, err := store.ListSenders(ctx, false)
	if err != nil {
		t.Fatalf("ListSenders failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "sender-a" {
		t.Errorf("expected only sender-a, got %d senders", len(active))
	}

	all, err := store.ListSenders(ctx, true)
	if err != nil {
		t.Fatalf("ListSenders(includeDisabled) failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 senders including disabled, got %d", len(all))
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	mustCreateSender(t, store, "sender-1")

	at := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.UpdateHeartbeat(ctx, "sender-1", at); err != nil {
		t.Fatalf("UpdateHeartbeat failed: %v", err)
	}

	got, err := store.GetSender(ctx, "sender-1")
	if err != nil {
		t.Fatalf("GetSender failed: %v", err)
	}
	if got.LastHeartbeatAt == nil {
		t.Fatal("LastHeartbeatAt should be set")
	}
	if !got.LastHeartbeatAt.Equal(at) {
		t.Errorf("heartbeat mismatch: got %v, want %v", got.LastHeartbeatAt, at)
	}
}

func TestUpdateHeartbeat_UnknownSender(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateHeartbeat(context.Background(), "nope", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetSenderDisabled_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	mustCreateSender(t, store, "sender-1")

	if err := store.SetSenderDisabled(ctx, "sender-1", true); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	got, _ := store.GetSender(ctx, "sender-1")
	if !got.Disabled {
		t.Error("sender should be disabled")
	}

	if err := store.SetSenderDisabled(ctx, "sender-1", false); err != nil {
		t.Fatalf("re-enable failed: %v", err)
	}
	got, _ = store.GetSender(ctx, "sender-1")
	if got.Disabled {
		t.Error("sender should be re-enabled")
	}
}

// ABOUTME: Tests for the sender registry service
// ABOUTME: Covers registration, secret authentication, heartbeats, and disable

package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relaykit/relay-gateway/internal/liveness"
	"github.com/relaykit/relay-gateway/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.SQLiteStore) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return New(st, liveness.NewTracker(90*time.Second)), st
}

func mintCode(t *testing.T, st *store.SQLiteStore, code string) string {
	t.Helper()

	rc := &store.RegistrationCode{
		ID:        "rc-" + code,
		Code:      code,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, st.CreateRegistrationCode(context.Background(), rc))
	return code
}

func TestRegister(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, secret, err := svc.Register(ctx, "Team Bot", "bot@example.com", store.RoleLead, mintCode(t, st, "c1"))
	require.NoError(t, err)
	assert.NotEmpty(t, sender.ID)
	assert.NotEmpty(t, secret)
	assert.Equal(t, store.RoleLead, sender.Role)
	assert.NotEqual(t, secret, sender.SecretHash, "clear secret must never be stored")

	stored, err := st.GetSender(ctx, sender.ID)
	require.NoError(t, err)
	assert.Equal(t, "Team Bot", stored.DisplayName)
	assert.Equal(t, "bot@example.com", stored.DestinationAddress)
}

func TestRegister_Validation(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, "", "d@example.com", store.RoleBase, mintCode(t, st, "c1"))
	assert.Error(t, err, "display name is required")

	_, _, err = svc.Register(ctx, "Name", "", store.RoleBase, mintCode(t, st, "c2"))
	assert.Error(t, err, "destination is required")

	_, _, err = svc.Register(ctx, "Name", "d@example.com", store.SenderRole("overlord"), mintCode(t, st, "c3"))
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestRegister_CodeSingleUse(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	code := mintCode(t, st, "c1")

	_, _, err := svc.Register(ctx, "First", "first@example.com", store.RoleBase, code)
	require.NoError(t, err)

	_, _, err = svc.Register(ctx, "Second", "second@example.com", store.RoleBase, code)
	assert.ErrorIs(t, err, store.ErrCodeUsed)
}

func TestAuthenticate(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, secret, err := svc.Register(ctx, "Bot", "bot@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)

	got, err := svc.Authenticate(ctx, sender.ID, secret)
	require.NoError(t, err)
	assert.Equal(t, sender.ID, got.ID)

	_, err = svc.Authenticate(ctx, sender.ID, "wrong-secret")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = svc.Authenticate(ctx, "no-such-sender", secret)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticate_DisabledSenderStillAuthenticates(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, secret, err := svc.Register(ctx, "Bot", "bot@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)
	require.NoError(t, svc.Disable(ctx, sender.ID))

	// The agent must still be able to resolve in-flight leases.
	got, err := svc.Authenticate(ctx, sender.ID, secret)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
}

func TestDummySecretHashIsWellFormed(t *testing.T) {
	// The unknown-ID path must burn a full bcrypt comparison at the same
	// cost as a real one, not fail fast on hash parsing.
	cost, err := bcrypt.Cost([]byte(dummySecretHash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.DefaultCost, cost)
}

func TestHeartbeat(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, secret, err := svc.Register(ctx, "Bot", "bot@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)

	require.NoError(t, svc.Heartbeat(ctx, sender.ID, secret))

	stored, err := st.GetSender(ctx, sender.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastHeartbeatAt)
	assert.WithinDuration(t, time.Now(), *stored.LastHeartbeatAt, 5*time.Second)

	err = svc.Heartbeat(ctx, sender.ID, "wrong-secret")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestTouch(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, _, err := svc.Register(ctx, "Bot", "bot@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)

	require.NoError(t, svc.Touch(ctx, sender.ID))

	stored, err := st.GetSender(ctx, sender.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastHeartbeatAt)
}

func TestListAvailable(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	online, secret, err := svc.Register(ctx, "Online Bot", "on@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)
	require.NoError(t, svc.Heartbeat(ctx, online.ID, secret))

	offline, _, err := svc.Register(ctx, "Silent Bot", "off@example.com", store.RoleBase, mintCode(t, st, "c2"))
	require.NoError(t, err)

	disabled, _, err := svc.Register(ctx, "Retired Bot", "gone@example.com", store.RoleBase, mintCode(t, st, "c3"))
	require.NoError(t, err)
	require.NoError(t, svc.Disable(ctx, disabled.ID))

	infos, err := svc.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2, "disabled sender should be hidden")

	byID := make(map[string]*SenderInfo)
	for _, info := range infos {
		byID[info.Sender.ID] = info
	}
	assert.True(t, byID[online.ID].Online)
	assert.False(t, byID[offline.ID].Online)
}

func TestDisableEnable(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	sender, _, err := svc.Register(ctx, "Bot", "bot@example.com", store.RoleBase, mintCode(t, st, "c1"))
	require.NoError(t, err)

	require.NoError(t, svc.Disable(ctx, sender.ID))
	infos, err := svc.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, infos)

	require.NoError(t, svc.Enable(ctx, sender.ID))
	infos, err = svc.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

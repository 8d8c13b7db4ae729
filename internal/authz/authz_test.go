// ABOUTME: Tests for the act-as authorization engine
// ABOUTME: Covers the full role matrix, own-sender allow, and explicit grants

package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay-gateway/internal/store"
)

// fakeGrants is a GrantChecker over an in-memory set.
type fakeGrants struct {
	grants map[string]bool
	err    error
}

func (f *fakeGrants) HasGrant(_ context.Context, principalID, senderID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.grants[principalID+"/"+senderID], nil
}

func sender(id string, role store.SenderRole) *store.Sender {
	return &store.Sender{ID: id, Role: role}
}

func TestCanActAs_OwnSender(t *testing.T) {
	engine := NewEngine(&fakeGrants{})

	// Even a base sender may always act as itself.
	self := sender("s1", store.RoleBase)
	decision, err := engine.CanActAs(context.Background(), self, self)
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)
}

func TestCanActAs_RoleMatrix(t *testing.T) {
	engine := NewEngine(&fakeGrants{})

	tests := []struct {
		principal store.SenderRole
		target    store.SenderRole
		want      Decision
	}{
		{store.RoleBase, store.RoleBase, Denied},
		{store.RoleBase, store.RoleLead, Denied},
		{store.RoleBase, store.RoleSenior, Denied},
		{store.RoleBase, store.RoleAdmin, Denied},
		{store.RoleLead, store.RoleBase, Allowed},
		{store.RoleLead, store.RoleLead, Allowed},
		{store.RoleLead, store.RoleSenior, Denied},
		{store.RoleLead, store.RoleAdmin, Denied},
		{store.RoleSenior, store.RoleBase, Allowed},
		{store.RoleSenior, store.RoleLead, Allowed},
		{store.RoleSenior, store.RoleSenior, PendingApproval},
		{store.RoleSenior, store.RoleAdmin, Denied},
		{store.RoleAdmin, store.RoleBase, Allowed},
		{store.RoleAdmin, store.RoleLead, Allowed},
		{store.RoleAdmin, store.RoleSenior, Allowed},
		{store.RoleAdmin, store.RoleAdmin, Allowed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_as_%s", tt.principal, tt.target), func(t *testing.T) {
			decision, err := engine.CanActAs(context.Background(),
				sender("p", tt.principal), sender("t", tt.target))
			require.NoError(t, err)
			assert.Equal(t, tt.want, decision)
		})
	}
}

func TestCanActAs_ExplicitGrantOverridesMatrix(t *testing.T) {
	grants := &fakeGrants{grants: map[string]bool{"p/t": true}}
	engine := NewEngine(grants)

	// Base-as-base is denied by the matrix, but the grant allows it.
	decision, err := engine.CanActAs(context.Background(),
		sender("p", store.RoleBase), sender("t", store.RoleBase))
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)
}

func TestCanActAs_GrantUpgradesPendingApproval(t *testing.T) {
	grants := &fakeGrants{grants: map[string]bool{"p/t": true}}
	engine := NewEngine(grants)

	decision, err := engine.CanActAs(context.Background(),
		sender("p", store.RoleSenior), sender("t", store.RoleSenior))
	require.NoError(t, err)
	assert.Equal(t, Allowed, decision)
}

func TestCanActAs_UnknownRoleDenied(t *testing.T) {
	engine := NewEngine(&fakeGrants{})

	decision, err := engine.CanActAs(context.Background(),
		sender("p", store.SenderRole("mystery")), sender("t", store.RoleBase))
	require.NoError(t, err)
	assert.Equal(t, Denied, decision)

	decision, err = engine.CanActAs(context.Background(),
		sender("p", store.RoleAdmin), sender("t", store.SenderRole("mystery")))
	require.NoError(t, err)
	assert.Equal(t, Denied, decision)
}

func TestCanActAs_GrantStoreError(t *testing.T) {
	grants := &fakeGrants{err: errors.New("db down")}
	engine := NewEngine(grants)

	decision, err := engine.CanActAs(context.Background(),
		sender("p", store.RoleAdmin), sender("t", store.RoleBase))
	require.Error(t, err)
	assert.Equal(t, Denied, decision)
}

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "allowed", Allowed.String())
	assert.Equal(t, "pending_approval", PendingApproval.String())
	assert.Equal(t, "denied", Denied.String())
}

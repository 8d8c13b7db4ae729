// ABOUTME: Authorization engine deciding whether a principal may act as a sender
// ABOUTME: Resolution order: own sender, explicit grant, then the role matrix

package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaykit/relay-gateway/internal/store"
)

// Decision is the outcome of an act-as check.
type Decision int

const (
	// Denied means the principal may not act as the target sender.
	Denied Decision = iota
	// Allowed means the principal may act as the target sender.
	Allowed
	// PendingApproval means the principal may act as the target only
	// after an explicit grant is issued. Callers must treat this as not
	// yet authorized and surface an escalation path; it is never an
	// implicit allow.
	PendingApproval
)

func (d Decision) String() string {
	switch d {
	case Allowed:
		return "allowed"
	case PendingApproval:
		return "pending_approval"
	default:
		return "denied"
	}
}

// GrantChecker is the slice of the store the engine needs.
type GrantChecker interface {
	HasGrant(ctx context.Context, principalID, senderID string) (bool, error)
}

// Engine evaluates act-as permissions.
type Engine struct {
	grants GrantChecker
	logger *slog.Logger
}

// NewEngine creates an authorization engine backed by the given grant store.
func NewEngine(grants GrantChecker) *Engine {
	return &Engine{
		grants: grants,
		logger: slog.Default().With("component", "authz"),
	}
}

// roleMatrix maps (principal role, target role) to the default decision
// applied when no explicit grant exists. Acting as one's own sender never
// reaches the matrix.
var roleMatrix = map[store.SenderRole]map[store.SenderRole]Decision{
	store.RoleBase: {
		store.RoleBase:   Denied,
		store.RoleLead:   Denied,
		store.RoleSenior: Denied,
		store.RoleAdmin:  Denied,
	},
	store.RoleLead: {
		store.RoleBase:   Allowed,
		store.RoleLead:   Allowed,
		store.RoleSenior: Denied,
		store.RoleAdmin:  Denied,
	},
	store.RoleSenior: {
		store.RoleBase:   Allowed,
		store.RoleLead:   Allowed,
		store.RoleSenior: PendingApproval,
		store.RoleAdmin:  Denied,
	},
	store.RoleAdmin: {
		store.RoleBase:   Allowed,
		store.RoleLead:   Allowed,
		store.RoleSenior: Allowed,
		store.RoleAdmin:  Allowed,
	},
}

// CanActAs decides whether principal may enqueue messages as target.
// A principal always may act as its own sender; an explicit grant allows;
// otherwise the role matrix applies.
func (e *Engine) CanActAs(ctx context.Context, principal, target *store.Sender) (Decision, error) {
	if principal.ID == target.ID {
		return Allowed, nil
	}

	granted, err := e.grants.HasGrant(ctx, principal.ID, target.ID)
	if err != nil {
		return Denied, fmt.Errorf("checking grant: %w", err)
	}
	if granted {
		return Allowed, nil
	}

	byTarget, ok := roleMatrix[principal.Role]
	if !ok {
		e.logger.Warn("unknown principal role", "principal_id", principal.ID, "role", principal.Role)
		return Denied, nil
	}
	decision, ok := byTarget[target.Role]
	if !ok {
		e.logger.Warn("unknown target role", "sender_id", target.ID, "role", target.Role)
		return Denied, nil
	}
	return decision, nil
}

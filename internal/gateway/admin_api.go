// ABOUTME: Admin-only HTTP API: registration codes, grants, sender lifecycle
// ABOUTME: Mounted behind requester JWT auth plus the admin role check

package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relay-gateway/internal/auth"
	"github.com/relaykit/relay-gateway/internal/store"
)

// defaultCodeTTL is how long a minted registration code stays redeemable.
const defaultCodeTTL = 24 * time.Hour

// CreateCodeRequest is the JSON request body for POST /api/admin/registration-codes.
type CreateCodeRequest struct {
	// ExpiresIn overrides the default code lifetime, e.g. "1h".
	ExpiresIn string `json:"expires_in,omitempty"`
}

// CreateCodeResponse is the JSON response for POST /api/admin/registration-codes.
type CreateCodeResponse struct {
	Code      string `json:"code"`
	ExpiresAt string `json:"expires_at"`
}

// GrantRequest is the JSON request body for grant create and delete.
type GrantRequest struct {
	PrincipalID string `json:"principal_id"`
	SenderID    string `json:"sender_id"`
}

// handleAdminCodes handles POST /api/admin/registration-codes.
func (g *Gateway) handleAdminCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	ttl := defaultCodeTTL
	var req CreateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "expires_in must be a positive duration")
			return
		}
		ttl = d
	}

	code, err := newRegistrationCode()
	if err != nil {
		g.logger.Error("failed to generate registration code", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	rc := &store.RegistrationCode{
		ID:        uuid.New().String(),
		Code:      code,
		CreatedBy: authCtx.Principal.ID,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	if err := g.store.CreateRegistrationCode(r.Context(), rc); err != nil {
		g.logger.Error("failed to store registration code", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("registration code minted", "created_by", authCtx.Principal.ID, "expires_at", rc.ExpiresAt)
	g.sendJSON(w, http.StatusCreated, CreateCodeResponse{
		Code:      rc.Code,
		ExpiresAt: rc.ExpiresAt.Format(time.RFC3339),
	})
}

// newRegistrationCode returns a 32-hex-char one-time code.
func newRegistrationCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// handleAdminGrants handles POST and DELETE /api/admin/grants.
func (g *Gateway) handleAdminGrants(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PrincipalID == "" || req.SenderID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "principal_id and sender_id are required")
		return
	}

	if r.Method == http.MethodDelete {
		if err := g.store.DeleteGrant(r.Context(), req.PrincipalID, req.SenderID); err != nil {
			g.logger.Error("failed to delete grant", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		g.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		return
	}

	// Both sides of a new grant must be real senders.
	for _, id := range []string{req.PrincipalID, req.SenderID} {
		if _, err := g.store.GetSender(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				g.sendJSONError(w, http.StatusNotFound, "unknown sender: "+id)
				return
			}
			g.logger.Error("failed to load sender", "error", err, "sender_id", id)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	grant := &store.PermissionGrant{
		PrincipalID: req.PrincipalID,
		SenderID:    req.SenderID,
		GrantedBy:   authCtx.Principal.ID,
	}
	if err := g.store.CreateGrant(r.Context(), grant); err != nil {
		g.logger.Error("failed to create grant", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// handleAdminSenderByID routes /api/admin/senders/{id}/disable and /enable.
func (g *Gateway) handleAdminSenderByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/admin/senders/")
	var senderID string
	var enable bool
	switch {
	case strings.HasSuffix(path, "/disable"):
		senderID = strings.TrimSuffix(path, "/disable")
	case strings.HasSuffix(path, "/enable"):
		senderID = strings.TrimSuffix(path, "/enable")
		enable = true
	default:
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if senderID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sender id is required")
		return
	}

	var err error
	if enable {
		err = g.registry.Enable(r.Context(), senderID)
	} else {
		err = g.registry.Disable(r.Context(), senderID)
	}
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "unknown sender")
		return
	}
	if err != nil {
		g.logger.Error("failed to update sender", "error", err, "sender_id", senderID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	status := "disabled"
	if enable {
		status = "enabled"
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"sender_id": senderID, "status": status})
}

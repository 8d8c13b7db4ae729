// ABOUTME: Agent-facing HTTP API handlers: register, heartbeat, dequeue, report
// ABOUTME: Registration is gated by one-time codes; the rest by sender secrets

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/relaykit/relay-gateway/internal/auth"
	"github.com/relaykit/relay-gateway/internal/registry"
	"github.com/relaykit/relay-gateway/internal/store"
)

// Report outcome values accepted by POST /api/agents/report.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// RegisterAgentRequest is the JSON request body for POST /api/agents/register.
type RegisterAgentRequest struct {
	DisplayName      string `json:"display_name"`
	Destination      string `json:"destination"`
	Role             string `json:"role"`
	RegistrationCode string `json:"registration_code"`
}

// RegisterAgentResponse is the JSON response for POST /api/agents/register.
// Secret is returned exactly once and never stored in the clear.
type RegisterAgentResponse struct {
	SenderID string `json:"sender_id"`
	Secret   string `json:"secret"`
}

// HeartbeatResponse is the JSON response for POST /api/agents/heartbeat.
type HeartbeatResponse struct {
	Status     string `json:"status"`
	ServerTime string `json:"server_time"`
}

// DequeueRequest is the JSON request body for POST /api/agents/dequeue.
type DequeueRequest struct {
	MaxBatch int `json:"max_batch,omitempty"`
}

// LeasedMessage is one leased message in a dequeue response.
type LeasedMessage struct {
	ID             string `json:"id"`
	Destination    string `json:"destination"`
	Body           string `json:"body"`
	LeaseToken     string `json:"lease_token"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	AttemptCount   int    `json:"attempt_count"`
}

// DequeueResponse is the JSON response for POST /api/agents/dequeue.
// HasMore signals the agent to keep polling without sleeping.
type DequeueResponse struct {
	Messages []LeasedMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// ReportRequest is the JSON request body for POST /api/agents/report.
type ReportRequest struct {
	MessageID   string `json:"message_id"`
	LeaseToken  string `json:"lease_token"`
	Outcome     string `json:"outcome"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// handleAgentRegister handles POST /api/agents/register.
// Unauthenticated by design: the one-time registration code is the
// credential, consumed atomically with the sender insert.
func (g *Gateway) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RegistrationCode == "" {
		g.sendJSONError(w, http.StatusBadRequest, "registration_code is required")
		return
	}

	role := store.SenderRole(req.Role)
	if req.Role == "" {
		role = store.RoleBase
	}

	sender, secret, err := g.registry.Register(r.Context(), req.DisplayName, req.Destination, role, req.RegistrationCode)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrCodeUsed), errors.Is(err, store.ErrCodeExpired):
			// One message for every code failure mode.
			g.sendJSONError(w, http.StatusUnauthorized, "invalid registration code")
		case errors.Is(err, registry.ErrInvalidRole):
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		default:
			g.logger.Error("registration failed", "error", err)
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	g.sendJSON(w, http.StatusCreated, RegisterAgentResponse{
		SenderID: sender.ID,
		Secret:   secret,
	})
}

// handleAgentHeartbeat handles POST /api/agents/heartbeat.
func (g *Gateway) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())
	if err := g.registry.Touch(r.Context(), authCtx.Principal.ID); err != nil {
		g.logger.Error("heartbeat failed", "error", err, "sender_id", authCtx.Principal.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, HeartbeatResponse{
		Status:     "ok",
		ServerTime: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAgentDequeue handles POST /api/agents/dequeue.
// Leases up to max_batch eligible messages for the authenticated sender.
func (g *Gateway) handleAgentDequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	// An empty body means "use the server default batch size".
	var req DequeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msgs, hasMore, err := g.queue.Dequeue(r.Context(), authCtx.Principal.ID, req.MaxBatch)
	if err != nil {
		if errors.Is(err, store.ErrUnknownSender) {
			g.sendJSONError(w, http.StatusForbidden, "sender disabled")
			return
		}
		g.logger.Error("dequeue failed", "error", err, "sender_id", authCtx.Principal.ID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := DequeueResponse{
		Messages: make([]LeasedMessage, len(msgs)),
		HasMore:  hasMore,
	}
	for i, m := range msgs {
		entry := LeasedMessage{
			ID:           m.ID,
			Destination:  m.Destination,
			Body:         m.Body,
			LeaseToken:   m.LeaseToken,
			AttemptCount: m.AttemptCount,
		}
		if m.LeaseExpiresAt != nil {
			entry.LeaseExpiresAt = m.LeaseExpiresAt.Format(time.RFC3339)
		}
		resp.Messages[i] = entry
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// handleAgentReport handles POST /api/agents/report.
func (g *Gateway) handleAgentReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MessageID == "" || req.LeaseToken == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message_id and lease_token are required")
		return
	}
	if req.Outcome != OutcomeSuccess && req.Outcome != OutcomeFailure {
		g.sendJSONError(w, http.StatusBadRequest, "outcome must be success or failure")
		return
	}

	err := g.queue.ReportOutcome(r.Context(), authCtx.Principal.ID, req.MessageID, req.LeaseToken, req.Outcome == OutcomeSuccess, req.ErrorDetail)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	case errors.Is(err, store.ErrInvalidLease):
		g.sendJSONError(w, http.StatusConflict, "invalid or expired lease")
		return
	case err != nil:
		g.logger.Error("report failed", "error", err, "message_id", req.MessageID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

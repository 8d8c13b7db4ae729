// ABOUTME: Requester-facing HTTP API handlers for the gateway
// ABOUTME: Enqueue (single and bulk), sender listing, escalation, cancel, stats

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/relaykit/relay-gateway/internal/auth"
	"github.com/relaykit/relay-gateway/internal/authz"
	"github.com/relaykit/relay-gateway/internal/queue"
	"github.com/relaykit/relay-gateway/internal/store"
)

// EnqueueMessageRequest is the JSON request body for POST /api/messages.
type EnqueueMessageRequest struct {
	SenderID string `json:"sender_id"`
	// Destination defaults to the sender's registered destination address.
	Destination    string `json:"destination,omitempty"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// EnqueueMessageResponse is the JSON response for a single enqueue.
type EnqueueMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// BulkMessage is one entry of a bulk enqueue request.
type BulkMessage struct {
	Destination    string `json:"destination"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// BulkEnqueueRequest is the JSON request body for POST /api/messages/bulk.
type BulkEnqueueRequest struct {
	SenderID string        `json:"sender_id"`
	Messages []BulkMessage `json:"messages"`
}

// BulkEnqueueResult is the per-message outcome of a bulk enqueue.
type BulkEnqueueResult struct {
	MessageID string `json:"message_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkEnqueueResponse is the JSON response for POST /api/messages/bulk.
type BulkEnqueueResponse struct {
	Results  []BulkEnqueueResult `json:"results"`
	Enqueued int                 `json:"enqueued"`
	Failed   int                 `json:"failed"`
}

// SenderResponse is one entry of GET /api/senders.
type SenderResponse struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Destination     string `json:"destination"`
	Role            string `json:"role"`
	IsOnline        bool   `json:"is_online"`
	LastHeartbeatAt string `json:"last_heartbeat_at,omitempty"`
}

// PermissionRequestRequest is the JSON request body for POST /api/permission-requests.
type PermissionRequestRequest struct {
	SenderID string `json:"sender_id"`
	Reason   string `json:"reason,omitempty"`
}

// PermissionRequestResponse is the JSON response for POST /api/permission-requests.
type PermissionRequestResponse struct {
	Status   string `json:"status"`
	Decision string `json:"decision"`
}

// CancelMessageResponse is the JSON response for POST /api/messages/{id}/cancel.
type CancelMessageResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Total  int `json:"total"`
	Queued int `json:"queued"`
	Leased int `json:"leased"`
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// handleMessages handles POST /api/messages.
func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	var req EnqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" || req.Body == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sender_id and body are required")
		return
	}

	target, ok := g.resolveTarget(w, r, authCtx, req.SenderID)
	if !ok {
		return
	}

	if !g.limiterFor(authCtx.Principal.ID).Allow() {
		g.sendJSONError(w, http.StatusTooManyRequests, "enqueue rate limit exceeded")
		return
	}

	destination := req.Destination
	if destination == "" {
		destination = target.DestinationAddress
	}

	result, err := g.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		SenderID:       target.ID,
		Destination:    destination,
		Body:           req.Body,
		RequestedBy:    authCtx.Principal.ID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		g.sendEnqueueError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	g.sendJSON(w, status, EnqueueMessageResponse{
		MessageID: result.Message.ID,
		Status:    result.Message.Status,
		Duplicate: result.Duplicate,
	})
}

// handleBulkEnqueue handles POST /api/messages/bulk.
// Authorization is checked once for the target sender; each message is
// enqueued independently and reported per-entry, so one oversized body
// does not sink the batch.
func (g *Gateway) handleBulkEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	var req BulkEnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" || len(req.Messages) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "sender_id and messages are required")
		return
	}

	target, ok := g.resolveTarget(w, r, authCtx, req.SenderID)
	if !ok {
		return
	}

	if !g.limiterFor(authCtx.Principal.ID).AllowN(time.Now(), len(req.Messages)) {
		g.sendJSONError(w, http.StatusTooManyRequests, "enqueue rate limit exceeded")
		return
	}

	resp := BulkEnqueueResponse{Results: make([]BulkEnqueueResult, len(req.Messages))}
	for i, m := range req.Messages {
		destination := m.Destination
		if destination == "" {
			destination = target.DestinationAddress
		}
		result, err := g.queue.Enqueue(r.Context(), queue.EnqueueRequest{
			SenderID:       target.ID,
			Destination:    destination,
			Body:           m.Body,
			RequestedBy:    authCtx.Principal.ID,
			IdempotencyKey: m.IdempotencyKey,
		})
		if err != nil {
			resp.Results[i] = BulkEnqueueResult{Error: err.Error()}
			resp.Failed++
			continue
		}
		resp.Results[i] = BulkEnqueueResult{
			MessageID: result.Message.ID,
			Duplicate: result.Duplicate,
		}
		resp.Enqueued++
	}

	g.sendJSON(w, http.StatusOK, resp)
}

// resolveTarget loads the target sender and enforces the act-as decision.
// Writes the error response and returns ok=false when the caller may not
// proceed.
func (g *Gateway) resolveTarget(w http.ResponseWriter, r *http.Request, authCtx *auth.AuthContext, senderID string) (*store.Sender, bool) {
	target, err := g.store.GetSender(r.Context(), senderID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "unknown sender")
		return nil, false
	}
	if err != nil {
		g.logger.Error("failed to load sender", "error", err, "sender_id", senderID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}

	decision, err := g.authz.CanActAs(r.Context(), authCtx.Principal, target)
	if err != nil {
		g.logger.Error("authorization check failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return nil, false
	}
	switch decision {
	case authz.Allowed:
		return target, true
	case authz.PendingApproval:
		g.sendJSON(w, http.StatusForbidden, map[string]string{
			"error":    "approval required",
			"decision": decision.String(),
		})
		return nil, false
	default:
		g.sendJSONError(w, http.StatusForbidden, "not permitted to act as this sender")
		return nil, false
	}
}

// sendEnqueueError maps queue errors onto HTTP statuses.
func (g *Gateway) sendEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrMessageTooLarge):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, store.ErrUnknownSender):
		g.sendJSONError(w, http.StatusNotFound, "unknown or disabled sender")
	default:
		g.logger.Error("enqueue failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// handleListSenders handles GET /api/senders.
// Returns enabled senders with liveness derived from last heartbeat.
func (g *Gateway) handleListSenders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	infos, err := g.registry.ListAvailable(r.Context())
	if err != nil {
		g.logger.Error("failed to list senders", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := make([]SenderResponse, 0, len(infos))
	for _, info := range infos {
		entry := SenderResponse{
			ID:          info.Sender.ID,
			DisplayName: info.Sender.DisplayName,
			Destination: info.Sender.DestinationAddress,
			Role:        string(info.Sender.Role),
			IsOnline:    info.Online,
		}
		if info.Sender.LastHeartbeatAt != nil {
			entry.LastHeartbeatAt = info.Sender.LastHeartbeatAt.Format(time.RFC3339)
		}
		response = append(response, entry)
	}

	g.sendJSON(w, http.StatusOK, response)
}

// handlePermissionRequest handles POST /api/permission-requests.
// Records an escalation request after a PendingApproval outcome. The request
// is surfaced to operators through the structured log; no durable state.
func (g *Gateway) handlePermissionRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	var req PermissionRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SenderID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sender_id is required")
		return
	}

	target, err := g.store.GetSender(r.Context(), req.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "unknown sender")
		return
	}
	if err != nil {
		g.logger.Error("failed to load sender", "error", err, "sender_id", req.SenderID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	decision, err := g.authz.CanActAs(r.Context(), authCtx.Principal, target)
	if err != nil {
		g.logger.Error("authorization check failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.logger.Info("permission escalation requested",
		"principal_id", authCtx.Principal.ID,
		"principal_role", authCtx.Principal.Role,
		"target_sender_id", target.ID,
		"target_role", target.Role,
		"decision", decision.String(),
		"reason", req.Reason,
	)

	g.sendJSON(w, http.StatusAccepted, PermissionRequestResponse{
		Status:   "recorded",
		Decision: decision.String(),
	})
}

// handleMessageByID routes /api/messages/{id}/cancel.
func (g *Gateway) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/messages/")
	if strings.HasSuffix(path, "/cancel") {
		g.handleCancelMessage(w, r, strings.TrimSuffix(path, "/cancel"))
		return
	}
	g.sendJSONError(w, http.StatusNotFound, "not found")
}

// handleCancelMessage handles POST /api/messages/{id}/cancel.
// Queued messages are finalized immediately; leased messages get a deferred
// cancel flag applied when the lease resolves.
func (g *Gateway) handleCancelMessage(w http.ResponseWriter, r *http.Request, messageID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if messageID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message id is required")
		return
	}

	authCtx := auth.MustFromContext(r.Context())

	msg, err := g.queue.Get(r.Context(), messageID)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load message", "error", err, "message_id", messageID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Cancelling requires the same act-as permission as enqueueing did.
	if _, ok := g.resolveTarget(w, r, authCtx, msg.SenderID); !ok {
		return
	}

	if err := g.queue.Cancel(r.Context(), messageID); err != nil {
		if errors.Is(err, store.ErrCancelNotEligible) {
			g.sendJSONError(w, http.StatusConflict, "message already terminal")
			return
		}
		g.logger.Error("cancel failed", "error", err, "message_id", messageID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	updated, err := g.queue.Get(r.Context(), messageID)
	if err != nil {
		g.logger.Error("failed to reload message", "error", err, "message_id", messageID)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, CancelMessageResponse{
		MessageID: updated.ID,
		Status:    updated.Status,
	})
}

// handleStats handles GET /api/stats, optionally filtered by ?sender_id=.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := g.queue.Stats(r.Context(), r.URL.Query().Get("sender_id"))
	if err != nil {
		g.logger.Error("failed to load stats", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sendJSON(w, http.StatusOK, StatsResponse{
		Total:  stats.Total,
		Queued: stats.Queued,
		Leased: stats.Leased,
		Sent:   stats.Sent,
		Failed: stats.Failed,
	})
}

// sendJSON writes a JSON response with the given status.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

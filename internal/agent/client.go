// ABOUTME: HTTP client for the gateway's agent API
// ABOUTME: Register, heartbeat, dequeue, and report with sender-secret auth

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrUnauthorized is returned when the gateway rejects the agent's credentials.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInvalidLease is returned when the gateway rejects an outcome report
// because the lease is stale or owned by someone else.
var ErrInvalidLease = errors.New("invalid or expired lease")

// senderIDHeader carries the sender identity on agent API calls.
const senderIDHeader = "X-Sender-ID"

// Credentials identify an agent to the gateway.
type Credentials struct {
	SenderID string
	Secret   string
}

// LeasedMessage is one message leased from the gateway.
type LeasedMessage struct {
	ID             string `json:"id"`
	Destination    string `json:"destination"`
	Body           string `json:"body"`
	LeaseToken     string `json:"lease_token"`
	LeaseExpiresAt string `json:"lease_expires_at"`
	AttemptCount   int    `json:"attempt_count"`
}

// Client talks to the gateway's agent API over HTTP.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
}

// NewClient creates a gateway client. Credentials may be empty until
// Register or SetCredentials is called.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetCredentials installs previously issued credentials.
func (c *Client) SetCredentials(creds Credentials) {
	c.creds = creds
}

// registerRequest mirrors the gateway's registration body.
type registerRequest struct {
	DisplayName      string `json:"display_name"`
	Destination      string `json:"destination"`
	Role             string `json:"role"`
	RegistrationCode string `json:"registration_code"`
}

// registerResponse mirrors the gateway's registration response.
type registerResponse struct {
	SenderID string `json:"sender_id"`
	Secret   string `json:"secret"`
}

// Register performs the one-time code handshake and installs the issued
// credentials on the client. The secret is only ever returned here; the
// caller must persist it.
func (c *Client) Register(ctx context.Context, displayName, destination, role, regCode string) (*Credentials, error) {
	var resp registerResponse
	err := c.doJSON(ctx, "/api/agents/register", registerRequest{
		DisplayName:      displayName,
		Destination:      destination,
		Role:             role,
		RegistrationCode: regCode,
	}, &resp, false)
	if err != nil {
		return nil, err
	}

	c.creds = Credentials{SenderID: resp.SenderID, Secret: resp.Secret}
	return &c.creds, nil
}

// Heartbeat reports liveness to the gateway.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.doJSON(ctx, "/api/agents/heartbeat", struct{}{}, nil, true)
}

// dequeueRequest mirrors the gateway's dequeue body.
type dequeueRequest struct {
	MaxBatch int `json:"max_batch,omitempty"`
}

// dequeueResponse mirrors the gateway's dequeue response.
type dequeueResponse struct {
	Messages []LeasedMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// Dequeue leases up to maxBatch messages. The second return value is the
// gateway's has_more flag; while it is true the caller should keep
// dequeuing without sleeping.
func (c *Client) Dequeue(ctx context.Context, maxBatch int) ([]LeasedMessage, bool, error) {
	var resp dequeueResponse
	if err := c.doJSON(ctx, "/api/agents/dequeue", dequeueRequest{MaxBatch: maxBatch}, &resp, true); err != nil {
		return nil, false, err
	}
	return resp.Messages, resp.HasMore, nil
}

// reportRequest mirrors the gateway's report body.
type reportRequest struct {
	MessageID   string `json:"message_id"`
	LeaseToken  string `json:"lease_token"`
	Outcome     string `json:"outcome"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Report sends a delivery outcome for a leased message.
func (c *Client) Report(ctx context.Context, messageID, leaseToken string, success bool, errorDetail string) error {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	return c.doJSON(ctx, "/api/agents/report", reportRequest{
		MessageID:   messageID,
		LeaseToken:  leaseToken,
		Outcome:     outcome,
		ErrorDetail: errorDetail,
	}, nil, true)
}

// errorResponse is the gateway's JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
}

// doJSON posts a JSON body and decodes a JSON response. With authed set,
// the sender credentials are attached.
func (c *Client) doJSON(ctx context.Context, path string, body, out any, authed bool) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set(senderIDHeader, c.creds.SenderID)
		req.Header.Set("Authorization", "Bearer "+c.creds.Secret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			if apiErr.Error != "" {
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Error)
			}
			return ErrUnauthorized
		case http.StatusConflict:
			if apiErr.Error != "" {
				return fmt.Errorf("%w: %s", ErrInvalidLease, apiErr.Error)
			}
			return ErrInvalidLease
		default:
			if apiErr.Error != "" {
				return fmt.Errorf("%s: %s (status %d)", path, apiErr.Error, resp.StatusCode)
			}
			return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

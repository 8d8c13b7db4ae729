// ABOUTME: HTTP middleware for requester JWT auth and agent secret auth
// ABOUTME: Attaches AuthContext to the request context for handlers

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/relaykit/relay-gateway/internal/store"
)

// SenderIDHeader carries the sender identity on agent API calls.
const SenderIDHeader = "X-Sender-ID"

// PrincipalStore is the slice of the store requester auth needs.
type PrincipalStore interface {
	GetSender(ctx context.Context, id string) (*store.Sender, error)
}

// AgentAuthenticator verifies an agent's sender secret.
type AgentAuthenticator interface {
	Authenticate(ctx context.Context, senderID, secret string) (*store.Sender, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// RequireRequester creates middleware that validates a requester JWT and
// loads the principal's sender row into the request context.
func RequireRequester(principals PrincipalStore, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			principal, err := principals.GetSender(r.Context(), principalID)
			if err != nil {
				http.Error(w, `{"error":"unknown principal"}`, http.StatusUnauthorized)
				return
			}
			if principal.Disabled {
				http.Error(w, `{"error":"principal disabled"}`, http.StatusForbidden)
				return
			}

			authCtx := &AuthContext{Principal: principal}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAgent creates middleware that authenticates agent API calls with
// the X-Sender-ID header and a bearer sender secret.
func RequireAgent(agents AgentAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			senderID := r.Header.Get(SenderIDHeader)
			if senderID == "" {
				http.Error(w, `{"error":"missing `+SenderIDHeader+` header"}`, http.StatusUnauthorized)
				return
			}

			secret, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			sender, err := agents.Authenticate(r.Context(), senderID, secret)
			if err != nil {
				// One message for every failure mode; never hint at
				// which part was wrong.
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{Principal: sender, Agent: true}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdmin creates middleware that requires the admin role.
// Must be used after RequireRequester.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}
			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

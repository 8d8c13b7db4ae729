// ABOUTME: Shared test fixtures for gateway HTTP handler tests
// ABOUTME: Builds a gateway on a temp database and seeds senders through the registry

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/relay-gateway/internal/auth"
	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/store"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return newTestGatewayWithConfig(t, func(*config.Config) {})
}

func newTestGatewayWithConfig(t *testing.T, tweak func(*config.Config)) *Gateway {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "localhost:0"},
		Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "test.db")},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
	}
	tweak(cfg)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { gw.store.Close() })

	return gw
}

var testSenderSeq int

// seedSender registers a sender through the normal registration path and
// returns the sender row plus its clear secret.
func seedSender(t *testing.T, gw *Gateway, name string, role store.SenderRole) (*store.Sender, string) {
	t.Helper()

	testSenderSeq++
	code := fmt.Sprintf("seed-code-%d-%d", time.Now().UnixNano(), testSenderSeq)
	rc := &store.RegistrationCode{
		ID:        "rc-" + code,
		Code:      code,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, gw.store.CreateRegistrationCode(context.Background(), rc))

	sender, secret, err := gw.registry.Register(context.Background(), name, name+"@example.com", role, code)
	require.NoError(t, err)
	return sender, secret
}

// asRequester attaches a requester auth context to the request.
func asRequester(r *http.Request, principal *store.Sender) *http.Request {
	authCtx := &auth.AuthContext{Principal: principal}
	return r.WithContext(auth.WithAuth(r.Context(), authCtx))
}

// asAgent attaches an agent auth context to the request.
func asAgent(r *http.Request, sender *store.Sender) *http.Request {
	authCtx := &auth.AuthContext{Principal: sender, Agent: true}
	return r.WithContext(auth.WithAuth(r.Context(), authCtx))
}

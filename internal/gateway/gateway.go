// ABOUTME: Gateway orchestrator that wires the store, services, and HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/relaykit/relay-gateway/internal/auth"
	"github.com/relaykit/relay-gateway/internal/authz"
	"github.com/relaykit/relay-gateway/internal/config"
	"github.com/relaykit/relay-gateway/internal/liveness"
	"github.com/relaykit/relay-gateway/internal/queue"
	"github.com/relaykit/relay-gateway/internal/registry"
	"github.com/relaykit/relay-gateway/internal/store"
)

// Default per-principal enqueue rate limit, used when config leaves it zero.
const (
	defaultRatePerSecond = 5
	defaultRateBurst     = 10
)

// Gateway orchestrates the relay-gateway server components.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Service
	queue       *queue.Service
	authz       *authz.Engine
	liveness    *liveness.Tracker
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// limiters holds one token bucket per principal for enqueue calls.
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	ratePerSec rate.Limit
	rateBurst  int
}

// initStore creates and returns a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// queueOptions maps queue policy config onto queue service options.
// Zero values fall through to the queue package defaults.
func queueOptions(cfg *config.Config) queue.Options {
	return queue.Options{
		MaxBodyChars:      cfg.Queue.MaxBodyChars,
		IdempotencyWindow: cfg.Queue.IdempotencyWindow,
		LeaseDuration:     cfg.Queue.LeaseDuration,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BackoffBase:       cfg.Queue.BackoffBase,
		StaleAge:          cfg.Queue.StaleAge,
		MaxBatch:          cfg.Queue.MaxBatch,
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	tracker := liveness.NewTracker(cfg.Senders.OfflineThreshold)
	reg := registry.New(s, tracker)
	qsvc := queue.New(s, queueOptions(cfg))
	engine := authz.NewEngine(s)

	perSec := rate.Limit(cfg.RateLimit.PerSecond)
	burst := cfg.RateLimit.Burst
	if perSec <= 0 {
		perSec = defaultRatePerSecond
	}
	if burst <= 0 {
		burst = defaultRateBurst
	}

	gw := &Gateway{
		config:     cfg,
		store:      s,
		registry:   reg,
		queue:      qsvc,
		authz:      engine,
		liveness:   tracker,
		logger:     logger.With("component", "gateway"),
		limiters:   make(map[string]*rate.Limiter),
		ratePerSec: perSec,
		rateBurst:  burst,
	}

	gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", gw.handleHealth)
	gw.registerRequesterRoutes(mux)
	gw.registerAdminRoutes(mux)
	gw.registerAgentRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// registerRequesterRoutes attaches the requester API behind JWT auth.
func (g *Gateway) registerRequesterRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/api/messages":            g.handleMessages,
		"/api/messages/":           g.handleMessageByID,
		"/api/messages/bulk":       g.handleBulkEnqueue,
		"/api/senders":             g.handleListSenders,
		"/api/permission-requests": g.handlePermissionRequest,
		"/api/stats":               g.handleStats,
	}

	mw := auth.RequireRequester(g.store, g.verifier)
	for path, h := range routes {
		mux.Handle(path, mw(h))
	}
}

// registerAdminRoutes attaches the admin API behind JWT auth plus the
// admin role check.
func (g *Gateway) registerAdminRoutes(mux *http.ServeMux) {
	routes := map[string]http.HandlerFunc{
		"/api/admin/registration-codes": g.handleAdminCodes,
		"/api/admin/grants":             g.handleAdminGrants,
		"/api/admin/senders/":           g.handleAdminSenderByID,
	}

	requester := auth.RequireRequester(g.store, g.verifier)
	admin := auth.RequireAdmin()
	for path, h := range routes {
		mux.Handle(path, requester(admin(h)))
	}
}

// registerAgentRoutes attaches the agent API. Registration is the only
// unauthenticated agent endpoint; it is gated by one-time codes instead.
func (g *Gateway) registerAgentRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/agents/register", g.handleAgentRegister)

	mw := auth.RequireAgent(g.registry)
	mux.Handle("/api/agents/heartbeat", mw(http.HandlerFunc(g.handleAgentHeartbeat)))
	mux.Handle("/api/agents/dequeue", mw(http.HandlerFunc(g.handleAgentDequeue)))
	mux.Handle("/api/agents/report", mw(http.HandlerFunc(g.handleAgentReport)))
}

// limiterFor returns the enqueue rate limiter for a principal, creating it
// on first use.
func (g *Gateway) limiterFor(principalID string) *rate.Limiter {
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()

	if lim, ok := g.limiters[principalID]; ok {
		return lim
	}
	lim := rate.NewLimiter(g.ratePerSec, g.rateBurst)
	g.limiters[principalID] = lim
	return lim
}

// setupTCPListener creates a standard TCP listener for the HTTP server.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates a listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener. With cert_file/key_file
// configured it uses those; otherwise Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if tsCfg.CertFile != "" && tsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
		if err != nil {
			_ = ln.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("loading TLS cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	} else {
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		tlsCfg.GetCertificate = lc.GetCertificate
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

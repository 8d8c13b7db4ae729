// ABOUTME: Agent delivery loop: poll the gateway, deliver, report outcomes
// ABOUTME: Drains while has_more, heartbeats on a timer, suppresses re-delivery

package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relay-gateway/internal/dedupe"
)

// State names the phases of the delivery loop.
type State string

const (
	StateStarting    State = "starting"
	StateRegistering State = "registering"
	StatePolling     State = "polling"
	StateDelivering  State = "delivering"
	StateStopped     State = "stopped"
)

// Default loop timings.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxBatch          = 10
)

// report retry schedule: outcomes that cannot be reported are retried a
// few times, then the lease is allowed to expire and re-lease.
const (
	reportRetries = 3
	reportBackoff = 500 * time.Millisecond
)

// deliveredCacheSize bounds the local suppression cache.
const deliveredCacheSize = 10_000

// GatewayClient is the slice of the client the runner needs.
type GatewayClient interface {
	Heartbeat(ctx context.Context) error
	Dequeue(ctx context.Context, maxBatch int) ([]LeasedMessage, bool, error)
	Report(ctx context.Context, messageID, leaseToken string, success bool, errorDetail string) error
}

// RunnerOptions tunes the delivery loop. Zero values use the defaults.
type RunnerOptions struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxBatch          int
}

// Runner drives the poll/deliver/report loop for one agent.
type Runner struct {
	client   GatewayClient
	executor Executor
	opts     RunnerOptions

	// delivered suppresses re-execution when a lost report causes the
	// gateway to re-lease a message this process already delivered.
	delivered *dedupe.Cache

	mu    sync.Mutex
	state State

	logger *slog.Logger
}

// NewRunner creates a delivery runner.
func NewRunner(client GatewayClient, executor Executor, opts RunnerOptions) *Runner {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = DefaultMaxBatch
	}
	return &Runner{
		client:    client,
		executor:  executor,
		opts:      opts,
		delivered: dedupe.New(5*time.Minute, deliveredCacheSize),
		state:     StateStarting,
		logger:    slog.Default().With("component", "runner"),
	}
}

// State returns the runner's current phase.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run drives the loop until the context is canceled. The first heartbeat
// doubles as a credential check; a rejected credential stops the runner.
func (r *Runner) Run(ctx context.Context) error {
	defer r.setState(StateStopped)
	defer r.delivered.Close()

	r.setState(StateRegistering)
	if err := r.client.Heartbeat(ctx); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		// The gateway may simply be down; keep going and let the
		// heartbeat timer retry.
		r.logger.Warn("initial heartbeat failed", "error", err)
	}

	r.setState(StatePolling)
	r.logger.Info("delivery loop started",
		"poll_interval", r.opts.PollInterval,
		"heartbeat_interval", r.opts.HeartbeatInterval,
		"max_batch", r.opts.MaxBatch,
	)

	pollTicker := time.NewTicker(r.opts.PollInterval)
	defer pollTicker.Stop()
	heartbeatTicker := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	// Drain once immediately rather than waiting a full poll interval.
	r.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("delivery loop stopping")
			return nil
		case <-heartbeatTicker.C:
			if err := r.client.Heartbeat(ctx); err != nil {
				r.logger.Warn("heartbeat failed", "error", err)
			}
		case <-pollTicker.C:
			r.drain(ctx)
		}
	}
}

// drain leases and delivers batches until the gateway reports no backlog.
func (r *Runner) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, hasMore, err := r.client.Dequeue(ctx, r.opts.MaxBatch)
		if err != nil {
			r.logger.Warn("dequeue failed", "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}

		r.setState(StateDelivering)
		for _, msg := range msgs {
			if ctx.Err() != nil {
				r.setState(StatePolling)
				return
			}
			r.deliverOne(ctx, msg)
		}
		r.setState(StatePolling)

		if !hasMore {
			return
		}
	}
}

// deliverOne executes a single leased message and reports its outcome.
func (r *Runner) deliverOne(ctx context.Context, msg LeasedMessage) {
	if r.delivered.Seen(msg.ID) {
		// Already delivered by this process; the earlier report was
		// lost. Report success without sending again.
		r.logger.Info("suppressing re-delivery", "message_id", msg.ID)
		r.report(ctx, msg, true, "")
		return
	}

	result := r.executor.Deliver(ctx, msg.Destination, msg.Body)
	switch result.Outcome {
	case OutcomeSuccess:
		r.delivered.Remember(msg.ID)
		r.report(ctx, msg, true, "")
	default:
		r.logger.Warn("delivery failed",
			"message_id", msg.ID,
			"outcome", result.Outcome.String(),
			"detail", result.Detail,
		)
		r.report(ctx, msg, false, result.Detail)
	}
}

// report sends an outcome with bounded retries. If every attempt fails the
// lease is left to expire; the gateway will re-lease and the delivered
// cache prevents a double send.
func (r *Runner) report(ctx context.Context, msg LeasedMessage, success bool, detail string) {
	backoff := reportBackoff
	for attempt := 1; attempt <= reportRetries; attempt++ {
		err := r.client.Report(ctx, msg.ID, msg.LeaseToken, success, detail)
		if err == nil {
			return
		}
		if errors.Is(err, ErrInvalidLease) {
			// Lease already expired or re-leased elsewhere; nothing
			// useful to retry.
			r.logger.Warn("report rejected, lease stale", "message_id", msg.ID)
			return
		}
		r.logger.Warn("report failed", "message_id", msg.ID, "attempt", attempt, "error", err)
		if attempt == reportRetries {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

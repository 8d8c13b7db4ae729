// ABOUTME: Delivery executors: the interface and the default command executor
// ABOUTME: Maps process exit codes onto transient vs permanent failures

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Outcome classifies a delivery attempt.
type Outcome int

const (
	// OutcomeSuccess means the message was handed to the delivery channel.
	OutcomeSuccess Outcome = iota
	// OutcomeTransientFailure means the attempt failed but retrying may
	// succeed (timeouts, busy channel).
	OutcomeTransientFailure
	// OutcomePermanentFailure means retrying is pointless (bad address,
	// rejected content).
	OutcomePermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is the outcome of one delivery attempt.
type Result struct {
	Outcome Outcome
	// Detail carries the failure reason for reporting; empty on success.
	Detail string
}

// Executor performs the actual delivery of one message.
type Executor interface {
	Deliver(ctx context.Context, destination, body string) Result
}

// Exit code signalling a transient failure, after sysexits EX_TEMPFAIL.
const exitTempFail = 75

// DefaultDeliverTimeout bounds a single delivery attempt.
const DefaultDeliverTimeout = 30 * time.Second

// CommandExecutor delivers by running a configured command with the
// destination and body appended as the final two arguments.
type CommandExecutor struct {
	Command string
	Args    []string
	// Timeout bounds one attempt; zero means DefaultDeliverTimeout.
	Timeout time.Duration

	logger *slog.Logger
}

// NewCommandExecutor creates an executor that shells out to command.
func NewCommandExecutor(command string, args []string, timeout time.Duration) *CommandExecutor {
	if timeout <= 0 {
		timeout = DefaultDeliverTimeout
	}
	return &CommandExecutor{
		Command: command,
		Args:    args,
		Timeout: timeout,
		logger:  slog.Default().With("component", "executor"),
	}
}

// Deliver runs the command under a bounded timeout. Exit code 75
// (EX_TEMPFAIL) and timeouts are transient; any other non-zero exit is
// permanent.
func (e *CommandExecutor) Deliver(ctx context.Context, destination, body string) Result {
	runCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	args := append(append([]string{}, e.Args...), destination, body)
	cmd := exec.CommandContext(runCtx, e.Command, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return Result{Outcome: OutcomeSuccess}
	}

	detail := strings.TrimSpace(string(output))
	if detail == "" {
		detail = err.Error()
	}

	if runCtx.Err() != nil {
		e.logger.Warn("delivery timed out", "destination", destination, "timeout", e.Timeout)
		return Result{Outcome: OutcomeTransientFailure, Detail: "delivery timed out: " + detail}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail {
		return Result{Outcome: OutcomeTransientFailure, Detail: detail}
	}

	return Result{Outcome: OutcomePermanentFailure, Detail: detail}
}

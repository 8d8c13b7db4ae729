// Package agent implements the delivery coordinator that runs next to the
// delivery channel and drains the gateway's queue.
//
// # Overview
//
// The agent authenticates as one registered sender and loops:
//
//  1. Heartbeat on a timer so the gateway derives it as online.
//  2. Dequeue a leased batch of messages for its sender.
//  3. Hand each message to an Executor under a bounded timeout.
//  4. Report success or failure with the lease token.
//
// While the gateway reports has_more, the loop keeps draining without
// sleeping; otherwise it waits one poll interval.
//
// # States
//
//	starting → registering → polling ⇄ delivering → stopped
//
// The registering phase is the initial heartbeat, which doubles as a
// credential check. A rejected credential stops the runner; an unreachable
// gateway does not.
//
// # Executors
//
// Executor is the seam between the loop and the actual delivery channel:
//
//	type Executor interface {
//	    Deliver(ctx context.Context, destination, body string) Result
//	}
//
// CommandExecutor, the default, shells out to a configured command with
// the destination and body as the final two arguments. Exit code 75
// (EX_TEMPFAIL) and timeouts count as transient failures.
//
// # Re-delivery suppression
//
// If an outcome report is lost, the gateway re-leases the message after
// the lease expires. The runner keeps a TTL cache of message IDs it has
// delivered and reports success for a re-leased ID without sending the
// message a second time.
package agent

// Package gateway wires the relay-gateway server together: the SQLite
// store, sender registry, authorization engine, and message queue behind
// a single HTTP surface.
//
// # Overview
//
// Two audiences share the server:
//
//   - Requesters (operators, tooling) authenticate with a JWT bearer
//     token and enqueue messages, list senders, request escalations,
//     cancel messages, and read queue stats.
//   - Agents authenticate with their sender secret plus the X-Sender-ID
//     header and register, heartbeat, dequeue leased batches, and report
//     delivery outcomes.
//
// # Endpoints
//
// Requester API (JWT bearer):
//
//	POST /api/messages                 enqueue one message
//	POST /api/messages/bulk            enqueue a batch
//	GET  /api/senders                  enabled senders with liveness
//	POST /api/permission-requests      record an escalation request
//	POST /api/messages/{id}/cancel     cancel a queued/leased message
//	GET  /api/stats                    queue depth by status
//
// Admin API (JWT bearer, admin role):
//
//	POST   /api/admin/registration-codes   mint a one-time code
//	POST   /api/admin/grants               create an act-as grant
//	DELETE /api/admin/grants               remove an act-as grant
//	POST   /api/admin/senders/{id}/disable soft-disable a sender
//	POST   /api/admin/senders/{id}/enable  re-enable a sender
//
// Agent API (sender secret bearer + X-Sender-ID):
//
//	POST /api/agents/register          one-time code handshake
//	POST /api/agents/heartbeat         liveness signal
//	POST /api/agents/dequeue           lease a batch, has_more pagination
//	POST /api/agents/report            success/failure with lease token
//
// GET /healthz requires no auth.
//
// # Listeners
//
// The server binds a plain TCP listener by default. With tailscale
// enabled it joins the tailnet via tsnet instead, optionally serving
// TLS or a public Funnel.
package gateway

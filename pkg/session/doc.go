// Package session composes the transport selector, correlator and
// crypto context into the per-device unit of lifecycle.
//
// A Session owns zero-or-one local channel and a registration on the
// account's shared cloud channel, and moves through:
//
//	Unattached → Connecting → Ready(Local|Cloud|Both) → Reconnecting → Closed
//
// Outgoing commands prefer the local channel while it is Connected,
// fall back to the cloud channel, use a Degraded local channel as a
// last resort, and fail immediately with ErrUnreachable when nothing is
// usable. Inbound messages are handed to the correlator by request id
// regardless of which channel delivered them: a request sent locally
// may legitimately be answered through the cloud during a failover
// window, and the correlator's single-resolution guard absorbs the
// duplicate when both channels eventually answer.
//
// The Manager owns many sessions, the shared cloud channel, and the
// periodic sweep that retries or expires overdue requests across all
// of them.
package session

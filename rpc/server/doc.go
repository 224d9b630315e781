// Package server implements the sync server: it accepts WebSocket
// connections, runs the server side of the handshake and attaches every
// joined room to its session in the session.Registry.
//
// Key Components:
//
//   - SyncServer: owns the transport, the registry and the authenticator.
//     One goroutine per connection reads messages and hands them to the
//     session of the addressed room. Sessions answer through the roomPeer
//     of the connection, which never blocks the session goroutine: a
//     connection whose send queue is full is closed as a slow consumer.
//
//   - Open: builds a complete server from a common.ServerConfig, selecting
//     the storage backend (memory, badger, postgres), the optional Redis
//     relay and the authenticator (JWT or allow-all).
//
// Handshake per room:
//
//	AUTH{docId, token, clientId}
//	  -> room id invalid or token rejected: AUTH_REJECTED, connection closed
//	  -> AUTH_OK{ok = bootstrap granted}
//	SYNC_STEP_1 / SYNC_STEP_2 / UPDATE / AWARENESS / QUERY_AWARENESS
//	  -> forwarded to the session, errors answered with ERROR
//
// Awareness messages are rate limited per connection (golang.org/x/time/rate),
// excess messages are dropped silently since the next one supersedes them.
//
// Metrics are registered with VictoriaMetrics/metrics and served on /metrics
// by the WebSocket transport.
package server

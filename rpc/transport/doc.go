// Package transport defines the connection abstraction used by the sync
// server and the client provider. Implementations deliver whole messages
// (already serialized by rpc/serializer) in order and in both directions.
//
// Key Components:
//
//   - IConn: One message stream with a non-blocking Send backed by a bounded
//     queue, a blocking Receive and an idempotent Close.
//
//   - IServerTransport: Accepts connections and calls the registered
//     ConnHandler for each of them.
//
//   - IClientTransport: Dials a server.
//
// The ws sub package implements the interfaces with WebSockets.
package transport

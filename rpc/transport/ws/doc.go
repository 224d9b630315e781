/*
Package ws implements the transport interfaces with WebSockets (gorilla/websocket).

Every connection owns a reader and a writer goroutine. Send only enqueues into
a bounded queue; when the queue overflows the connection is closed at once, so
a slow consumer can never stall a session. The writer pings the peer every
PingInterval and the reader drops the connection if nothing, not even a pong,
arrived within two intervals.

The server transport routes with gorilla/mux:

	GET /ws       WebSocket upgrade, then the registered ConnHandler
	GET /health   {"status": "ok", "connections": n}
	GET /metrics  Prometheus exposition (VictoriaMetrics/metrics)

Close flushes the queued messages before sending the close frame, so a final
message like AUTH_REJECTED reaches the peer.
*/
package ws

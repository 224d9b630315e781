package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/common"
)

var (
	// ErrConnClosed is returned by Send and Receive after the connection was closed.
	ErrConnClosed = syncerr.New(syncerr.KindTransportLost, "connection closed")

	// ErrSendQueueFull is returned by Send when the peer does not read fast
	// enough. The connection is closed.
	ErrSendQueueFull = errors.New("send queue full")
)

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// IConn is one bidirectional, message oriented stream. Send and Receive may
// be called concurrently with each other and with Close.
type IConn interface {
	// ID uniquely identifies the connection within the process.
	ID() string
	// Send queues a serialized message and never blocks. If the send queue is
	// full the connection is closed and ErrSendQueueFull is returned.
	Send(data []byte) error
	// Receive blocks until the next message arrives, ctx is done or the
	// connection is closed.
	Receive(ctx context.Context) ([]byte, error)
	// Close flushes the queued messages and closes the connection. It is
	// safe to call Close more than once.
	Close() error
	// Done is closed once the connection is closed.
	Done() <-chan struct{}
}

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// ConnHandler serves one accepted connection. The transport closes the
// connection after the handler returned.
type ConnHandler func(conn IConn)

// IServerTransport accepts connections and hands them to the registered handler.
type IServerTransport interface {
	// RegisterHandler registers the handler for accepted connections.
	// It must be called before Listen.
	RegisterHandler(handler ConnHandler)
	// Handler returns the http handler of the transport, e.g. for tests.
	Handler() http.Handler
	// Listen serves on config.Endpoint until Shutdown is called.
	Listen(config common.ServerConfig) error
	// Shutdown stops accepting connections and closes the open ones.
	Shutdown(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// IClientTransport opens connections to a server.
type IClientTransport interface {
	// Dial connects to endpoint.
	Dial(ctx context.Context, endpoint string) (IConn, error)
}

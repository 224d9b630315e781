package server

import (
	"context"
	"errors"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/lib/auth"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/session"
	"github.com/ValentinKolb/dSync/lib/storage"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("server")

var (
	connsActive       = metrics.GetOrCreateCounter("dsync_server_connections_active")
	handshakes        = metrics.GetOrCreateCounter("dsync_handshakes_total")
	handshakeRejected = metrics.GetOrCreateCounter("dsync_handshakes_rejected_total")
	handshakeDuration = metrics.GetOrCreateHistogram("dsync_handshake_duration_seconds")
	awarenessDropped  = metrics.GetOrCreateCounter("dsync_awareness_dropped_total")
	badMessages       = metrics.GetOrCreateCounter("dsync_bad_messages_total")
	slowConsumers     = metrics.GetOrCreateCounter("dsync_server_slow_consumers_total")
)

// NewSyncServer creates a sync server on top of a session registry.
// It registers its connection handler at the transport, so the transport's
// http handler can be served right away (e.g. with httptest).
//
// Usage:
//
//	s := server.NewSyncServer(
//		config,
//		ws.NewServerTransport(ws.DefaultOptions()),
//		serializer.NewBinarySerializer(),
//		session.NewRegistry(session.DefaultConfig(), mstore.New(), nil),
//		auth.NewAllowAll(),
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewSyncServer(
	config common.ServerConfig,
	transport transport.IServerTransport,
	serializer serializer.IRPCSerializer,
	registry *session.Registry,
	authenticator auth.IAuthenticator,
) *SyncServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	s := &SyncServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		registry:   registry,
		auth:       authenticator,
		conns:      xsync.NewMapOf[string, *connection](),
	}
	s.transport.RegisterHandler(s.serveConn)
	return s
}

// SyncServer accepts client connections, authenticates them and attaches
// them to the sessions of the rooms they join.
type SyncServer struct {
	config     common.ServerConfig
	transport  transport.IServerTransport
	serializer serializer.IRPCSerializer
	registry   *session.Registry
	auth       auth.IAuthenticator
	conns      *xsync.MapOf[string, *connection]

	// owned collaborators, closed on Shutdown (set by Open)
	storage storage.IDocStorage
	relay   relay.IRelay
}

// Serve listens on the configured endpoint until Shutdown is called.
func (s *SyncServer) Serve() error {
	Logger.Infof("Created sync server")
	Logger.Infof(s.config.String())
	return s.transport.Listen(s.config)
}

// Registry returns the session registry of the server.
func (s *SyncServer) Registry() *session.Registry {
	return s.registry
}

// Connections returns the number of open connections.
func (s *SyncServer) Connections() int {
	return s.conns.Size()
}

// Shutdown closes all connections, flushes every session and closes the
// owned storage and relay.
func (s *SyncServer) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.transport.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.storage != nil {
		if err := s.storage.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// --------------------------------------------------------------------------
// Connection Handling
// --------------------------------------------------------------------------

// serveConn is the transport.ConnHandler of the server.
func (s *SyncServer) serveConn(conn transport.IConn) {
	c := newConnection(s, conn)
	s.conns.Store(conn.ID(), c)
	connsActive.Inc()
	defer func() {
		c.leaveAll()
		s.conns.Delete(conn.ID())
		connsActive.Dec()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			Logger.Debugf("conn %s: %v", conn.ID(), err)
			return
		}

		var msg common.Message
		if err := s.serializer.Deserialize(data, &msg); err != nil {
			badMessages.Inc()
			Logger.Warningf("conn %s: undecodable message: %v", conn.ID(), err)
			c.sendError("", err)
			continue
		}

		if !c.handle(ctx, &msg) {
			return
		}
	}
}

func (s *SyncServer) timeout() time.Duration {
	if s.config.TimeoutSecond <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.config.TimeoutSecond) * time.Second
}

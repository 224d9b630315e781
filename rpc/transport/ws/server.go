package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
)

// NewServerTransport creates a WebSocket server transport serving
//
//	GET /ws       the sync protocol
//	GET /health   liveness and the number of open connections
//	GET /metrics  Prometheus exposition of all metrics
func NewServerTransport(opts Options) transport.IServerTransport {
	t := &serverTransport{
		opts:  opts.withDefaults(),
		conns: xsync.NewMapOf[string, *wsConn](),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// rooms are protected by tokens, not by origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	t.router = mux.NewRouter()
	t.router.HandleFunc("/ws", t.handleWS).Methods(http.MethodGet)
	t.router.HandleFunc("/health", t.handleHealth).Methods(http.MethodGet)
	t.router.HandleFunc("/metrics", handleMetrics).Methods(http.MethodGet)
	return t
}

type serverTransport struct {
	opts     Options
	handler  transport.ConnHandler
	upgrader websocket.Upgrader
	router   *mux.Router
	srv      *http.Server
	conns    *xsync.MapOf[string, *wsConn]
	closed   atomic.Bool
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IServerTransport)
// --------------------------------------------------------------------------

func (t *serverTransport) RegisterHandler(handler transport.ConnHandler) {
	t.handler = handler
}

func (t *serverTransport) Handler() http.Handler {
	return t.router
}

func (t *serverTransport) Listen(config common.ServerConfig) error {
	if config.LogLevel == "debug" {
		t.router.Use(loggerMiddleware)
	}

	t.srv = &http.Server{
		Addr:              config.Endpoint,
		Handler:           t.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	Logger.Infof("Starting WebSocket server on %s", config.Endpoint)
	err := t.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *serverTransport) Shutdown(ctx context.Context) error {
	t.closed.Store(true)

	var err error
	if t.srv != nil {
		// does not touch hijacked connections
		err = t.srv.Shutdown(ctx)
	}

	t.conns.Range(func(_ string, c *wsConn) bool {
		_ = c.Close()
		return true
	})
	Logger.Infof("WebSocket server stopped")
	return err
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (t *serverTransport) handleWS(w http.ResponseWriter, r *http.Request) {
	if t.closed.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if t.handler == nil {
		http.Error(w, "no handler registered", http.StatusInternalServerError)
		return
	}

	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		Logger.Warningf("upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	c := newConn(ws, t.opts)
	t.conns.Store(c.id, c)
	connsOpened.Inc()
	Logger.Debugf("conn %s: accepted from %s", c.id, r.RemoteAddr)

	go func() {
		defer func() {
			_ = c.Close()
			t.conns.Delete(c.id)
			connsClosed.Inc()
			Logger.Debugf("conn %s: closed", c.id)
		}()
		t.handler(c)
	}()
}

func (t *serverTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ok"
	if t.closed.Load() {
		status = http.StatusServiceUnavailable
		state = "shutting down"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{}
	if t.opts.Health != nil {
		for k, v := range t.opts.Health() {
			body[k] = v
		}
	}
	body["status"] = state
	body["connections"] = t.conns.Size()
	_ = json.NewEncoder(w).Encode(body)
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	connsOpened = metrics.GetOrCreateCounter("dsync_ws_connections_opened_total")
	connsClosed = metrics.GetOrCreateCounter("dsync_ws_connections_closed_total")
)

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack passes the upgrade through to the wrapped writer
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

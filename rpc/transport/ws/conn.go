package ws

import (
	"context"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/ws")

// Options configures both sides of a WebSocket connection.
type Options struct {
	// MaxMessageSize is the read limit of a single message.
	MaxMessageSize int64
	// SendQueueSize bounds the messages waiting for the writer.
	SendQueueSize int
	// PingInterval is the keepalive interval; a peer that does not answer
	// within two intervals is disconnected.
	PingInterval time.Duration
	// WriteTimeout bounds a single write.
	WriteTimeout time.Duration
	// TextFrames sends text instead of binary frames (JSON serializer).
	TextFrames bool
	// Health adds fields to the /health response (server only).
	Health func() map[string]any
}

// DefaultOptions returns the defaults used by the server and the client.
func DefaultOptions() Options {
	return Options{
		MaxMessageSize: 16 << 20,
		SendQueueSize:  256,
		PingInterval:   20 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

// --------------------------------------------------------------------------
// Connection
// --------------------------------------------------------------------------

// wsConn implements transport.IConn. Each connection runs one reader and one
// writer goroutine; the writer is the only goroutine writing data frames.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	opts Options

	send chan []byte
	recv chan []byte

	closeOnce sync.Once
	closing   chan struct{} // Close was called or the reader failed
	done      chan struct{} // socket closed, writer exited
	abort     bool          // skip flushing, guarded by closeOnce

	errMu sync.Mutex
	err   error
}

func newConn(ws *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{
		id:      uuid.NewString(),
		ws:      ws,
		opts:    opts,
		send:    make(chan []byte, opts.SendQueueSize),
		recv:    make(chan []byte),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	ws.SetReadLimit(opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(2 * opts.PingInterval))
	})

	go c.readLoop()
	go c.writeLoop()
	return c
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IConn)
// --------------------------------------------------------------------------

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.closing:
		return transport.ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		Logger.Warningf("conn %s: send queue full (%d messages), closing", c.id, cap(c.send))
		c.shutdown(transport.ErrSendQueueFull, true)
		return transport.ErrSendQueueFull
	}
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.closing:
		return nil, c.closeErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	c.shutdown(nil, false)
	<-c.done
	return nil
}

func (c *wsConn) Done() <-chan struct{} {
	return c.done
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// shutdown starts closing the connection. With abort set the queued
// messages are dropped.
func (c *wsConn) shutdown(cause error, abort bool) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.abort = abort
		close(c.closing)
		if abort {
			// unblocks a writer stuck on a slow peer
			_ = c.ws.Close()
		}
	})
}

func (c *wsConn) closeErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return transport.ErrConnClosed
	}
	return c.err
}

func (c *wsConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Logger.Debugf("conn %s: closed by peer", c.id)
				c.shutdown(transport.ErrConnClosed, false)
			} else {
				c.shutdown(syncerr.Newf(syncerr.KindTransportLost, "read: %v", err), false)
			}
			return
		}
		select {
		case c.recv <- data:
		case <-c.closing:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	defer close(c.done)
	defer c.ws.Close()

	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	frameType := websocket.BinaryMessage
	if c.opts.TextFrames {
		frameType = websocket.TextMessage
	}

	for {
		select {
		case data := <-c.send:
			if err := c.write(frameType, data); err != nil {
				c.shutdown(syncerr.Newf(syncerr.KindTransportLost, "write: %v", err), true)
				return
			}

		case <-ping.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(syncerr.Newf(syncerr.KindTransportLost, "ping: %v", err), true)
				return
			}

		case <-c.closing:
			if !c.abort {
				c.flush(frameType)
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			return
		}
	}
}

// flush writes the messages still queued.
func (c *wsConn) flush(frameType int) {
	for {
		select {
		case data := <-c.send:
			if err := c.write(frameType, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(frameType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(frameType, data)
}

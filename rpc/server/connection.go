package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/dSync/lib/auth"
	"github.com/ValentinKolb/dSync/lib/session"
	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"golang.org/x/time/rate"
)

// connection is the server side state of one client connection. A single
// connection may join several rooms; every joined room is a separate peer of
// the room's session.
type connection struct {
	srv       *SyncServer
	conn      transport.IConn
	awareness *rate.Limiter

	mu    sync.Mutex
	rooms map[string]*roomPeer
}

func newConnection(srv *SyncServer, conn transport.IConn) *connection {
	limit, burst := rate.Limit(srv.config.AwarenessRate), srv.config.AwarenessBurst
	if limit <= 0 {
		limit = 20
	}
	if burst <= 0 {
		burst = 20
	}
	return &connection{
		srv:       srv,
		conn:      conn,
		awareness: rate.NewLimiter(limit, burst),
		rooms:     make(map[string]*roomPeer),
	}
}

// handle processes one inbound message. It returns false if the connection
// must be closed.
func (c *connection) handle(ctx context.Context, msg *common.Message) bool {
	metrics.GetOrCreateCounter(fmt.Sprintf(`dsync_messages_received_total{type=%q}`, msg.MsgType)).Inc()

	if msg.MsgType == common.MsgTAuth {
		return c.join(ctx, msg)
	}

	p := c.room(msg.DocID)
	if p == nil {
		badMessages.Inc()
		c.sendError(msg.DocID, syncerr.Newf(syncerr.KindSessionClosed, "%s before auth for room %q", msg.MsgType, msg.DocID))
		return true
	}

	var err error
	switch msg.MsgType {
	case common.MsgTSyncStep1:
		err = p.session.HandleSyncStep1(p, msg.Payload)
	case common.MsgTSyncStep2:
		err = p.session.HandleSyncStep2(p, msg.Payload)
	case common.MsgTUpdate:
		err = p.session.HandleUpdate(p, msg.Payload)
	case common.MsgTAwareness:
		if !c.awareness.Allow() {
			awarenessDropped.Inc()
			Logger.Debugf("conn %s: awareness rate exceeded, dropping", c.conn.ID())
			return true
		}
		err = p.session.HandleAwareness(p, msg.Payload)
	case common.MsgTQueryAwareness:
		err = p.session.HandleQueryAwareness(p)
	default:
		badMessages.Inc()
		err = fmt.Errorf("unexpected message type %s", msg.MsgType)
	}

	if err != nil {
		c.sendError(msg.DocID, err)
	}
	return true
}

// join runs the server side of the handshake for one room.
func (c *connection) join(ctx context.Context, msg *common.Message) bool {
	start := time.Now()
	handshakes.Inc()

	if c.room(msg.DocID) != nil {
		c.sendError(msg.DocID, fmt.Errorf("room %q already joined", msg.DocID))
		return true
	}

	if err := session.ValidateRoomID(msg.DocID); err != nil {
		return c.reject(msg.DocID, err)
	}

	authCtx, cancel := context.WithTimeout(ctx, c.srv.timeout())
	identity, err := c.srv.auth.Authenticate(authCtx, msg.DocID, msg.Token)
	cancel()
	if err != nil {
		return c.reject(msg.DocID, err)
	}

	p := &roomPeer{
		id:       c.conn.ID() + "/" + msg.DocID,
		docID:    msg.DocID,
		conn:     c,
		identity: identity,
		clientID: msg.ClientID,
	}
	acquireCtx, cancel := context.WithTimeout(ctx, c.srv.timeout())
	s, bootstrap, err := c.srv.registry.Acquire(acquireCtx, msg.DocID, p)
	cancel()
	if err != nil {
		if errors.Is(err, syncerr.ErrRoomIdInvalid) {
			return c.reject(msg.DocID, err)
		}
		Logger.Errorf("conn %s: join %s: %v", c.conn.ID(), msg.DocID, err)
		c.sendError(msg.DocID, err)
		return false
	}
	p.session = s

	c.mu.Lock()
	c.rooms[msg.DocID] = p
	c.mu.Unlock()

	c.send(common.NewAuthOkResponse(msg.DocID, bootstrap))
	handshakeDuration.UpdateDuration(start)
	Logger.Debugf("conn %s: joined %s as %s (bootstrap: %t)", c.conn.ID(), msg.DocID, identity, bootstrap)
	return true
}

// reject answers a failed handshake. The connection is closed afterwards.
func (c *connection) reject(docID string, err error) bool {
	handshakeRejected.Inc()
	Logger.Infof("conn %s: rejected for %q: %v", c.conn.ID(), docID, err)
	c.send(common.NewAuthRejectedResponse(docID, err))
	return false
}

// leaveAll detaches the connection from every joined room.
func (c *connection) leaveAll() {
	c.mu.Lock()
	rooms := c.rooms
	c.rooms = make(map[string]*roomPeer)
	c.mu.Unlock()

	for _, p := range rooms {
		p.session.Detach(p)
	}
}

func (c *connection) room(docID string) *roomPeer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms[docID]
}

func (c *connection) sendError(docID string, err error) {
	c.send(common.NewErrorResponse(docID, err))
}

// send serializes msg and queues it. It reports false if the connection
// cannot keep up.
func (c *connection) send(msg *common.Message) bool {
	data, err := c.srv.serializer.Serialize(*msg)
	if err != nil {
		Logger.Errorf("conn %s: serialize %s: %v", c.conn.ID(), msg.MsgType, err)
		return true
	}
	if err := c.conn.Send(data); err != nil {
		if errors.Is(err, transport.ErrSendQueueFull) {
			slowConsumers.Inc()
			return false
		}
		// closed, the reader loop detaches the rooms
	}
	return true
}

// --------------------------------------------------------------------------
// Session Peer
// --------------------------------------------------------------------------

// roomPeer attaches one connection to the session of one room.
type roomPeer struct {
	id       string
	docID    string
	conn     *connection
	session  *session.Session
	identity auth.Identity
	clientID uint64
}

// --------------------------------------------------------------------------
// Interface Methods (docu see session.IPeer)
// --------------------------------------------------------------------------

func (p *roomPeer) ID() string {
	return p.id
}

func (p *roomPeer) Deliver(f session.Frame) bool {
	return p.conn.send(frameToMessage(f))
}

// frameToMessage converts an outbound session frame into a protocol message.
func frameToMessage(f session.Frame) *common.Message {
	switch f.Kind {
	case session.FrameSyncStep1:
		return common.NewSyncStep1(f.DocID, f.Payload)
	case session.FrameSyncStep2:
		return common.NewSyncStep2(f.DocID, f.Payload)
	case session.FrameUpdate:
		return common.NewUpdate(f.DocID, f.Payload)
	case session.FrameAwareness:
		return common.NewAwareness(f.DocID, f.Payload, time.Now().UnixMilli())
	default:
		return common.NewErrorResponse(f.DocID, f.Err)
	}
}

package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/ValentinKolb/dSync/lib/syncerr"
	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/gorilla/websocket"
)

// NewClientTransport creates a WebSocket client transport.
func NewClientTransport(opts Options) transport.IClientTransport {
	opts = opts.withDefaults()
	return &clientTransport{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
	}
}

type clientTransport struct {
	opts   Options
	dialer *websocket.Dialer
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Dial(ctx context.Context, endpoint string) (transport.IConn, error) {
	ws, resp, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, syncerr.Newf(syncerr.KindTransportLost, "dial %s: %v (http %d)", endpoint, err, resp.StatusCode)
		}
		return nil, syncerr.Newf(syncerr.KindTransportLost, "dial %s: %v", endpoint, err)
	}
	c := newConn(ws, t.opts)
	Logger.Debugf("conn %s: connected to %s", c.id, endpoint)
	return c, nil
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dSync/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, opts Options, handler transport.ConnHandler) (transport.IServerTransport, string) {
	t.Helper()
	srv := NewServerTransport(opts)
	srv.RegisterHandler(handler)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		ts.Close()
	})
	return srv, ts.URL
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func echo(c transport.IConn) {
	for {
		data, err := c.Receive(context.Background())
		if err != nil {
			return
		}
		if err := c.Send(data); err != nil {
			return
		}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	_, url := startServer(t, Options{}, echo)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewClientTransport(Options{}).Dial(ctx, wsURL(url))
	require.NoError(t, err)
	defer c.Close()

	for _, msg := range [][]byte{[]byte("one"), {0, 1, 2, 255}, make([]byte, 100_000)} {
		require.NoError(t, c.Send(msg))
		got, err := c.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, msg, got)
	}
}

func TestCloseFlushesQueuedMessages(t *testing.T) {
	_, url := startServer(t, Options{}, func(c transport.IConn) {
		_ = c.Send([]byte("last words"))
		_ = c.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := NewClientTransport(Options{}).Dial(ctx, wsURL(url))
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(got))

	_, err = c.Receive(ctx)
	assert.True(t, errors.Is(err, transport.ErrConnClosed), "got %v", err)
	assert.True(t, errors.Is(c.Send([]byte("x")), transport.ErrConnClosed))
}

func TestSlowConsumerIsDisconnected(t *testing.T) {
	result := make(chan error, 1)
	_, url := startServer(t, Options{SendQueueSize: 2}, func(c transport.IConn) {
		chunk := make([]byte, 64<<10)
		for i := 0; i < 4000; i++ {
			if err := c.Send(chunk); err != nil {
				result <- err
				return
			}
		}
		result <- nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// the client never calls Receive
	c, err := NewClientTransport(Options{}).Dial(ctx, wsURL(url))
	require.NoError(t, err)
	defer c.Close()

	select {
	case err := <-result:
		assert.True(t, errors.Is(err, transport.ErrSendQueueFull), "got %v", err)
	case <-ctx.Done():
		t.Fatal("server never gave up on the slow client")
	}
}

func TestReceiveHonorsContext(t *testing.T) {
	_, url := startServer(t, Options{}, echo)
	c, err := NewClientTransport(Options{}).Dial(context.Background(), wsURL(url))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, url := startServer(t, Options{}, echo)

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), "dsync_ws_connections_opened_total")

	require.NoError(t, srv.Shutdown(context.Background()))
	resp, err = http.Get(url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, url := startServer(t, Options{}, echo)
	c, err := NewClientTransport(Options{}).Dial(context.Background(), wsURL(url))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, srv.Shutdown(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Receive(ctx)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewClientTransport(Options{}).Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

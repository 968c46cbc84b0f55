package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// panelServer is a bare gorilla server that hands every accepted connection
// to the test.
type panelServer struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	gate    chan struct{}
	release sync.Once
}

func newPanelServer(t *testing.T, gated bool) *panelServer {
	t.Helper()

	p := &panelServer{conns: make(chan *websocket.Conn, 8)}
	if gated {
		p.gate = make(chan struct{})
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.gate != nil {
			<-p.gate
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- c
	}))
	t.Cleanup(func() {
		p.open()
		p.srv.Close()
	})
	return p
}

func (p *panelServer) url() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws"
}

// open lets gated upgrades proceed.
func (p *panelServer) open() {
	if p.gate != nil {
		p.release.Do(func() { close(p.gate) })
	}
}

func (p *panelServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-p.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func newTestEndpoint(t *testing.T, rawURL string, delay time.Duration) *Endpoint {
	t.Helper()

	cfg := DefaultEndpointConfig(rawURL)
	cfg.ReconnectDelay = delay
	cfg.Logger = discardLogger()
	cfg.Debug = true

	e, err := NewEndpoint(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return e
}

func readMessage(t *testing.T, c *websocket.Conn) *protocol.Message {
	t.Helper()

	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	m, err := protocol.Decode(data)
	require.NoError(t, err)
	return m
}

func writeRaw(t *testing.T, c *websocket.Conn, format string, args ...any) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(format, args...))))
}

func waitFor[T any](t *testing.T, d *deferred.Deferred[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := d.Wait(ctx)
	if ctx.Err() != nil {
		t.Fatal("deferred never settled")
	}
	return v, err
}

func decodeString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

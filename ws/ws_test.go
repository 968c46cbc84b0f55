package ws_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	nws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/ws"
)

func startServer(t *testing.T, rl *ws.RateLimitConfig) (hostrpc.Server, string) {
	t.Helper()

	cfg := ws.NewConfig("127.0.0.1:0", rl, ws.AllOrigins(), nil, nil)
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	server := ws.New(cfg)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return server, "ws://" + server.Addr() + "/ws"
}

func connect(t *testing.T, url string) hostrpc.Endpoint {
	t.Helper()

	cfg := ws.DefaultEndpointConfig(url)
	cfg.ReconnectDelay = 50 * time.Millisecond
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	endpoint, err := ws.NewEndpoint(cfg)
	require.NoError(t, err)
	t.Cleanup(endpoint.Destroy)

	opened := endpoint.OnEvent(hostrpc.EventConnect)
	require.NoError(t, endpoint.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = opened.Wait(ctx)
	require.NoError(t, err)
	return endpoint
}

func TestPingRoundTrip(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, ws.NoRateLimit())
	endpoint := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := endpoint.Call(ctx, hostrpc.RoutePing, "hello")
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(res, &got))
	assert.Equal(t, "hello", got)
}

func TestCallResultPairing(t *testing.T) {
	t.Parallel()

	server, url := startServer(t, ws.NoRateLimit())
	require.NoError(t, server.AddRoute("answer", func(context.Context, json.RawMessage) (any, error) {
		return 42, nil
	}))
	require.NoError(t, server.AddRoute("explode", func(context.Context, json.RawMessage) (any, error) {
		return nil, fmt.Errorf("boom")
	}))
	endpoint := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	res, err := endpoint.Call(ctx, "answer", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(res))

	_, err = endpoint.Call(ctx, "explode", nil)
	assert.EqualError(t, err, "boom")
}

func TestSchemaValidatedRoute(t *testing.T) {
	t.Parallel()

	server, url := startServer(t, ws.NoRateLimit())
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	require.NoError(t, server.AddRoute("open", func(_ context.Context, params json.RawMessage) (any, error) {
		return "opened", nil
	}, hostrpc.WithSchema(schema)))
	endpoint := connect(t, url)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := endpoint.Call(ctx, "open", map[string]string{"path": "/a.xstage"})
	require.NoError(t, err)

	_, err = endpoint.Call(ctx, "open", map[string]int{"path": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid params")
}

// TestInteropClient drives the server with a second WebSocket implementation.
func TestInteropClient(t *testing.T) {
	t.Parallel()

	server, url := startServer(t, ws.NoRateLimit())
	require.NoError(t, server.AddRoute("upper", func(_ context.Context, params json.RawMessage) (any, error) {
		var s string
		if err := json.Unmarshal(params, &s); err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := nws.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer c.Close(nws.StatusNormalClosure, "")

	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"id": 7, "method": "upper", "params": "render"}))
	var reply map[string]json.RawMessage
	require.NoError(t, wsjson.Read(ctx, c, &reply))
	assert.JSONEq(t, `7`, string(reply["id"]))
	assert.JSONEq(t, `"RENDER"`, string(reply["result"]))

	require.NoError(t, wsjson.Write(ctx, c, map[string]any{"id": 9, "method": "missing"}))
	reply = nil
	require.NoError(t, wsjson.Read(ctx, c, &reply))
	_, hasResult := reply["result"]
	assert.False(t, hasResult, "error replies carry no result key")
	assert.Contains(t, string(reply["error"]), "Route not found")

	peers := server.Peers()
	require.Len(t, peers, 1)
	go func() {
		var call map[string]json.RawMessage
		if err := wsjson.Read(ctx, c, &call); err != nil {
			return
		}
		_ = wsjson.Write(ctx, c, map[string]any{"id": json.RawMessage(call["id"]), "result": "from nhooyr"})
	}()
	res, err := server.Call(ctx, peers[0].ID(), "who", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"from nhooyr"`, string(res))
}

func TestOriginAllowList(t *testing.T) {
	t.Parallel()

	check := ws.Origins("http://localhost:4000")
	req := func(origin string) *http.Request {
		r, _ := http.NewRequest(http.MethodGet, "http://x/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	assert.True(t, check(req("http://localhost:4000")))
	assert.True(t, check(req("")))
	assert.False(t, check(req("http://evil.example")))
}

// TestManyEndpoints runs concurrent calls from several endpoints against one
// server.
func TestManyEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}
	t.Parallel()

	const (
		endpoints = 10
		calls     = 50
	)

	server, url := startServer(t, &ws.RateLimitConfig{MessagesPerSecond: 1000, Burst: 2000, Enabled: true})
	require.NoError(t, server.AddRoute("double", func(_ context.Context, params json.RawMessage) (any, error) {
		var n int
		if err := json.Unmarshal(params, &n); err != nil {
			return nil, err
		}
		return n * 2, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, endpoints*calls)
	for i := 0; i < endpoints; i++ {
		endpoint := connect(t, url)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < calls; n++ {
				res, err := endpoint.Call(ctx, "double", n)
				if err != nil {
					errs <- err
					continue
				}
				if string(res) != fmt.Sprint(n*2) {
					errs <- fmt.Errorf("double(%d) = %s", n, res)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Len(t, server.Peers(), endpoints)
}

package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
)

type pair struct {
	server    *Server
	client    *Client
	connected chan *Peer
}

func newPair(t *testing.T, format protocol.HeaderFormat, scripts hostrpc.ScriptRunner) *pair {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	base := PeerConfig{
		Format:      format,
		WaitTimeout: 2 * time.Second,
		Scripts:     scripts,
		Logger:      logger,
		Debug:       true,
		Trace:       true,
	}

	p := &pair{connected: make(chan *Peer, 4)}
	p.server = NewServer(&ServerConfig{
		PeerConfig: base,
		Addr:       "127.0.0.1:0",
		OnConnect:  func(peer *Peer) { p.connected <- peer },
	})
	require.NoError(t, p.server.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.server.Stop(ctx)
	})

	cfg := DefaultClientConfig()
	cfg.PeerConfig = base
	cfg.Port = p.server.Port()

	client, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	p.client = client

	p.waitPeer(t)
	return p
}

func (p *pair) waitPeer(t *testing.T) *Peer {
	t.Helper()
	select {
	case peer := <-p.connected:
		return peer
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection")
		return nil
	}
}

func request(t *testing.T, h interface {
	Request(context.Context, *protocol.Request) (*protocol.Request, error)
}, req *protocol.Request) *protocol.Request {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	reply, err := h.Request(ctx, req)
	require.NoError(t, err)
	return reply
}

func TestFunctionRequestEchoesReply(t *testing.T) {
	t.Parallel()

	for _, format := range []protocol.HeaderFormat{protocol.HeaderHex8, protocol.HeaderDecimal8, protocol.HeaderBinary4} {
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()

			p := newPair(t, format, nil)
			require.NoError(t, p.server.AddFunction("add", func(_ context.Context, args json.RawMessage) (any, error) {
				var nums []int
				if err := json.Unmarshal(args, &nums); err != nil {
					return nil, err
				}
				return nums[0] + nums[1], nil
			}))

			reply := request(t, p.client, &protocol.Request{Function: "add", Args: json.RawMessage(`[2,40]`)})
			assert.True(t, reply.Reply)
			assert.Equal(t, "add", reply.Function)
			assert.JSONEq(t, `[2,40]`, string(reply.Args))

			var sum int
			require.NoError(t, reply.DecodeResult(&sum))
			assert.Equal(t, 42, sum)
		})
	}
}

func TestModuleMethodRequest(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.server.AddFunction("pype.publish", func(_ context.Context, args json.RawMessage) (any, error) {
		return map[string]any{"published": true}, nil
	}))

	reply := request(t, p.client, &protocol.Request{Module: "pype", Method: "publish"})
	assert.JSONEq(t, `{"published":true}`, string(reply.Result))
}

func TestServerRequestsClient(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.client.AddFunction("scene_name", func(context.Context, json.RawMessage) (any, error) {
		return "sh010", nil
	}))

	reply := request(t, p.server, &protocol.Request{Function: "scene_name"})
	var name string
	require.NoError(t, reply.DecodeResult(&name))
	assert.Equal(t, "sh010", name)
	assert.Equal(t, int64(1), reply.MessageID)

	reply = request(t, p.server, &protocol.Request{Function: "scene_name"})
	assert.Equal(t, int64(2), reply.MessageID)
}

func TestScriptRequest(t *testing.T) {
	t.Parallel()

	runner := hostrpc.ScriptRunnerFunc(func(_ context.Context, script string) (any, error) {
		if strings.Contains(script, "throw") {
			return nil, errors.New("script threw")
		}
		return len(script), nil
	})
	p := newPair(t, protocol.HeaderHex8, runner)

	reply := request(t, p.client, &protocol.Request{Script: "scene.save()"})
	assert.JSONEq(t, `12`, string(reply.Result))

	reply = request(t, p.client, &protocol.Request{Script: "throw 1"})
	var msg string
	require.NoError(t, reply.DecodeResult(&msg))
	assert.True(t, strings.HasPrefix(msg, "Error processing request.\nRequest:\n"), msg)
	assert.True(t, strings.HasSuffix(msg, "\nError:\nscript threw"), msg)
}

func TestScriptWithoutRunner(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	reply := request(t, p.client, &protocol.Request{Script: "x"})
	var msg string
	require.NoError(t, reply.DecodeResult(&msg))
	assert.Contains(t, msg, hostrpc.ErrMsgCommandNotImplemented)
}

func TestUnknownCommandType(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	reply := request(t, p.client, &protocol.Request{})
	var msg string
	require.NoError(t, reply.DecodeResult(&msg))
	assert.Equal(t, "Command type not implemented.", msg)
}

func TestFunctionErrorFormat(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.server.AddFunction("boom", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	}))

	reply := request(t, p.client, &protocol.Request{MessageID: 77, Function: "boom"})
	assert.Equal(t, int64(77), reply.MessageID)

	var msg string
	require.NoError(t, reply.DecodeResult(&msg))
	want := fmt.Sprintf("Error processing request.\nRequest:\n%s\nError:\nboom",
		(&protocol.Request{MessageID: 77, Function: "boom"}).String())
	assert.Equal(t, want, msg)

	reply = request(t, p.client, &protocol.Request{Function: "missing"})
	require.NoError(t, reply.DecodeResult(&msg))
	assert.Contains(t, msg, "Route not found")
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.server.AddAsyncFunction("hang", func(context.Context, json.RawMessage, *deferred.Deferred[any]) {}))

	peer, ok := p.client.Peer()
	require.True(t, ok)
	peer.cfg.WaitTimeout = 50 * time.Millisecond

	start := time.Now()
	_, err := p.client.Request(context.Background(), &protocol.Request{Function: "hang"})
	assert.ErrorIs(t, err, hostrpc.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSendIsFireAndForget(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	got := make(chan string, 1)
	require.NoError(t, p.server.AddFunction("notify", func(_ context.Context, args json.RawMessage) (any, error) {
		got <- string(args)
		return nil, nil
	}))

	id, err := p.client.Send(&protocol.Request{Function: "notify", Args: json.RawMessage(`"saved"`)})
	require.NoError(t, err)
	assert.NotZero(t, id)

	select {
	case args := <-got:
		assert.Equal(t, `"saved"`, args)
	case <-time.After(2 * time.Second):
		t.Fatal("notify never ran")
	}
}

func TestNewConnectionReplacesPrevious(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)

	cfg := DefaultClientConfig()
	cfg.PeerConfig = p.client.cfg
	cfg.Port = p.server.Port()
	second, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, second.Connect(context.Background()))
	defer second.Close()
	p.waitPeer(t)

	select {
	case <-p.client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not closed")
	}

	reply := request(t, second, &protocol.Request{Function: "ping", Args: json.RawMessage(`"still here"`)})
	assert.JSONEq(t, `"still here"`, string(reply.Result))

	_, err = p.client.Send(&protocol.Request{Function: "ping"})
	assert.ErrorIs(t, err, hostrpc.ErrNotConnected)
}

func TestMalformedPayload(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)

	conn, err := net.Dial("tcp", p.server.Addr())
	require.NoError(t, err)
	defer conn.Close()
	p.waitPeer(t)

	frame, err := protocol.Encode([]byte(`{not json`), protocol.HeaderHex8)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	reply := readRawReply(t, conn, protocol.NewDecoder(protocol.HeaderHex8))
	assert.True(t, reply.Reply)
	assert.Zero(t, reply.MessageID)
	var msg string
	require.NoError(t, reply.DecodeResult(&msg))
	assert.Contains(t, msg, hostrpc.ErrMsgParseError)
}

func TestMalformedFrameGetsParseErrorReply(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.server.AddFunction("echo", func(_ context.Context, args json.RawMessage) (any, error) {
		return args, nil
	}))

	conn, err := net.Dial("tcp", p.server.Addr())
	require.NoError(t, err)
	defer conn.Close()
	p.waitPeer(t)

	tests := []struct {
		name  string
		frame string
		want  string
	}{
		{name: "bad magic", frame: "XY00000002{}", want: "bad frame magic"},
		{name: "bad header", frame: "AHzzzzzzzz{}", want: "bad frame header"},
	}

	dec := protocol.NewDecoder(protocol.HeaderHex8)
	for _, tt := range tests {
		_, err = conn.Write([]byte(tt.frame))
		require.NoError(t, err, tt.name)

		reply := readRawReply(t, conn, dec)
		assert.True(t, reply.Reply, tt.name)
		assert.Zero(t, reply.MessageID, tt.name)
		var msg string
		require.NoError(t, reply.DecodeResult(&msg), tt.name)
		assert.Contains(t, msg, hostrpc.ErrMsgParseError, tt.name)
		assert.Contains(t, msg, tt.want, tt.name)
	}

	// The stream keeps working after a bad frame.
	frame, err := protocol.Encode([]byte(`{"message_id":7,"function":"echo","args":"still here"}`), protocol.HeaderHex8)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)

	reply := readRawReply(t, conn, dec)
	assert.Equal(t, int64(7), reply.MessageID)
	var got string
	require.NoError(t, reply.DecodeResult(&got))
	assert.Equal(t, "still here", got)
}

// readRawReply reads one framed request from conn.
func readRawReply(t *testing.T, conn net.Conn, dec *protocol.Decoder) *protocol.Request {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 1024)
	var payloads [][]byte
	for len(payloads) == 0 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		payloads, err = dec.Feed(buf[:n])
		require.NoError(t, err)
	}
	require.Len(t, payloads, 1)

	var reply protocol.Request
	require.NoError(t, json.Unmarshal(payloads[0], &reply))
	return &reply
}

func TestClientAddress(t *testing.T) {
	t.Setenv(hostrpc.DefaultPortEnv, "40123")

	cfg := DefaultClientConfig()
	addr, err := cfg.Address()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:40123", addr)

	cfg.Port = 5000
	cfg.Host = "10.0.0.2"
	addr, err = cfg.Address()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:5000", addr)

	t.Setenv(hostrpc.DefaultPortEnv, "not-a-port")
	_, err = DefaultClientConfig().Address()
	assert.Error(t, err)

	t.Setenv(hostrpc.DefaultPortEnv, "")
	_, err = NewClient(DefaultClientConfig())
	assert.Error(t, err)
}

func TestCloseFailsOutstandingRequest(t *testing.T) {
	t.Parallel()

	p := newPair(t, protocol.HeaderHex8, nil)
	require.NoError(t, p.server.AddAsyncFunction("hang", func(context.Context, json.RawMessage, *deferred.Deferred[any]) {}))

	errc := make(chan error, 1)
	go func() {
		_, err := p.client.Request(context.Background(), &protocol.Request{Function: "hang"})
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.server.Stop(ctx))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, hostrpc.ErrConnectionClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("request never failed")
	}
}

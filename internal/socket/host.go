package socket

import (
	"context"
	"sync"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

var (
	_ hostrpc.SocketHost = (*Client)(nil)
	_ hostrpc.SocketHost = (*Server)(nil)
)

// host owns the function table and the current connection of either role.
type host struct {
	cfg       PeerConfig
	functions *route.Table

	mu   sync.RWMutex
	peer *Peer
}

func newHost(cfg PeerConfig) *host {
	cfg = cfg.withDefaults()
	functions := route.NewTable()
	route.RegisterBuiltins(functions, cfg.Logger)
	return &host{cfg: cfg, functions: functions}
}

// AddFunction registers a synchronous function.
func (h *host) AddFunction(name string, fn route.Handler, opts ...route.Option) error {
	return h.functions.Add(name, fn, opts...)
}

// AddAsyncFunction registers a function that settles its own Deferred.
func (h *host) AddAsyncFunction(name string, fn route.AsyncHandler, opts ...route.Option) error {
	return h.functions.AddAsync(name, fn, opts...)
}

// DeleteFunction removes a function.
func (h *host) DeleteFunction(name string) bool {
	return h.functions.Delete(name)
}

// Functions returns the registered function names.
func (h *host) Functions() []string {
	return h.functions.Names()
}

// Peer returns the live connection, if any.
func (h *host) Peer() (*Peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.peer == nil {
		return nil, false
	}
	select {
	case <-h.peer.Done():
		return nil, false
	default:
		return h.peer, true
	}
}

// swap installs p as the live connection and returns the one it replaced.
func (h *host) swap(p *Peer) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.peer
	h.peer = p
	return old
}

// Send writes req on the live connection without waiting for its echo.
func (h *host) Send(req *protocol.Request) (int64, error) {
	p, ok := h.Peer()
	if !ok {
		return 0, hostrpc.ErrNotConnected
	}
	return p.Send(req)
}

// Request writes req on the live connection and waits for its echo.
func (h *host) Request(ctx context.Context, req *protocol.Request) (*protocol.Request, error) {
	p, ok := h.Peer()
	if !ok {
		return nil, hostrpc.ErrNotConnected
	}
	return p.Request(ctx, req)
}

// Close closes the live connection.
func (h *host) Close() error {
	if p := h.swap(nil); p != nil {
		return p.Close()
	}
	return nil
}

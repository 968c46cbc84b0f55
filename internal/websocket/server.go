package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

// CheckOriginFn validates the origin of an upgrade request.
type CheckOriginFn = func(r *http.Request) bool

// OnConnectFn is called after the handshake completes and before the peer's
// read loop starts. It runs synchronously, so avoid blocking in it.
type OnConnectFn = func(peer hostrpc.Peer)

// OnPeerDisconnectFn is called once a peer's connection has ended. voluntary
// is true when the server closed the peer itself.
type OnPeerDisconnectFn = func(peer hostrpc.Peer, voluntary bool)

type ServerConfig struct {
	Addr             string
	Path             string
	RateLimitConfig  *RateLimitConfig
	CheckOrigin      CheckOriginFn
	OnConnect        OnConnectFn
	OnPeerDisconnect OnPeerDisconnectFn
	Logger           *slog.Logger
	Debug            bool
	Trace            bool
}

// RateLimitConfig defines rate limiting configuration for peers
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a peer can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig allows 100 messages per second with a burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

var (
	_ hostrpc.Server = (*Server)(nil)
	_ hostrpc.Peer   = (*Peer)(nil)
)

// Server accepts endpoints and runs one session per peer. Routes are shared.
type Server struct {
	addr   string
	path   string
	server *http.Server
	ln     net.Listener
	peers  sync.Map // map[string]*Peer
	routes *route.Table
	logger *slog.Logger
	debug  bool
	trace  bool

	rateLimitConfig *RateLimitConfig

	mu           sync.RWMutex
	running      bool
	upgrader     websocket.Upgrader
	onConnect    OnConnectFn
	onDisconnect OnPeerDisconnectFn
}

// New creates a server. A nil RateLimitConfig means DefaultRateLimitConfig,
// and an empty Path means "/ws".
//
// Example:
//
//	server := New(&ServerConfig{
//	    Addr:        "127.0.0.1:0",
//	    CheckOrigin: func(r *http.Request) bool { return true },
//	    OnConnect: func(peer hostrpc.Peer) {
//	        log.Printf("panel connected: %s", peer.ID())
//	    },
//	})
func New(cfg *ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.Path == "" {
		cfg.Path = hostrpc.DefaultPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	routes := route.NewTable()
	route.RegisterBuiltins(routes, logger)

	return &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		routes:          routes,
		logger:          logger,
		debug:           cfg.Debug,
		trace:           cfg.Trace,
		rateLimitConfig: cfg.RateLimitConfig,
		onConnect:       cfg.OnConnect,
		onDisconnect:    cfg.OnPeerDisconnect,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// Handler returns a mux serving the upgrade endpoint at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return hostrpc.ErrServerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("listening", "addr", ln.Addr().String(), "path", s.path)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve failed", "error", err)
		}
	}()
	return nil
}

// Stop closes every peer and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	srv := s.server
	s.mu.Unlock()

	s.peers.Range(func(_, value any) bool {
		if peer, ok := value.(*Peer); ok {
			_ = peer.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// AddRoute registers a synchronous handler shared by all peers.
func (s *Server) AddRoute(name string, handler route.Handler, opts ...route.Option) error {
	return s.routes.Add(name, handler, opts...)
}

// AddAsyncRoute registers a handler that settles its own Deferred.
func (s *Server) AddAsyncRoute(name string, handler route.AsyncHandler, opts ...route.Option) error {
	return s.routes.AddAsync(name, handler, opts...)
}

// DeleteRoute removes a route.
func (s *Server) DeleteRoute(name string) bool {
	return s.routes.Delete(name)
}

// Routes returns the registered route names.
func (s *Server) Routes() []string {
	return s.routes.Names()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, r.RemoteAddr, s.rateLimitConfig, s.logger, s.trace)
	peer := &Peer{
		conn:    conn,
		logger:  s.logger.With("peer_id", conn.ID()),
		session: newSession(s.routes, s.logger.With("peer_id", conn.ID()), 2),
	}
	s.peers.Store(peer.ID(), peer)

	go s.handlePeer(peer)
}

func (s *Server) handlePeer(peer *Peer) {
	defer func() {
		voluntary := peer.isClosedLocally()

		s.peers.Delete(peer.ID())
		_ = peer.Close(context.Background())
		peer.session.reject(hostrpc.ErrConnectionClosed)

		if s.debug {
			s.logger.Debug("peer disconnected", "peer_id", peer.ID(), "voluntary", voluntary)
		}
		if s.onDisconnect != nil {
			s.onDisconnect(peer, voluntary)
		}
	}()

	peer.conn.keepAlive()

	if s.debug {
		s.logger.Debug("peer connected", "peer_id", peer.ID(), "remote_addr", peer.RemoteAddr())
	}
	if s.onConnect != nil {
		s.onConnect(peer)
	}

	ctx := peer.Context()
	for {
		data, err := peer.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("unexpected close", "peer_id", peer.ID(), "error", err)
			}
			return
		}
		peer.conn.extendDeadline()

		if !peer.conn.CheckRateLimit() {
			s.logger.Warn("rate limit exceeded", "peer_id", peer.ID(), "remote_addr", peer.RemoteAddr())
			_ = peer.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, hostrpc.ErrMsgRateLimitExceeded)
			return
		}

		peer.session.handle(ctx, data, peer.reply)
	}
}

// Peer returns the connected peer with id.
func (s *Server) Peer(id string) (hostrpc.Peer, bool) {
	p, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *Server) lookup(id string) (*Peer, bool) {
	if v, ok := s.peers.Load(id); ok {
		return v.(*Peer), true
	}
	return nil, false
}

// Peers returns every connected peer, ordered by id.
func (s *Server) Peers() []hostrpc.Peer {
	var peers []hostrpc.Peer
	s.peers.Range(func(_, value any) bool {
		peers = append(peers, value.(*Peer))
		return true
	})
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID() < peers[j].ID() })
	return peers
}

// Call invokes method on the peer with peerID.
func (s *Server) Call(ctx context.Context, peerID, method string, params any) (json.RawMessage, error) {
	peer, ok := s.lookup(peerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", hostrpc.ErrPeerNotFound, peerID)
	}
	return peer.Call(ctx, method, params)
}

// Broadcast invokes method on every peer concurrently.
func (s *Server) Broadcast(ctx context.Context, method string, params any) map[string]hostrpc.BroadcastResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]hostrpc.BroadcastResult)
	)
	s.peers.Range(func(_, value any) bool {
		peer := value.(*Peer)
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := peer.Call(ctx, method, params)
			mu.Lock()
			results[peer.ID()] = hostrpc.BroadcastResult{Result: res, Err: err}
			mu.Unlock()
		}()
		return true
	})
	wg.Wait()
	return results
}

// Peer is a single accepted connection.
type Peer struct {
	conn    *Conn
	session *session
	logger  *slog.Logger

	mu            sync.Mutex
	closedLocally bool
}

// ID returns the peer's identifier.
func (p *Peer) ID() string {
	return p.conn.ID()
}

// RemoteAddr returns the peer's remote address.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr()
}

// Context is cancelled when the connection ends.
func (p *Peer) Context() context.Context {
	return p.conn.Context()
}

// IsAlive reports whether the connection is open.
func (p *Peer) IsAlive() bool {
	return p.conn.IsAlive()
}

// Go sends a call to the peer and returns the pending reply.
func (p *Peer) Go(method string, params any) *deferred.Deferred[json.RawMessage] {
	_, d := p.start(method, params)
	return d
}

// Call sends a call to the peer and waits for the reply.
func (p *Peer) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, d := p.start(method, params)
	result, err := d.Wait(ctx)
	if err != nil && ctx.Err() != nil && d.IsPending() {
		p.session.remove(id)
	}
	return result, err
}

func (p *Peer) start(method string, params any) (int64, *deferred.Deferred[json.RawMessage]) {
	if !p.conn.IsAlive() {
		return 0, deferred.Rejected[json.RawMessage](hostrpc.ErrConnectionClosed)
	}

	id, d := p.session.add()
	frame, err := protocol.NewCall(id, method, params)
	if err != nil {
		p.session.remove(id)
		_ = d.Reject(fmt.Errorf("%s: %w", hostrpc.ErrMsgFailedToEncode, err))
		return id, d
	}
	if err := p.conn.Send(context.Background(), frame); err != nil {
		p.session.remove(id)
		_ = d.Reject(err)
	}
	return id, d
}

func (p *Peer) reply(frame []byte) {
	if err := p.conn.Send(context.Background(), frame); err != nil {
		p.logger.Debug("failed to send reply", "error", err)
	}
}

// Close closes the connection with a normal closure code.
func (p *Peer) Close(ctx context.Context) error {
	return p.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with code and reason.
func (p *Peer) CloseWithCode(ctx context.Context, code int, reason string) error {
	p.mu.Lock()
	if p.conn.IsAlive() {
		p.closedLocally = true
	}
	p.mu.Unlock()
	return p.conn.CloseWithCode(ctx, code, reason)
}

func (p *Peer) isClosedLocally() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closedLocally
}

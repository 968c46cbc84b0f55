package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

// EndpointConfig configures a reconnecting endpoint.
type EndpointConfig struct {
	// URL is the server address. Root-relative URLs ("/ws") are resolved
	// against Origin, and http/https schemes are mapped to ws/wss.
	URL    string
	Origin string

	// ReconnectDelay is the pause between a close and the next dial.
	ReconnectDelay time.Duration

	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	// Debug logs lifecycle transitions; Trace logs every message.
	Debug bool
	Trace bool
}

// DefaultEndpointConfig returns a configuration for rawURL with the default
// reconnect delay.
func DefaultEndpointConfig(rawURL string) *EndpointConfig {
	return &EndpointConfig{
		URL:            rawURL,
		ReconnectDelay: hostrpc.DefaultReconnectDelay,
	}
}

// ResolveURL turns raw into an absolute ws:// or wss:// URL.
func ResolveURL(raw, origin string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if !u.IsAbs() {
		if origin == "" {
			return "", fmt.Errorf("relative url %q requires an origin", raw)
		}
		base, err := url.Parse(origin)
		if err != nil {
			return "", fmt.Errorf("parse origin %q: %w", origin, err)
		}
		u = base.ResolveReference(u)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

type queuedCall struct {
	id    int64
	frame []byte
}

var _ hostrpc.Endpoint = (*Endpoint)(nil)

// Endpoint is the reconnecting side of the WebSocket transport.
type Endpoint struct {
	url     string
	cfg     EndpointConfig
	dialer  *websocket.Dialer
	routes  *route.Table
	session *session
	events  *listeners
	logger  *slog.Logger

	mu         sync.Mutex
	state      hostrpc.State
	conn       *Conn
	generation uint64
	queue      []queuedCall
	started    bool
	destroyed  bool
	cancel     context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// NewEndpoint creates an endpoint. Nothing is dialed until Connect.
func NewEndpoint(cfg *EndpointConfig) (*Endpoint, error) {
	if cfg == nil {
		return nil, fmt.Errorf("endpoint config is nil")
	}
	c := *cfg
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = hostrpc.DefaultReconnectDelay
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}

	u, err := ResolveURL(c.URL, c.Origin)
	if err != nil {
		return nil, err
	}

	logger := c.Logger.With("component", "endpoint", "url", u)
	routes := route.NewTable()
	route.RegisterBuiltins(routes, logger)

	return &Endpoint{
		url:     u,
		cfg:     c,
		dialer:  c.Dialer,
		routes:  routes,
		session: newSession(routes, logger, 1),
		events:  newListeners(logger),
		logger:  logger,
		state:   hostrpc.StateClosed,
		done:    make(chan struct{}),
	}, nil
}

// URL returns the resolved server address.
func (e *Endpoint) URL() string {
	return e.url
}

// Connect starts the connection loop. Later calls are no-ops. Cancelling ctx
// has the same effect as Destroy.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return hostrpc.ErrDestroyed
	}
	if e.started {
		return nil
	}
	e.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(loopCtx)
	return nil
}

func (e *Endpoint) run(ctx context.Context) {
	defer e.finish()

	for {
		e.transition(hostrpc.StateConnecting)

		ws, _, err := e.dialer.DialContext(ctx, e.url, e.cfg.Header)
		if ctx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}
		if err != nil {
			e.logger.Warn("dial failed", "error", err)
			e.down(hostrpc.ErrWebSocket, hostrpc.EventError)
		} else {
			c := newConn(ws, e.url, nil, e.logger, e.cfg.Trace)
			if !e.up(c) {
				return
			}
			err = e.read(ctx, c)
			_ = c.Close(context.Background())
			if ctx.Err() != nil {
				return
			}
			e.debug("connection lost", "error", err)
			e.down(hostrpc.ErrConnectionClosed, hostrpc.EventClose)
		}

		timer := time.NewTimer(e.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (e *Endpoint) read(ctx context.Context, c *Conn) error {
	for {
		data, err := c.ReadMessage()
		if err != nil {
			return err
		}

		e.mu.Lock()
		gen := e.generation
		e.mu.Unlock()

		e.session.handle(ctx, data, func(frame []byte) {
			e.reply(gen, frame)
		})
	}
}

// reply sends frame only if the connection the call arrived on is still the
// current one.
func (e *Endpoint) reply(gen uint64, frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.generation || e.conn == nil || e.state != hostrpc.StateOpen {
		e.debug("dropping reply for a previous connection", "generation", gen)
		return
	}
	if err := e.conn.Send(context.Background(), frame); err != nil {
		e.logger.Warn("failed to send reply", "error", err)
	}
}

func (e *Endpoint) transition(state hostrpc.State) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.state = state
	e.mu.Unlock()

	e.debug("state changed", "state", state.String())
	e.events.fire(hostrpc.EventChange, state)
}

// up installs c as the live connection and flushes the queue onto it.
func (e *Endpoint) up(c *Conn) bool {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		_ = c.Close(context.Background())
		return false
	}

	e.conn = c
	e.state = hostrpc.StateOpen
	queue := e.queue
	e.queue = nil
	for _, q := range queue {
		if !e.session.has(q.id) {
			continue
		}
		if err := c.Send(context.Background(), q.frame); err != nil {
			e.logger.Warn("failed to flush queued call", "id", q.id, "error", err)
		}
	}
	e.mu.Unlock()

	e.debug("connected", "flushed", len(queue))
	e.events.fire(hostrpc.EventConnect, hostrpc.StateOpen)
	e.events.fire(hostrpc.EventChange, hostrpc.StateOpen)
	return true
}

// down retires the current connection. Every pending call, sent or queued,
// is rejected with cause.
func (e *Endpoint) down(cause error, ev hostrpc.Event) {
	e.mu.Lock()
	e.conn = nil
	e.state = hostrpc.StateClosed
	e.generation++
	e.queue = nil
	n := e.session.reject(cause)
	e.mu.Unlock()

	if n > 0 {
		e.debug("rejected in-flight calls", "count", n, "cause", cause)
	}
	e.events.fire(ev, hostrpc.StateClosed)
	e.events.fire(hostrpc.EventChange, hostrpc.StateClosed)
}

func (e *Endpoint) finish() {
	e.mu.Lock()
	c := e.conn
	prev := e.state
	e.conn = nil
	e.state = hostrpc.StateClosed
	e.generation++
	e.destroyed = true
	e.queue = nil
	e.mu.Unlock()

	e.session.reject(hostrpc.ErrConnectionClosed)
	if c != nil {
		_ = c.Close(context.Background())
	}
	if prev != hostrpc.StateClosed {
		e.events.fire(hostrpc.EventClose, hostrpc.StateClosed)
		e.events.fire(hostrpc.EventChange, hostrpc.StateClosed)
	}
	e.doneOnce.Do(func() { close(e.done) })
}

// Destroy closes the socket and stops reconnecting. Every pending or queued
// call is rejected with ErrConnectionClosed.
func (e *Endpoint) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.queue = nil
	cancel := e.cancel
	c := e.conn
	if c != nil {
		e.state = hostrpc.StateClosing
	}
	e.mu.Unlock()

	e.session.reject(hostrpc.ErrConnectionClosed)

	if cancel == nil {
		e.doneOnce.Do(func() { close(e.done) })
		return
	}
	cancel()
	if c != nil {
		e.events.fire(hostrpc.EventChange, hostrpc.StateClosing)
		_ = c.Close(context.Background())
	}
}

// Done is closed once the endpoint has shut down.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Go sends a call and returns its pending reply. When the socket is not open
// the call is queued, unless NoWait is given.
func (e *Endpoint) Go(method string, params any, opts ...hostrpc.CallOption) *deferred.Deferred[json.RawMessage] {
	_, d := e.start(method, params, hostrpc.ApplyCallOptions(opts))
	return d
}

// Call sends a call and waits for its reply.
func (e *Endpoint) Call(ctx context.Context, method string, params any, opts ...hostrpc.CallOption) (json.RawMessage, error) {
	id, d := e.start(method, params, hostrpc.ApplyCallOptions(opts))
	result, err := d.Wait(ctx)
	if err != nil && ctx.Err() != nil && d.IsPending() {
		e.abandon(id)
	}
	return result, err
}

func (e *Endpoint) start(method string, params any, o hostrpc.CallOptions) (int64, *deferred.Deferred[json.RawMessage]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return 0, deferred.Rejected[json.RawMessage](hostrpc.ErrDestroyed)
	}
	open := e.state == hostrpc.StateOpen && e.conn != nil
	if !open && o.NoWait {
		return 0, deferred.Rejected[json.RawMessage](fmt.Errorf("%w: %s", hostrpc.ErrNotConnected, e.state))
	}

	id, d := e.session.add()
	frame, err := protocol.NewCall(id, method, params)
	if err != nil {
		e.session.remove(id)
		_ = d.Reject(fmt.Errorf("%s: %w", hostrpc.ErrMsgFailedToEncode, err))
		return id, d
	}

	if !open {
		e.queue = append(e.queue, queuedCall{id: id, frame: frame})
		return id, d
	}
	if err := e.conn.Send(context.Background(), frame); err != nil {
		e.logger.Warn("failed to send call", "method", method, "id", id, "error", err)
	}
	return id, d
}

// abandon forgets a call whose caller stopped waiting.
func (e *Endpoint) abandon(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.session.remove(id)
	for i, q := range e.queue {
		if q.id == id {
			e.queue = append(e.queue[:i:i], e.queue[i+1:]...)
			break
		}
	}
}

// AddRoute registers a synchronous handler.
func (e *Endpoint) AddRoute(name string, handler route.Handler, opts ...route.Option) error {
	return e.routes.Add(name, handler, opts...)
}

// AddAsyncRoute registers a handler that settles its own Deferred.
func (e *Endpoint) AddAsyncRoute(name string, handler route.AsyncHandler, opts ...route.Option) error {
	return e.routes.AddAsync(name, handler, opts...)
}

// DeleteRoute removes a route.
func (e *Endpoint) DeleteRoute(name string) bool {
	return e.routes.Delete(name)
}

// Routes returns the registered route names.
func (e *Endpoint) Routes() []string {
	return e.routes.Names()
}

// AddEventListener registers fn for ev and returns its id.
func (e *Endpoint) AddEventListener(ev hostrpc.Event, fn hostrpc.Listener) int {
	return e.events.add(ev, fn)
}

// RemoveEventListener unregisters the listener with id.
func (e *Endpoint) RemoveEventListener(ev hostrpc.Event, id int) bool {
	return e.events.remove(ev, id)
}

// OnEvent resolves on the next occurrence of ev.
func (e *Endpoint) OnEvent(ev hostrpc.Event) *deferred.Deferred[struct{}] {
	return e.events.once(ev)
}

// State returns the connection state.
func (e *Endpoint) State() hostrpc.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// StateCode returns the state as its readyState number.
func (e *Endpoint) StateCode() int {
	return int(e.State())
}

// QueueLen returns the number of calls waiting for the socket to open.
func (e *Endpoint) QueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Pending returns the number of calls awaiting a reply, queued ones included.
func (e *Endpoint) Pending() int {
	return e.session.pendingCount()
}

func (e *Endpoint) debug(msg string, args ...any) {
	if e.cfg.Debug {
		e.logger.Debug(msg, args...)
	}
}

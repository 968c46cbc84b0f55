package hostrpc

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/luciancaetano/hostrpc/internal/deferred"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

type (
	Deferred[T any]   = deferred.Deferred[T]
	RouteHandler      = route.Handler
	AsyncRouteHandler = route.AsyncHandler
	RouteOption       = route.Option
	RemoteError       = protocol.RemoteError
	Request           = protocol.Request
	HeaderFormat      = protocol.HeaderFormat
)

const (
	HeaderHex8     = protocol.HeaderHex8
	HeaderDecimal8 = protocol.HeaderDecimal8
	HeaderBinary4  = protocol.HeaderBinary4
)

// WithSchema validates call params against a JSON schema before the handler runs.
// Params that fail validation are answered with an "Invalid params" error.
func WithSchema(schema []byte) RouteOption {
	return route.WithSchema(schema)
}

// Router is the route surface shared by every endpoint kind.
type Router interface {
	// AddRoute registers a synchronous handler. The handler's return value is
	// sent back as the result; a returned error is sent back as the error.
	// Registering an existing name replaces it.
	AddRoute(name string, handler RouteHandler, opts ...RouteOption) error

	// AddAsyncRoute registers a handler that settles the supplied Deferred
	// itself, possibly long after it returns.
	//
	// Example:
	//
	//	endpoint.AddAsyncRoute("render", func(ctx context.Context, params json.RawMessage, d *hostrpc.Deferred[any]) {
	//	    go func() {
	//	        out, err := render(ctx, params)
	//	        if err != nil {
	//	            d.Reject(err)
	//	            return
	//	        }
	//	        d.Resolve(out)
	//	    }()
	//	})
	AddAsyncRoute(name string, handler AsyncRouteHandler, opts ...RouteOption) error

	// DeleteRoute removes a route and reports whether it existed.
	DeleteRoute(name string) bool

	// Routes returns the registered route names, sorted.
	Routes() []string
}

// Endpoint is a reconnecting WebSocket RPC endpoint.
//
// Both sides of the connection may call each other. Calls made while the
// socket is not open are queued and flushed, in order, once it opens. If the
// socket closes or a dial fails, every pending call is rejected, queued ones
// included.
//
// Example usage:
//
//	endpoint := ws.NewEndpoint(ws.DefaultEndpointConfig("ws://localhost:8080/ws"))
//	endpoint.AddRoute("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return params, nil
//	})
//	endpoint.Connect(ctx)
//
//	result, err := endpoint.Call(ctx, "publish", map[string]any{"family": "render"})
type Endpoint interface {
	Router

	// Connect starts the connection loop. It returns immediately; subsequent
	// calls are no-ops. The loop redials after every close until Destroy.
	Connect(ctx context.Context) error

	// Call invokes method on the peer and blocks until the reply arrives, the
	// connection is lost, or ctx is done.
	Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error)

	// Go invokes method on the peer and returns the pending reply.
	Go(method string, params any, opts ...CallOption) *Deferred[json.RawMessage]

	// AddEventListener registers fn for event and returns an id for removal.
	AddEventListener(event Event, fn Listener) int

	// RemoveEventListener unregisters a listener and reports whether it existed.
	RemoveEventListener(event Event, id int) bool

	// OnEvent returns a Deferred resolved the next time event fires.
	OnEvent(event Event) *Deferred[struct{}]

	// State returns the connection state.
	State() State

	// StateCode returns the numeric connection state, 0 through 3.
	StateCode() int

	// Destroy closes the socket and stops reconnecting. Pending and queued
	// calls are rejected with ErrConnectionClosed.
	Destroy()

	// Done is closed once the connection loop has exited after Destroy.
	Done() <-chan struct{}
}

// Peer is one connection accepted by a Server.
type Peer interface {
	// ID returns the identifier assigned when the peer connected.
	ID() string

	// RemoteAddr returns the peer's remote network address.
	RemoteAddr() string

	// Context is cancelled when the connection closes.
	Context() context.Context

	// Call invokes method on this peer and waits for the reply.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Go invokes method on this peer and returns the pending reply.
	Go(method string, params any) *Deferred[json.RawMessage]

	// Close closes the connection gracefully.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific WebSocket close code and reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still active.
	IsAlive() bool
}

// BroadcastResult is one peer's outcome of Server.Broadcast.
type BroadcastResult struct {
	Result json.RawMessage
	Err    error
}

// Server accepts WebSocket endpoints and speaks the same RPC protocol to each.
//
// Routes registered on the server are shared by every peer.
type Server interface {
	Router

	// Start begins listening. It returns once the listener is bound; Addr
	// then reports the bound address.
	//
	// Returns ErrServerRunning if called twice.
	Start(ctx context.Context) error

	// Stop closes every peer and shuts down the listener.
	Stop(ctx context.Context) error

	// Addr returns the bound listener address, or the configured one before Start.
	Addr() string

	// Handler returns the upgrade handler, for mounting on an existing mux.
	Handler() http.Handler

	// Peer returns the connected peer with the given id.
	Peer(id string) (Peer, bool)

	// Peers returns every connected peer.
	Peers() []Peer

	// Call invokes method on one peer.
	//
	// Returns ErrPeerNotFound if no peer has that id.
	Call(ctx context.Context, peerID, method string, params any) (json.RawMessage, error)

	// Broadcast invokes method on every connected peer concurrently and
	// collects the outcomes by peer id.
	Broadcast(ctx context.Context, method string, params any) map[string]BroadcastResult
}

// ScriptRunner evaluates script requests received on a raw socket.
type ScriptRunner interface {
	RunScript(ctx context.Context, script string) (any, error)
}

// ScriptRunnerFunc adapts a function to ScriptRunner.
type ScriptRunnerFunc func(ctx context.Context, script string) (any, error)

func (f ScriptRunnerFunc) RunScript(ctx context.Context, script string) (any, error) {
	return f(ctx, script)
}

// SocketHost is one side of a raw socket connection exchanging "AH" framed
// requests.
//
// Incoming requests name a function (or module and method) in the host's
// function table, or a script for its ScriptRunner. Every request is echoed
// back with reply set and the outcome in result.
type SocketHost interface {
	// AddFunction registers a synchronous function callable by name.
	AddFunction(name string, fn RouteHandler, opts ...RouteOption) error

	// AddAsyncFunction registers a function that settles its own Deferred.
	AddAsyncFunction(name string, fn AsyncRouteHandler, opts ...RouteOption) error

	// DeleteFunction removes a function and reports whether it existed.
	DeleteFunction(name string) bool

	// Send writes req without waiting for the echo and returns the message id
	// it was assigned.
	Send(req *Request) (int64, error)

	// Request writes req and waits for the echo carrying the same message id.
	//
	// Returns ErrTimeout once the configured wait timeout elapses.
	Request(ctx context.Context, req *Request) (*Request, error)

	// Close closes the current connection.
	Close() error
}

// Package hostrpc provides bidirectional JSON RPC between a host application
// and an external pipeline process.
//
// Two transports carry the same idea of "call a named route on the other
// side and get its result back":
//
//   - WebSocket (package ws). A reconnecting Endpoint runs inside the host
//     (or its panel) and dials a pipeline Server. Either side may call routes
//     on the other.
//   - Raw TCP socket (package sock). Requests are JSON objects framed with an
//     "AH" header and echoed back with the outcome attached.
//
// # WebSocket envelope
//
// Every WebSocket message is one JSON object:
//
//	{"id": 1, "method": "publish", "params": {"family": "render"}}   call
//	{"id": 1, "result": {"published": true}}                         success
//	{"id": 1, "error": "Route not found: publish"}                   failure
//
// A message with a method is a call. Otherwise it answers the call with the
// same id: the presence of the "error" key (even with a null value) marks a
// failure. Endpoints number their calls 1, 3, 5, ... and servers 2, 4, 6, ...
// so the two directions never collide.
//
// # Quick Start
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil, nil))
//	server.AddRoute("publish", func(ctx context.Context, params json.RawMessage) (any, error) {
//	    return map[string]bool{"published": true}, nil
//	})
//	server.Start(ctx)
//
//	endpoint, _ := ws.NewEndpoint(ws.DefaultEndpointConfig("ws://localhost:8080/ws"))
//	endpoint.Connect(ctx)
//	result, err := endpoint.Call(ctx, "publish", map[string]string{"family": "render"})
//
// # Reconnection
//
// An Endpoint redials after every close, waiting ReconnectDelay (1s by
// default) between attempts. Calls made while the socket is not open are
// queued and flushed in order on the next open. When a socket closes, every
// pending call, sent or queued, is rejected with ErrConnectionClosed (or
// ErrWebSocket when the dial failed). Replies produced by handlers
// for a connection that has since been replaced are dropped.
//
// # Frame Format
//
// The socket transport prefixes each JSON payload with a header:
//
//	"AH" + 8 lowercase hex digits of the payload length    (default)
//	"AH" + 8 decimal digits                                 (HeaderDecimal8)
//	"AH" + 4 byte big-endian length                         (HeaderBinary4)
//
// Payloads are limited to 10MB.
//
// # Built-in Routes
//
// Every endpoint, server and socket host answers "ping" (echoes its params)
// and "log" (writes the params to the debug log).
package hostrpc

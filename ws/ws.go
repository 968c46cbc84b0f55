// Package ws is the public entry point for the WebSocket transport.
package ws

import (
	"net/http"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type OnConnectFn = websocket.OnConnectFn
type OnDisconnectFn = websocket.OnPeerDisconnectFn
type ServerConfig = *websocket.ServerConfig
type EndpointConfig = *websocket.EndpointConfig

// NewEndpoint creates a reconnecting endpoint. Nothing is dialed until
// Connect.
//
// Example:
//
//	cfg := ws.DefaultEndpointConfig("/ws")
//	cfg.Origin = "http://localhost:8080"
//	endpoint, err := ws.NewEndpoint(cfg)
//	if err != nil {
//	    return err
//	}
//	endpoint.Connect(ctx)
func NewEndpoint(cfg EndpointConfig) (hostrpc.Endpoint, error) {
	e, err := websocket.NewEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DefaultEndpointConfig returns an endpoint configuration for rawURL with the
// default reconnect delay.
func DefaultEndpointConfig(rawURL string) EndpointConfig {
	return websocket.DefaultEndpointConfig(rawURL)
}

// New creates a pipeline server.
//
// Example:
//
//	server := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(),
//	    func(peer hostrpc.Peer) {
//	        log.Printf("panel connected: %s", peer.ID())
//	    }, nil))
func New(cfg ServerConfig) hostrpc.Server {
	return websocket.New(cfg)
}

// NewConfig builds a server configuration serving on the default path.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, onConnect OnConnectFn, onDisconnect OnDisconnectFn) ServerConfig {
	return &websocket.ServerConfig{
		Addr:             addr,
		Path:             hostrpc.DefaultPath,
		RateLimitConfig:  rateLimitConfig,
		CheckOrigin:      checkOrigin,
		OnConnect:        onConnect,
		OnPeerDisconnect: onDisconnect,
	}
}

// AllOrigins returns a checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// Origins returns a checkOrigin function that allows only the listed
// origins. Requests without an Origin header are allowed.
func Origins(allowed ...string) CheckOriginFn {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ResolveURL turns a possibly root-relative URL into a ws:// or wss:// one.
func ResolveURL(raw, origin string) (string, error) {
	return websocket.ResolveURL(raw, origin)
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

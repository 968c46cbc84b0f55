// Package sock is the public entry point for the raw socket transport.
package sock

import (
	"context"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/socket"
)

type PeerConfig = socket.PeerConfig
type ClientConfig = socket.ClientConfig
type ServerConfig = socket.ServerConfig
type Peer = socket.Peer

// Client is a SocketHost that dials out.
type Client interface {
	hostrpc.SocketHost
	Connect(ctx context.Context) error
	Addr() string
	Done() <-chan struct{}
}

// Server is a SocketHost that accepts one live connection at a time.
type Server interface {
	hostrpc.SocketHost
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Addr() string
	Port() int
}

// DefaultClientConfig dials 127.0.0.1 on the port named by AVALON_HARMONY_PORT.
func DefaultClientConfig() *ClientConfig {
	return socket.DefaultClientConfig()
}

// NewClient creates a client. The port is resolved now; nothing is dialed
// until Connect.
func NewClient(cfg *ClientConfig) (Client, error) {
	c, err := socket.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, cfg *ClientConfig) (Client, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// NewServer creates a server listening on cfg.Addr once started.
func NewServer(cfg *ServerConfig) Server {
	return socket.NewServer(cfg)
}

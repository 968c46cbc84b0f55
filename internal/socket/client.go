package socket

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/luciancaetano/hostrpc"
)

// ClientConfig configures the dialing side.
type ClientConfig struct {
	PeerConfig

	Host string
	// Port is used when set; otherwise it is read from PortEnv.
	Port        int
	PortEnv     string
	DialTimeout time.Duration
}

// DefaultClientConfig dials 127.0.0.1 on the port named by AVALON_HARMONY_PORT.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		PeerConfig: PeerConfig{
			Format:      hostrpc.HeaderHex8,
			WaitTimeout: hostrpc.DefaultWaitTimeout,
		},
		Host:        hostrpc.DefaultSocketHost,
		PortEnv:     hostrpc.DefaultPortEnv,
		DialTimeout: 5 * time.Second,
	}
}

// Address resolves the host:port to dial.
func (c *ClientConfig) Address() (string, error) {
	port := c.Port
	if port == 0 {
		name := c.PortEnv
		if name == "" {
			name = hostrpc.DefaultPortEnv
		}
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("no port configured and %s is unset", name)
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("invalid port %q in %s", v, name)
		}
		port = n
	}
	host := c.Host
	if host == "" {
		host = hostrpc.DefaultSocketHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Client is the connecting side of the socket transport.
type Client struct {
	*host
	addr        string
	dialTimeout time.Duration
}

// NewClient validates cfg. Nothing is dialed until Connect.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil {
		cfg = DefaultClientConfig()
	}
	addr, err := cfg.Address()
	if err != nil {
		return nil, err
	}
	return &Client{
		host:        newHost(cfg.PeerConfig),
		addr:        addr,
		dialTimeout: cfg.DialTimeout,
	}, nil
}

// Addr returns the address the client dials.
func (c *Client) Addr() string {
	return c.addr
}

// Connect dials the server and starts reading. An existing connection is
// closed first.
func (c *Client) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: c.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	p := newPeer(conn, c.functions, c.cfg)
	if old := c.swap(p); old != nil {
		_ = old.Close()
	}
	if c.cfg.Debug {
		c.cfg.Logger.Debug("socket connected", "addr", c.addr)
	}
	go p.run()
	return nil
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	p, ok := c.Peer()
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return p.Done()
}

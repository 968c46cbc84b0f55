package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hostrpc"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	sendBuffer   = 256
)

// Conn wraps one gorilla connection. Writes go through a buffered channel
// drained by a single writer goroutine; reads belong to the owner's loop.
type Conn struct {
	id          string
	ws          *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter
	logger      *slog.Logger
	trace       bool
}

func newConn(ws *websocket.Conn, remoteAddr string, rateLimitConfig *RateLimitConfig, logger *slog.Logger, trace bool) *Conn {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if rateLimitConfig != nil && rateLimitConfig.Enabled {
		limiter = rate.NewLimiter(rateLimitConfig.MessagesPerSecond, rateLimitConfig.Burst)
	}

	c := &Conn{
		id:          uuid.New().String(),
		ws:          ws,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, sendBuffer),
		rateLimiter: limiter,
		logger:      logger,
		trace:       trace,
	}

	go c.writePump()

	return c
}

// ID returns the identifier assigned to this connection.
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Context is cancelled when the connection closes or its writer fails.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Send queues an encoded message for the writer.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return hostrpc.ErrConnectionClosed
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return hostrpc.ErrConnectionClosed
	}
}

// Close closes the connection with a normal closure code.
func (c *Conn) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode sends a close frame with code and reason, then closes the socket.
func (c *Conn) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	message := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))

	c.cancel()
	close(c.sendCh)
	return c.ws.Close()
}

// IsAlive reports whether the connection is still open.
func (c *Conn) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.ctx.Err() == nil
}

// CheckRateLimit reports whether another inbound message is allowed.
func (c *Conn) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// ReadMessage blocks for the next inbound message.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.trace {
		c.logger.Debug("ws recv", "conn_id", c.id, "data", string(data))
	}
	return data, nil
}

// keepAlive arms the read deadline and extends it on every pong.
func (c *Conn) keepAlive() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *Conn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if c.trace {
				c.logger.Debug("ws send", "conn_id", c.id, "data", string(message))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("ws write failed", "conn_id", c.id, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s(%s)", c.id, c.remoteAddr)
}

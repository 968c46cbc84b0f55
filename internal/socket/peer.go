// Package socket implements the raw TCP transport: "AH" framed JSON requests
// that the receiver echoes back with the outcome attached.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/internal/route"
)

const (
	readBufferSize = 4096
	writeWait      = 10 * time.Second
)

// PeerConfig holds the settings shared by both socket roles.
type PeerConfig struct {
	Format      protocol.HeaderFormat
	WaitTimeout time.Duration
	Scripts     hostrpc.ScriptRunner
	Logger      *slog.Logger

	// Debug logs connection events; Trace logs every frame.
	Debug bool
	Trace bool
}

func (c *PeerConfig) withDefaults() PeerConfig {
	out := *c
	if out.WaitTimeout <= 0 {
		out.WaitTimeout = hostrpc.DefaultWaitTimeout
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Peer is one live socket connection.
type Peer struct {
	conn      net.Conn
	cfg       PeerConfig
	functions *route.Table
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	waiters map[int64]chan *protocol.Request

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newPeer(conn net.Conn, functions *route.Table, cfg PeerConfig) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Peer{
		conn:      conn,
		cfg:       cfg,
		functions: functions,
		logger:    cfg.Logger.With("remote_addr", conn.RemoteAddr().String()),
		waiters:   make(map[int64]chan *protocol.Request),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// RemoteAddr returns the remote network address.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that ended the connection, nil while it is open or
// after a clean shutdown.
func (p *Peer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Close closes the connection and fails every outstanding Request.
func (p *Peer) Close() error {
	return p.shutdown(nil)
}

func (p *Peer) shutdown(cause error) error {
	var err error
	p.closeOnce.Do(func() {
		p.err = cause
		p.cancel()
		err = p.conn.Close()

		p.mu.Lock()
		p.waiters = make(map[int64]chan *protocol.Request)
		p.mu.Unlock()

		close(p.done)
		if p.cfg.Debug {
			p.logger.Debug("socket closed", "cause", cause)
		}
	})
	return err
}

// run reads frames until the connection fails.
func (p *Peer) run() {
	decoder := protocol.NewDecoder(p.cfg.Format)
	buf := make([]byte, readBufferSize)

	for {
		n, err := p.conn.Read(buf)
		if n > 0 {
			payloads, ferr := decoder.Feed(buf[:n])
			for _, payload := range payloads {
				p.dispatch(payload)
			}
			if ferr != nil {
				p.logger.Warn("discarding malformed frame data", "error", ferr)
				p.replyParseError(ferr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			_ = p.shutdown(err)
			return
		}
	}
}

func (p *Peer) dispatch(payload []byte) {
	if p.cfg.Trace {
		p.logger.Debug("socket recv", "data", string(payload))
	}

	var req protocol.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		p.logger.Warn("malformed request", "error", err)
		p.replyParseError(err)
		return
	}

	if req.Reply {
		p.deliver(&req)
		return
	}
	go p.process(&req)
}

// replyParseError echoes a best-effort reply for input that never became a
// request. It carries message_id 0 since no id could be read.
func (p *Peer) replyParseError(err error) {
	reply := &protocol.Request{Reply: true}
	reply.Result, _ = json.Marshal(fmt.Sprintf("%s: %v", hostrpc.ErrMsgParseError, err))
	if werr := p.write(reply); werr != nil {
		p.logger.Debug("failed to send parse error", "error", werr)
	}
}

func (p *Peer) deliver(reply *protocol.Request) {
	p.mu.Lock()
	ch, ok := p.waiters[reply.MessageID]
	delete(p.waiters, reply.MessageID)
	p.mu.Unlock()

	if !ok {
		if p.cfg.Debug {
			p.logger.Debug("reply without waiter", "message_id", reply.MessageID)
		}
		return
	}
	ch <- reply
}

// process runs a request and echoes it back with the outcome.
func (p *Peer) process(req *protocol.Request) {
	result, err := p.execute(req)
	if err != nil {
		p.logger.Warn("request failed", "message_id", req.MessageID, "target", req.Target(), "error", err)
		result = fmt.Sprintf("%s\nRequest:\n%s\nError:\n%s", hostrpc.ErrMsgProcessingRequest, req.String(), err)
	}

	reply := *req
	reply.Reply = true
	raw, merr := json.Marshal(result)
	if merr != nil {
		raw, _ = json.Marshal(fmt.Sprintf("%s: %v", hostrpc.ErrMsgFailedToEncode, merr))
	}
	reply.Result = raw

	if werr := p.write(&reply); werr != nil {
		p.logger.Debug("failed to send reply", "message_id", req.MessageID, "error", werr)
	}
}

func (p *Peer) execute(req *protocol.Request) (any, error) {
	switch {
	case req.Script != "":
		if p.cfg.Scripts == nil {
			return nil, hostrpc.ErrCommandNotImplemented
		}
		return p.cfg.Scripts.RunScript(p.ctx, req.Script)

	case req.Function != "" || req.Method != "":
		d := p.functions.Call(p.ctx, req.Target(), req.Args)
		return d.Wait(p.ctx)

	default:
		return hostrpc.ErrMsgCommandNotImplemented, nil
	}
}

func (p *Peer) allocate() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	return p.nextID
}

// Send writes req without waiting for its echo. A zero MessageID is
// replaced with a fresh one, which is returned.
func (p *Peer) Send(req *protocol.Request) (int64, error) {
	if req.MessageID == 0 {
		req.MessageID = p.allocate()
	}
	return req.MessageID, p.write(req)
}

// Request writes req and waits for the echo with the same message id.
func (p *Peer) Request(ctx context.Context, req *protocol.Request) (*protocol.Request, error) {
	if req.MessageID == 0 {
		req.MessageID = p.allocate()
	}
	id := req.MessageID
	ch := make(chan *protocol.Request, 1)

	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()

	forget := func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}

	if err := p.write(req); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("%w: message %d after %s", hostrpc.ErrTimeout, id, p.cfg.WaitTimeout)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-p.done:
		return nil, hostrpc.ErrConnectionClosed
	}
}

func (p *Peer) write(req *protocol.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s: %w", hostrpc.ErrMsgFailedToEncode, err)
	}
	frame, err := protocol.Encode(payload, p.cfg.Format)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return hostrpc.ErrConnectionClosed
	default:
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.cfg.Trace {
		p.logger.Debug("socket send", "data", string(payload))
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := p.conn.Write(frame); err != nil {
		_ = p.shutdown(err)
		return fmt.Errorf("%w: %v", hostrpc.ErrConnectionClosed, err)
	}
	return nil
}

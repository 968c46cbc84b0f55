package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/luciancaetano/hostrpc"
)

// ServerConfig configures the listening side.
type ServerConfig struct {
	PeerConfig

	Addr         string
	OnConnect    func(p *Peer)
	OnDisconnect func(p *Peer)
}

// Server accepts socket connections. Only the newest connection is live:
// accepting another closes the previous one.
type Server struct {
	*host
	addr         string
	onConnect    func(p *Peer)
	onDisconnect func(p *Peer)

	lnMu    sync.Mutex
	ln      net.Listener
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server listening on cfg.Addr once started.
func NewServer(cfg *ServerConfig) *Server {
	return &Server{
		host:         newHost(cfg.PeerConfig),
		addr:         cfg.Addr,
		onConnect:    cfg.OnConnect,
		onDisconnect: cfg.OnDisconnect,
	}
}

// Start binds the listener and accepts in the background.
func (s *Server) Start(ctx context.Context) error {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()

	if s.running {
		return hostrpc.ErrServerRunning
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.running = true
	s.cfg.Logger.Info("socket listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address once started, the configured one before.
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Port returns the bound TCP port, or 0 before Start.
func (s *Server) Port() int {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return 0
	}
	if tcp, ok := s.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.cfg.Logger.Error("accept failed", "error", err)
			}
			return
		}

		p := newPeer(conn, s.functions, s.cfg)
		if old := s.swap(p); old != nil {
			s.cfg.Logger.Info("replacing socket connection", "old", old.RemoteAddr(), "new", p.RemoteAddr())
			_ = old.Close()
		}
		if s.onConnect != nil {
			s.onConnect(p)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p.run()
			if s.onDisconnect != nil {
				s.onDisconnect(p)
			}
		}()
	}
}

// Stop closes the listener and the live connection, then waits for the
// background goroutines.
func (s *Server) Stop(ctx context.Context) error {
	s.lnMu.Lock()
	if !s.running {
		s.lnMu.Unlock()
		return nil
	}
	s.running = false
	ln := s.ln
	s.lnMu.Unlock()

	err := ln.Close()
	_ = s.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

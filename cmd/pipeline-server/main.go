// Command pipeline-server runs the pipeline side of hostrpc: a WebSocket
// server for panels and a socket server for hosts that speak the framed
// socket protocol.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/config"
	"github.com/luciancaetano/hostrpc/internal/logger"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/sock"
	"github.com/luciancaetano/hostrpc/ws"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()
	os.Exit(serve(*configPath))
}

// serve returns the exit code once every deferred cleanup has run.
func serve(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("pipeline server failed", "error", err)
		return 1
	}
	return 0
}

func run(parent context.Context, cfg *config.Config, log *slog.Logger) error {
	parent, cancel := context.WithCancel(parent)
	defer cancel()
	g, ctx := errgroup.WithContext(parent)

	// abort stops whatever already started before reporting a setup error.
	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	var panels hostrpc.Server
	if cfg.Server.Enabled {
		panels = newPanelServer(cfg, log)
		if err := panels.Start(ctx); err != nil {
			return abort(err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(panels.Stop)
		})
	}

	if cfg.Socket.Enabled {
		host, err := newHostServer(cfg, log, panels)
		if err != nil {
			return abort(err)
		}
		if err := host.Start(ctx); err != nil {
			return abort(err)
		}
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(host.Stop)
		})
		// Hosts launched from this process find the port here.
		if err := os.Setenv(cfg.Socket.PortEnv, strconv.Itoa(host.Port())); err != nil {
			return abort(err)
		}
		log.Info("host socket ready", "env", cfg.Socket.PortEnv, "port", host.Port())
	}

	return g.Wait()
}

func shutdown(stop func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return stop(ctx)
}

func newPanelServer(cfg *config.Config, log *slog.Logger) hostrpc.Server {
	rl := ws.NoRateLimit()
	if cfg.Server.RateLimit.Enabled {
		rl = &ws.RateLimitConfig{
			MessagesPerSecond: rate.Limit(cfg.Server.RateLimit.MessagesPerSecond),
			Burst:             cfg.Server.RateLimit.Burst,
			Enabled:           true,
		}
	}

	checkOrigin := ws.AllOrigins()
	if len(cfg.Server.AllowedOrigins) > 0 {
		checkOrigin = ws.Origins(cfg.Server.AllowedOrigins...)
	}

	scfg := ws.NewConfig(cfg.Server.Addr, rl, checkOrigin,
		func(peer hostrpc.Peer) {
			log.Info("panel connected", "peer_id", peer.ID(), "remote_addr", peer.RemoteAddr())
		},
		func(peer hostrpc.Peer, voluntary bool) {
			log.Info("panel disconnected", "peer_id", peer.ID(), "voluntary", voluntary)
		})
	scfg.Path = cfg.Server.Path
	scfg.Logger = log
	scfg.Debug = cfg.Debug
	scfg.Trace = cfg.Trace

	server := ws.New(scfg)
	_ = server.AddRoute("pipeline.version", func(context.Context, json.RawMessage) (any, error) {
		return version, nil
	})
	_ = server.AddRoute("pipeline.peers", func(context.Context, json.RawMessage) (any, error) {
		ids := []string{}
		for _, p := range server.Peers() {
			ids = append(ids, p.ID())
		}
		return ids, nil
	})
	return server
}

type relayArgs struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newHostServer(cfg *config.Config, log *slog.Logger, panels hostrpc.Server) (sock.Server, error) {
	format, err := protocol.ParseHeaderFormat(cfg.Socket.HeaderFormat)
	if err != nil {
		return nil, err
	}

	host := sock.NewServer(&sock.ServerConfig{
		PeerConfig: sock.PeerConfig{
			Format:      format,
			WaitTimeout: cfg.Socket.WaitTimeout,
			Logger:      log.With("component", "socket"),
			Debug:       cfg.Debug,
			Trace:       cfg.Trace,
		},
		Addr: fmt.Sprintf("%s:%d", cfg.Socket.Host, cfg.Socket.Port),
		OnConnect: func(p *sock.Peer) {
			log.Info("host connected", "remote_addr", p.RemoteAddr())
		},
	})

	_ = host.AddFunction("pipeline.version", func(context.Context, json.RawMessage) (any, error) {
		return version, nil
	})

	// pipeline.relay forwards a call from the host to every connected panel.
	_ = host.AddFunction("pipeline.relay", func(ctx context.Context, args json.RawMessage) (any, error) {
		if panels == nil {
			return nil, fmt.Errorf("panel server disabled")
		}
		var a relayArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, fmt.Errorf("relay args: %w", err)
		}
		var params any
		if len(a.Params) > 0 {
			params = a.Params
		}
		out := make(map[string]any)
		for id, r := range panels.Broadcast(ctx, a.Method, params) {
			if r.Err != nil {
				out[id] = map[string]string{"error": r.Err.Error()}
				continue
			}
			out[id] = r.Result
		}
		return out, nil
	}, hostrpc.WithSchema([]byte(`{
		"type": "object",
		"required": ["method"],
		"properties": {"method": {"type": "string", "minLength": 1}}
	}`)))

	return host, nil
}

// Command rpc-probe issues one call over either transport and prints the
// JSON result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/luciancaetano/hostrpc"
	"github.com/luciancaetano/hostrpc/internal/config"
	"github.com/luciancaetano/hostrpc/internal/logger"
	"github.com/luciancaetano/hostrpc/internal/protocol"
	"github.com/luciancaetano/hostrpc/sock"
	"github.com/luciancaetano/hostrpc/ws"
)

func main() {
	var (
		transport = flag.String("transport", "ws", "ws or socket")
		url       = flag.String("url", "", "WebSocket URL (default from config)")
		port      = flag.Int("port", 0, "socket port (default from config or AVALON_HARMONY_PORT)")
		method    = flag.String("method", hostrpc.RoutePing, "route or function to call")
		params    = flag.String("params", `"hello"`, "JSON params")
		timeout   = flag.Duration("timeout", 5*time.Second, "overall timeout")
		cfgPath   = flag.String("config", "", "path to a YAML or TOML config file")
	)
	flag.Parse()

	if err := run(*transport, *url, *port, *method, *params, *timeout, *cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "rpc-probe:", err)
		os.Exit(1)
	}
}

func run(transport, url string, port int, method, params string, timeout time.Duration, cfgPath string) error {
	if !json.Valid([]byte(params)) {
		return fmt.Errorf("params is not valid JSON: %s", params)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var result json.RawMessage
	switch transport {
	case "ws":
		ecfg := ws.DefaultEndpointConfig(cfg.WebSocket.URL)
		if url != "" {
			ecfg.URL = url
		}
		ecfg.Origin = cfg.WebSocket.Origin
		ecfg.ReconnectDelay = cfg.WebSocket.ReconnectDelay
		ecfg.Logger = log
		ecfg.Debug = cfg.Debug
		ecfg.Trace = cfg.Trace

		endpoint, err := ws.NewEndpoint(ecfg)
		if err != nil {
			return err
		}
		defer endpoint.Destroy()
		if err := endpoint.Connect(ctx); err != nil {
			return err
		}
		result, err = endpoint.Call(ctx, method, json.RawMessage(params))
		if err != nil {
			return err
		}

	case "socket":
		format, err := protocol.ParseHeaderFormat(cfg.Socket.HeaderFormat)
		if err != nil {
			return err
		}
		scfg := sock.DefaultClientConfig()
		scfg.Host = cfg.Socket.Host
		scfg.Port = cfg.Socket.Port
		if port != 0 {
			scfg.Port = port
		}
		scfg.PortEnv = cfg.Socket.PortEnv
		scfg.Format = format
		scfg.WaitTimeout = cfg.Socket.WaitTimeout
		scfg.Logger = log
		scfg.Debug = cfg.Debug
		scfg.Trace = cfg.Trace

		client, err := sock.Dial(ctx, scfg)
		if err != nil {
			return err
		}
		defer client.Close()
		reply, err := client.Request(ctx, &hostrpc.Request{Function: method, Args: json.RawMessage(params)})
		if err != nil {
			return err
		}
		result = reply.Result

	default:
		return fmt.Errorf("unknown transport %q", transport)
	}

	fmt.Println(string(result))
	return nil
}

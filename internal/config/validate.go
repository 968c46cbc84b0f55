package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/luciancaetano/hostrpc/internal/protocol"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg and returns a *ValidationError listing every problem.
func Validate(cfg *Config) error {
	ve := &ValidationError{}

	if cfg.WebSocket.ReconnectDelay <= 0 {
		ve.Add("websocket.reconnect_delay must be a positive duration")
	}

	if cfg.Server.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
			ve.Add("server.addr %q: %v", cfg.Server.Addr, err)
		}
		if !strings.HasPrefix(cfg.Server.Path, "/") {
			ve.Add("server.path %q must start with /", cfg.Server.Path)
		}
		if rl := cfg.Server.RateLimit; rl.Enabled && (rl.MessagesPerSecond <= 0 || rl.Burst <= 0) {
			ve.Add("server.rate_limit needs positive messages_per_second and burst")
		}
	}

	if cfg.Socket.Port < 0 || cfg.Socket.Port > 65535 {
		ve.Add("socket.port %d out of range", cfg.Socket.Port)
	}
	if _, err := protocol.ParseHeaderFormat(cfg.Socket.HeaderFormat); err != nil {
		ve.Add("socket.header_format: %v", err)
	}
	if cfg.Socket.WaitTimeout <= 0 {
		ve.Add("socket.wait_timeout must be a positive duration")
	}

	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}

	if ve.HasErrors() {
		return ve
	}
	return nil
}

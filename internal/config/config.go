// Package config loads the hostrpc process configuration from YAML or TOML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/luciancaetano/hostrpc"
)

// Config is the top-level configuration.
type Config struct {
	WebSocket WebSocketConfig `yaml:"websocket" toml:"websocket"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Socket    SocketConfig    `yaml:"socket" toml:"socket"`
	Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
	Debug     bool            `yaml:"debug" toml:"debug"`
	Trace     bool            `yaml:"trace" toml:"trace"`
}

// WebSocketConfig configures an outgoing endpoint.
type WebSocketConfig struct {
	URL            string        `yaml:"url" toml:"url"`
	Origin         string        `yaml:"origin" toml:"origin"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
}

// ServerConfig configures the WebSocket pipeline server.
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Addr           string   `yaml:"addr" toml:"addr"`
	Path           string   `yaml:"path" toml:"path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
	RateLimit      struct {
		Enabled           bool    `yaml:"enabled" toml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second" toml:"messages_per_second"`
		Burst             int     `yaml:"burst" toml:"burst"`
	} `yaml:"rate_limit" toml:"rate_limit"`
}

// SocketConfig configures the raw socket transport.
type SocketConfig struct {
	Enabled      bool          `yaml:"enabled" toml:"enabled"`
	Host         string        `yaml:"host" toml:"host"`
	Port         int           `yaml:"port" toml:"port"`
	PortEnv      string        `yaml:"port_env" toml:"port_env"`
	HeaderFormat string        `yaml:"header_format" toml:"header_format"`
	WaitTimeout  time.Duration `yaml:"wait_timeout" toml:"wait_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Defaults returns a Config with every field set to its default.
func Defaults() *Config {
	cfg := &Config{
		WebSocket: WebSocketConfig{
			URL:            "ws://127.0.0.1:8080" + hostrpc.DefaultPath,
			ReconnectDelay: hostrpc.DefaultReconnectDelay,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
			Path:    hostrpc.DefaultPath,
		},
		Socket: SocketConfig{
			Enabled:      true,
			Host:         hostrpc.DefaultSocketHost,
			PortEnv:      hostrpc.DefaultPortEnv,
			HeaderFormat: "hex",
			WaitTimeout:  hostrpc.DefaultWaitTimeout,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
	cfg.Server.RateLimit.Enabled = true
	cfg.Server.RateLimit.MessagesPerSecond = 100
	cfg.Server.RateLimit.Burst = 200
	return cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. Debug or Trace lowers the log level to debug. A missing file yields the defaults. The format is
// chosen by extension: .toml for TOML, anything else YAML.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	// Debug and trace output is logged at debug level.
	if cfg.Debug || cfg.Trace {
		cfg.Logger.Level = "debug"
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

// ApplyEnvOverrides maps environment variables to config fields.
func ApplyEnvOverrides(cfg *Config) error {
	name := cfg.Socket.PortEnv
	if name == "" {
		name = hostrpc.DefaultPortEnv
	}
	if v := os.Getenv(name); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid port %q", name, v)
		}
		cfg.Socket.Port = port
	}
	if v := os.Getenv("HOSTRPC_DEBUG"); v != "" {
		cfg.Debug = isTrue(v)
	}
	if v := os.Getenv("HOSTRPC_TRACE"); v != "" {
		cfg.Trace = isTrue(v)
	}
	if v := os.Getenv("HOSTRPC_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("HOSTRPC_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	return nil
}

func isTrue(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

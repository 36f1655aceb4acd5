// Package config loads process configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable the multiplexer needs at startup. Priority
// is env vars > .env file > struct defaults, same as Load below.
type Config struct {
	// Ingress
	Addr string `env:"RPCMUX_ADDR" envDefault:":8080"`

	// Upstream nodes, comma-separated ws:// or wss:// URLs. The node at
	// index i gets Rank len(Nodes)-i, so earlier entries are preferred
	// all else equal; operators wanting a flat rank list can still
	// differentiate purely on measured health.
	UpstreamNodes []string `env:"RPCMUX_UPSTREAM_NODES" envSeparator:"," envDefault:""`

	// Dialing and reconnection
	DialTimeout time.Duration `env:"RPCMUX_DIAL_TIMEOUT" envDefault:"5s"`
	BackoffMin  time.Duration `env:"RPCMUX_BACKOFF_MIN" envDefault:"250ms"`
	BackoffMax  time.Duration `env:"RPCMUX_BACKOFF_MAX" envDefault:"30s"`

	// Health scoring
	HealthAlpha      float64 `env:"RPCMUX_HEALTH_ALPHA" envDefault:"0.2"`
	HealthWindowSize int     `env:"RPCMUX_HEALTH_WINDOW" envDefault:"3"`
	LatencyWeight    float64 `env:"RPCMUX_LATENCY_WEIGHT" envDefault:"10.0"`
	ThroughputWeight float64 `env:"RPCMUX_THROUGHPUT_WEIGHT" envDefault:"0.001"`

	// Queues
	WorkerOutboundBuffer int `env:"RPCMUX_WORKER_OUTBOUND_BUFFER" envDefault:"4096"`
	ManagerIngressBuffer int `env:"RPCMUX_MANAGER_INGRESS_BUFFER" envDefault:"4096"`
	BroadcastBuffer      int `env:"RPCMUX_BROADCAST_BUFFER" envDefault:"256"`
	UserSendBuffer       int `env:"RPCMUX_USER_SEND_BUFFER" envDefault:"256"`

	// Per-node outbound rate limiting. 0 disables the limiter.
	NodeRateLimit float64 `env:"RPCMUX_NODE_RATE_LIMIT" envDefault:"0"`
	NodeRateBurst int     `env:"RPCMUX_NODE_RATE_BURST" envDefault:"1"`

	// Calls
	CallTimeout time.Duration `env:"RPCMUX_CALL_TIMEOUT" envDefault:"10s"`

	// Downstream connection-flood protection, applied before the
	// WebSocket upgrade.
	ConnIPRate      float64       `env:"RPCMUX_CONN_IP_RATE" envDefault:"1.0"`
	ConnIPBurst     int           `env:"RPCMUX_CONN_IP_BURST" envDefault:"10"`
	ConnGlobalRate  float64       `env:"RPCMUX_CONN_GLOBAL_RATE" envDefault:"50.0"`
	ConnGlobalBurst int           `env:"RPCMUX_CONN_GLOBAL_BURST" envDefault:"300"`
	ConnIPTTL       time.Duration `env:"RPCMUX_CONN_IP_TTL" envDefault:"5m"`

	// Monitoring
	MetricsAddr     string        `env:"RPCMUX_METRICS_ADDR" envDefault:":9090"`
	MetricsInterval time.Duration `env:"RPCMUX_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment, applies defaults, and validates the result. logger may be
// nil during very early startup before a logger exists yet.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		} else {
			fmt.Println("info: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally-consistent, actionable
// values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RPCMUX_ADDR is required")
	}
	if len(c.UpstreamNodes) == 0 || c.UpstreamNodes[0] == "" {
		return fmt.Errorf("RPCMUX_UPSTREAM_NODES must name at least one upstream")
	}
	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("RPCMUX_BACKOFF_MAX (%s) must be >= RPCMUX_BACKOFF_MIN (%s)", c.BackoffMax, c.BackoffMin)
	}
	if c.HealthAlpha <= 0 || c.HealthAlpha > 1 {
		return fmt.Errorf("RPCMUX_HEALTH_ALPHA must be in (0, 1], got %.3f", c.HealthAlpha)
	}
	if c.HealthWindowSize < 1 {
		return fmt.Errorf("RPCMUX_HEALTH_WINDOW must be >= 1, got %d", c.HealthWindowSize)
	}
	if c.WorkerOutboundBuffer < 1 {
		return fmt.Errorf("RPCMUX_WORKER_OUTBOUND_BUFFER must be > 0, got %d", c.WorkerOutboundBuffer)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Strs("upstream_nodes", c.UpstreamNodes).
		Dur("dial_timeout", c.DialTimeout).
		Dur("backoff_min", c.BackoffMin).
		Dur("backoff_max", c.BackoffMax).
		Float64("health_alpha", c.HealthAlpha).
		Int("health_window", c.HealthWindowSize).
		Float64("latency_weight", c.LatencyWeight).
		Float64("throughput_weight", c.ThroughputWeight).
		Int("worker_outbound_buffer", c.WorkerOutboundBuffer).
		Int("manager_ingress_buffer", c.ManagerIngressBuffer).
		Dur("call_timeout", c.CallTimeout).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

// Package config loads the bridge configuration from the environment and maps
// it onto the functional options of each component.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-streaming-bridge/disposition"
	"github.com/ggoodman/mcp-streaming-bridge/internal/metrics"
	"github.com/ggoodman/mcp-streaming-bridge/multiplexer"
	"github.com/ggoodman/mcp-streaming-bridge/sessions"
	"github.com/ggoodman/mcp-streaming-bridge/upstream"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid configuration")

// Config is the bridge configuration. Defaults are provided via struct tags.
type Config struct {
	// Listen is the address the HTTP server binds. ENV: MCPBRIDGE_LISTEN
	Listen string `env:"MCPBRIDGE_LISTEN,default=:8080"`
	// PublicURL is the externally visible MCP endpoint. Its path is the one
	// the bridge serves. ENV: MCPBRIDGE_PUBLIC_URL
	PublicURL string `env:"MCPBRIDGE_PUBLIC_URL,default=http://localhost:8080/mcp"`
	// UpstreamURL is the streamable HTTP endpoint of the upstream MCP server.
	// ENV: MCPBRIDGE_UPSTREAM_URL
	UpstreamURL string `env:"MCPBRIDGE_UPSTREAM_URL"`
	// UpstreamStandalone keeps a GET stream open to the upstream for
	// server-initiated messages. ENV: MCPBRIDGE_UPSTREAM_STANDALONE
	UpstreamStandalone bool `env:"MCPBRIDGE_UPSTREAM_STANDALONE,default=true"`
	// NodeID prefixes event ids minted by this node. Random when empty.
	// ENV: MCPBRIDGE_NODE_ID
	NodeID string `env:"MCPBRIDGE_NODE_ID"`

	IdleTimeout   time.Duration `env:"MCPBRIDGE_IDLE_TIMEOUT,default=30m"`
	SweepInterval time.Duration `env:"MCPBRIDGE_SWEEP_INTERVAL,default=1m"`
	MaxSessions   int           `env:"MCPBRIDGE_MAX_SESSIONS,default=1000"`
	MaxStreams    int           `env:"MCPBRIDGE_MAX_STREAMS,default=4"`
	Renegotiation bool          `env:"MCPBRIDGE_ALLOW_RENEGOTIATION,default=false"`

	HeartbeatInterval time.Duration `env:"MCPBRIDGE_HEARTBEAT_INTERVAL,default=15s"`
	CloseGrace        time.Duration `env:"MCPBRIDGE_CLOSE_GRACE,default=2s"`
	ReplayWindow      int           `env:"MCPBRIDGE_REPLAY_WINDOW,default=256"`
	MaxFrameBytes     int           `env:"MCPBRIDGE_MAX_FRAME_BYTES,default=4194304"`
	RequestTimeout    time.Duration `env:"MCPBRIDGE_REQUEST_TIMEOUT,default=30s"`

	// StreamThreshold is the reply size in bytes above which replies
	// stream. ENV: MCPBRIDGE_STREAM_THRESHOLD
	StreamThreshold int64 `env:"MCPBRIDGE_STREAM_THRESHOLD,default=1048576"`
	// StreamMethods is a semicolon separated list of method indicators.
	// ENV: MCPBRIDGE_STREAM_METHODS
	StreamMethods []string `env:"MCPBRIDGE_STREAM_METHODS,default=subscribe;watch;stream;tail"`
	// RulesFile is a JSON disposition rules file, reloaded on change.
	// ENV: MCPBRIDGE_RULES_FILE
	RulesFile string `env:"MCPBRIDGE_RULES_FILE"`

	// RedisAddr selects the Redis event store when set. ENV: MCPBRIDGE_REDIS_ADDR
	RedisAddr   string        `env:"MCPBRIDGE_REDIS_ADDR"`
	RedisPrefix string        `env:"MCPBRIDGE_REDIS_PREFIX,default=mcpbridge:events:"`
	RedisTTL    time.Duration `env:"MCPBRIDGE_REDIS_TTL,default=1h"`

	PoolMax            int           `env:"MCPBRIDGE_POOL_MAX,default=10"`
	PoolAcquireTimeout time.Duration `env:"MCPBRIDGE_POOL_ACQUIRE_TIMEOUT,default=5s"`
	PoolIdleTimeout    time.Duration `env:"MCPBRIDGE_POOL_IDLE_TIMEOUT,default=5m"`
	PoolMaxLifetime    time.Duration `env:"MCPBRIDGE_POOL_MAX_LIFETIME,default=1h"`
	HealthInterval     time.Duration `env:"MCPBRIDGE_HEALTH_INTERVAL,default=30s"`

	RecordingBuffer int  `env:"MCPBRIDGE_RECORDING_BUFFER,default=1024"`
	RecordingLog    bool `env:"MCPBRIDGE_RECORDING_LOG,default=false"`

	// BlockMethods are path.Match patterns of client methods the bridge
	// refuses to forward. ENV: MCPBRIDGE_BLOCK_METHODS
	BlockMethods []string `env:"MCPBRIDGE_BLOCK_METHODS"`

	// MetricsPath serves Prometheus metrics when non-empty.
	// ENV: MCPBRIDGE_METRICS_PATH
	MetricsPath string `env:"MCPBRIDGE_METRICS_PATH,default=/metrics"`
}

// Load decodes the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.UpstreamURL == "" {
		invalid("MCPBRIDGE_UPSTREAM_URL is required")
	} else if err := checkURL(c.UpstreamURL); err != nil {
		invalid("MCPBRIDGE_UPSTREAM_URL: %v", err)
	}
	if err := checkURL(c.PublicURL); err != nil {
		invalid("MCPBRIDGE_PUBLIC_URL: %v", err)
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"MCPBRIDGE_IDLE_TIMEOUT", c.IdleTimeout > 0},
		{"MCPBRIDGE_SWEEP_INTERVAL", c.SweepInterval > 0},
		{"MCPBRIDGE_MAX_SESSIONS", c.MaxSessions > 0},
		{"MCPBRIDGE_MAX_STREAMS", c.MaxStreams > 0},
		{"MCPBRIDGE_HEARTBEAT_INTERVAL", c.HeartbeatInterval > 0},
		{"MCPBRIDGE_CLOSE_GRACE", c.CloseGrace > 0},
		{"MCPBRIDGE_REPLAY_WINDOW", c.ReplayWindow > 0},
		{"MCPBRIDGE_MAX_FRAME_BYTES", c.MaxFrameBytes > 0},
		{"MCPBRIDGE_REQUEST_TIMEOUT", c.RequestTimeout > 0},
		{"MCPBRIDGE_POOL_MAX", c.PoolMax > 0},
		{"MCPBRIDGE_HEALTH_INTERVAL", c.HealthInterval > 0},
	}
	for _, p := range positive {
		if !p.ok {
			invalid("%s must be positive", p.name)
		}
	}
	if c.StreamThreshold < 0 {
		invalid("MCPBRIDGE_STREAM_THRESHOLD must not be negative")
	}

	// Periodic cadences must be staggered.
	if c.SweepInterval > 0 && c.SweepInterval == c.HeartbeatInterval {
		invalid("MCPBRIDGE_SWEEP_INTERVAL and MCPBRIDGE_HEARTBEAT_INTERVAL must differ")
	}
	if c.SweepInterval > 0 && c.SweepInterval == c.HealthInterval {
		invalid("MCPBRIDGE_SWEEP_INTERVAL and MCPBRIDGE_HEALTH_INTERVAL must differ")
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatInterval == c.HealthInterval {
		invalid("MCPBRIDGE_HEARTBEAT_INTERVAL and MCPBRIDGE_HEALTH_INTERVAL must differ")
	}

	if _, err := c.Rules(); err != nil {
		invalid("%v", err)
	}
	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// Rules returns the disposition rules described by the environment. A rules
// file, when configured, replaces them once loaded.
func (c Config) Rules() (disposition.Rules, error) {
	r := disposition.DefaultRules()
	r.SizeThreshold = c.StreamThreshold
	r.StreamMethods = r.StreamMethods[:0:0]
	for _, m := range c.StreamMethods {
		if m = strings.TrimSpace(m); m != "" {
			r.StreamMethods = append(r.StreamMethods, m)
		}
	}
	if err := r.Validate(); err != nil {
		return disposition.Rules{}, err
	}
	return r, nil
}

// SessionOptions maps the configuration onto sessions.Registry options.
func (c Config) SessionOptions() []sessions.Option {
	opts := []sessions.Option{
		sessions.WithIdleTimeout(c.IdleTimeout),
		sessions.WithSweepInterval(c.SweepInterval),
		sessions.WithMaxSessions(c.MaxSessions),
		sessions.WithMaxStreams(c.MaxStreams),
		sessions.WithRenegotiation(c.Renegotiation),
	}
	if c.NodeID != "" {
		opts = append(opts, sessions.WithNodeID(c.NodeID))
	}
	return opts
}

// MultiplexerOptions maps the configuration onto multiplexer options.
func (c Config) MultiplexerOptions() []multiplexer.Option {
	return []multiplexer.Option{
		multiplexer.WithHeartbeat(c.HeartbeatInterval),
		multiplexer.WithGrace(c.CloseGrace),
	}
}

// PoolOptions maps the configuration onto upstream.Pool options.
func (c Config) PoolOptions(m *metrics.Metrics) upstream.Options {
	opts := upstream.DefaultOptions()
	opts.MaxConnections = c.PoolMax
	opts.AcquireTimeout = c.PoolAcquireTimeout
	opts.IdleTimeout = c.PoolIdleTimeout
	opts.MaxLifetime = c.PoolMaxLifetime
	opts.HealthCheckInterval = c.HealthInterval
	opts.Metrics = m
	return opts
}

// PublicPath returns the path component of PublicURL.
func (c Config) PublicPath() string {
	u, err := url.Parse(c.PublicURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Transports supported for outbound summaries.
const (
	TransportRedis     = "redis"
	TransportWebSocket = "websocket"
)

// Config holds the rolling statistics service configuration.
type Config struct {
	// Redis
	RedisURL      string   `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisPassword string   `env:"REDIS_PASSWORD"`
	StreamKeys    []string `env:"STREAM_KEYS" envSeparator:"," envDefault:"trades:finnhub"`
	ConsumerGroup string   `env:"CONSUMER_GROUP" envDefault:"rollingstats"`

	// Finnhub feed, enabled when the token is set
	FinnhubToken string   `env:"FINNHUB_TOKEN"`
	FinnhubURL   string   `env:"FINNHUB_URL" envDefault:"wss://ws.finnhub.io"`
	Symbols      []string `env:"SYMBOLS" envSeparator:","`

	// Windows
	HorizonsSec       []int `env:"HORIZONS_SEC" envSeparator:"," envDefault:"1,10,60,300,600"`
	PublishIntervalMs int   `env:"PUBLISH_INTERVAL_MS" envDefault:"1000"`
	Shards            int   `env:"SHARDS" envDefault:"16"`

	// Output
	Transport    string `env:"TRANSPORT" envDefault:"redis"`
	WSSinkURL    string `env:"WS_SINK_URL"`
	OutputStream string `env:"OUTPUT_STREAM" envDefault:"summaries"`
	CacheTTLSec  int    `env:"CACHE_TTL_SEC" envDefault:"300"`

	// Raw trade relay on /trades, disabled when zero
	BroadcastQueueLimit int `env:"BROADCAST_QUEUE_LIMIT" envDefault:"10000"`

	// Delivery
	PublishMaxAttempts  int `env:"PUBLISH_MAX_ATTEMPTS" envDefault:"3"`
	PublishBackoffMs    int `env:"PUBLISH_BACKOFF_MS" envDefault:"50"`
	PublishMaxBackoffMs int `env:"PUBLISH_MAX_BACKOFF_MS" envDefault:"1000"`
	PendingLimit        int `env:"PENDING_LIMIT" envDefault:"10000"`
	ShutdownTimeoutSec  int `env:"SHUTDOWN_TIMEOUT_SEC" envDefault:"5"`

	// Computed durations (not from env)
	Horizons          []time.Duration `env:"-"`
	PublishInterval   time.Duration   `env:"-"`
	CacheTTL          time.Duration   `env:"-"`
	PublishBackoff    time.Duration   `env:"-"`
	PublishMaxBackoff time.Duration   `env:"-"`
	ShutdownTimeout   time.Duration   `env:"-"`

	// Observability
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPPort       int    `env:"HTTP_PORT" envDefault:"8080"`
	PrometheusPort int    `env:"PROMETHEUS_PORT" envDefault:"9091"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.StreamKeys = trimAll(cfg.StreamKeys)
	cfg.Symbols = trimAll(cfg.Symbols)
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))

	cfg.Horizons = make([]time.Duration, len(cfg.HorizonsSec))
	for i, sec := range cfg.HorizonsSec {
		cfg.Horizons[i] = time.Duration(sec) * time.Second
	}
	cfg.PublishInterval = time.Duration(cfg.PublishIntervalMs) * time.Millisecond
	cfg.CacheTTL = time.Duration(cfg.CacheTTLSec) * time.Second
	cfg.PublishBackoff = time.Duration(cfg.PublishBackoffMs) * time.Millisecond
	cfg.PublishMaxBackoff = time.Duration(cfg.PublishMaxBackoffMs) * time.Millisecond
	cfg.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSec) * time.Second

	return cfg, nil
}

// trimAll trims entries and drops empty ones.
func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Horizons) == 0 {
		return fmt.Errorf("at least one horizon must be configured")
	}

	if c.PublishInterval <= 0 {
		return fmt.Errorf("publish interval must be positive")
	}

	for _, h := range c.Horizons {
		if h < c.PublishInterval {
			return fmt.Errorf("horizon %s is shorter than the publish interval %s", h, c.PublishInterval)
		}
	}

	if c.Shards < 1 {
		return fmt.Errorf("shards must be at least 1, got %d", c.Shards)
	}

	switch c.Transport {
	case TransportRedis:
		if c.OutputStream == "" {
			return fmt.Errorf("output stream is required for the redis transport")
		}
		if c.CacheTTL < time.Second {
			return fmt.Errorf("cache TTL must be at least 1 second")
		}
	case TransportWebSocket:
		if c.WSSinkURL == "" {
			return fmt.Errorf("WS_SINK_URL is required for the websocket transport")
		}
	default:
		return fmt.Errorf("unknown transport: %s", c.Transport)
	}

	if c.FinnhubToken != "" && len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol must be configured for the finnhub feed")
	}

	if c.FinnhubToken == "" && len(c.StreamKeys) == 0 {
		return fmt.Errorf("no trade source configured: set STREAM_KEYS or FINNHUB_TOKEN")
	}

	if c.PublishMaxAttempts < 1 {
		return fmt.Errorf("publish max attempts must be at least 1")
	}

	if c.PendingLimit < 1 {
		return fmt.Errorf("pending limit must be at least 1")
	}

	if c.BroadcastQueueLimit < 0 {
		return fmt.Errorf("broadcast queue limit must not be negative")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}

	return nil
}

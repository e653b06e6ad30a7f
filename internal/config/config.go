// Package config loads runtime settings for the relay from the environment,
// applying defaults and clamping invalid values.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" default:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" default:"1s"`
}

// RelayConfig controls group membership and fan-out policy.
type RelayConfig struct {
	Group               string `env:"RELAY_GROUP" default:"chat_group"`
	EchoToSender        bool   `env:"RELAY_ECHO_TO_SENDER" default:"true"`
	EvictOnFailure      bool   `env:"RELAY_EVICT_ON_FAILURE" default:"true"`
	DeliveryConcurrency int    `env:"RELAY_DELIVERY_CONCURRENCY" default:"16"`
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port            string        `env:"SERVER_PORT" default:":8080"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" default:"http://localhost:8080"`
	MaxMessageSize  int64         `env:"MAX_MESSAGE_SIZE" default:"512"`
	SendBufferSize  int           `env:"SEND_BUFFER_SIZE" default:"256"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
	RedisURL        string        `env:"REDIS_URL"`
	LogLevel        string        `env:"LOG_LEVEL" default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" default:"text"`

	RateLimit RateLimitConfig
	Relay     RelayConfig
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Port:            ":8080",
		AllowedOrigins:  []string{"http://localhost:8080"},
		MaxMessageSize:  512,
		SendBufferSize:  256,
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Relay: RelayConfig{
			Group:               "chat_group",
			EchoToSender:        true,
			EvictOnFailure:      true,
			DeliveryConcurrency: 16,
		},
	}
}

// Load reads an optional .env file and then the process environment.
// Unset variables fall back to their defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return Sanitize(cfg), nil
}

// Sanitize replaces out-of-range values with defaults.
func Sanitize(cfg Config) Config {
	def := Default()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	cfg.Relay.Group = strings.TrimSpace(cfg.Relay.Group)
	if cfg.Relay.Group == "" {
		cfg.Relay.Group = def.Relay.Group
	}

	if cfg.Relay.DeliveryConcurrency <= 0 {
		cfg.Relay.DeliveryConcurrency = def.Relay.DeliveryConcurrency
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}

// Package config loads the process-wide configuration from environment
// variables (optionally seeded by a .env file), as spec'd in spec.md §6.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration. Field names follow spec.md §6's
// environment variable table.
type Config struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8080"`

	StoreURL            string        `env:"STORE_URL" envDefault:"redis://localhost:6379/0"`
	StoreMaxConnections int           `env:"STORE_MAX_CONNECTIONS" envDefault:"50"`
	StoreSocketTimeout  time.Duration `env:"STORE_SOCKET_TIMEOUT" envDefault:"5s"`

	SessionTTLSeconds int `env:"SESSION_TTL_SECONDS" envDefault:"3600"`

	SSEHeartbeatInterval    time.Duration `env:"SSE_HEARTBEAT_INTERVAL" envDefault:"15s"`
	SSEIdleTimeoutSec       int           `env:"SSE_IDLE_TIMEOUT_SEC" envDefault:"300"`
	SSEMaxQueueSize         int           `env:"SSE_MAX_QUEUE_SIZE" envDefault:"100"`
	StreamMaxLen            int64         `env:"STREAM_MAXLEN" envDefault:"1000"`
	StreamBlockTimeoutMS    int           `env:"STREAM_BLOCK_TIMEOUT_MS" envDefault:"5000"`
	StreamMaxPendingClaimMS int           `env:"STREAM_MAX_PENDING_CLAIM_AGE_MS" envDefault:"30000"`

	LockTTLSeconds int `env:"LOCK_TTL_SECONDS" envDefault:"30"`

	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"60s"`

	AgentTaskTimeout time.Duration `env:"AGENT_TASK_TIMEOUT" envDefault:"120s"`
	AgentMaxRetries  int           `env:"AGENT_MAX_RETRIES" envDefault:"3"`

	APIKeys   string `env:"API_KEYS" envDefault:""`
	JWTSecret string `env:"JWT_SECRET" envDefault:""`

	Workers int `env:"WORKERS" envDefault:"4"`

	NATSURL         string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	KafkaBrokers    string `env:"ANALYTICS_KAFKA_BROKERS" envDefault:""`
	KafkaTopic      string `env:"ANALYTICS_KAFKA_TOPIC" envDefault:"agentstream.events"`

	CPURejectThreshold float64       `env:"CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64       `env:"CPU_PAUSE_THRESHOLD" envDefault:"85.0"`
	MemoryLimitBytes   int64         `env:"MEMORY_LIMIT_BYTES" envDefault:"1073741824"`
	MaxGoroutines      int           `env:"MAX_GOROUTINES" envDefault:"10000"`
	DispatchesPerSec   int           `env:"DISPATCH_RATE_PER_SEC" envDefault:"50"`
	ResourceSampleInterval time.Duration `env:"RESOURCE_SAMPLE_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Environment variables always win over the .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// Absence of a .env file is not an error; production deploys
		// set real environment variables.
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

// Validate checks configuration for obviously broken values.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}
	if c.StoreMaxConnections < 1 {
		return fmt.Errorf("STORE_MAX_CONNECTIONS must be > 0, got %d", c.StoreMaxConnections)
	}
	if c.SessionTTLSeconds < 1 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be > 0, got %d", c.SessionTTLSeconds)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("CPU_PAUSE_THRESHOLD (%.1f) must be >= CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json,pretty (got %q)", c.LogFormat)
	}
	return nil
}

// Addr returns the listen address for net.Listen.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogFields emits the loaded configuration through a structured logger,
// mirroring the teacher's LogConfig.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Str("store_url", c.StoreURL).
		Int("store_max_connections", c.StoreMaxConnections).
		Int("session_ttl_seconds", c.SessionTTLSeconds).
		Dur("sse_heartbeat_interval", c.SSEHeartbeatInterval).
		Int("sse_idle_timeout_sec", c.SSEIdleTimeoutSec).
		Int("sse_max_queue_size", c.SSEMaxQueueSize).
		Int64("stream_maxlen", c.StreamMaxLen).
		Int("rate_limit_requests", c.RateLimitRequests).
		Dur("rate_limit_window", c.RateLimitWindow).
		Dur("agent_task_timeout", c.AgentTaskTimeout).
		Int("agent_max_retries", c.AgentMaxRetries).
		Int("workers", c.Workers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}

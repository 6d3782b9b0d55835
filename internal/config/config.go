package config

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	TargetDir   string `envconfig:"TARGET_DIR" required:"true"`
	ExternalDir string `envconfig:"EXTERNAL_DIR"`

	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"5"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"5"`
	WatchdogDelay     time.Duration `envconfig:"WATCHDOG_DELAY" default:"5m"`
	ExitWhenIdle      bool          `envconfig:"EXIT_WHEN_IDLE" default:"true"`
	SequentialBatches bool          `envconfig:"SEQUENTIAL_BATCHES" default:"false"`
	ProbeTimeout      time.Duration `envconfig:"PROBE_TIMEOUT" default:"10s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	ArrBaseURL string `envconfig:"ARR_BASE_URL"`
	ArrAPIKey  string `envconfig:"ARR_API_KEY"`

	Telemetry struct {
		Enabled      bool          `split_words:"true" default:"true"`
		ServiceName  string        `split_words:"true" default:"download_manager"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"1m"`
	}

	// API protects the mutating HTTP routes with basic auth when Username is set.
	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParallelLimit is the concurrency limit for download tasks. It can be changed at runtime;
// the task pool reads it on every dispatch.
type ParallelLimit struct {
	v atomic.Int64
}

// NewParallelLimit returns a limit initialised to n.
func NewParallelLimit(n int) *ParallelLimit {
	l := &ParallelLimit{}
	l.Set(n)

	return l
}

// Limit returns the current limit.
func (l *ParallelLimit) Limit() int {
	return int(l.v.Load())
}

// Set changes the limit. Values below 1 are clamped to 1.
func (l *ParallelLimit) Set(n int) {
	if n < 1 {
		n = 1
	}

	l.v.Store(int64(n))
}

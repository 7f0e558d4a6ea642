// Package config loads and validates SDK configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all SDK configuration values. Programmatic options on the
// public constructor override anything loaded here.
type Config struct {
	// Aggregation guardrails.
	MaxBufferedTraces int
	MaxSpansPerTrace  int
	GracePeriod       time.Duration
	MaxTraceAge       time.Duration

	// Delivery settings.
	MaxConcurrentExports int
	HTTPTimeout          time.Duration
	Retries              int
	RetryBackoff         time.Duration
	EndpointOverride     string // bypasses per-tenant endpoint discovery entirely
	UseServiceEndpoint   bool
	SendTenantHeader     bool // custom-domain variant: tenant travels in a header

	// Self-metrics settings.
	MetricsEndpoint string
	ServiceName     string
	OTELInsecure    bool

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with the documented
// defaults.
func Load() (Config, error) {
	cfg := Config{
		MaxBufferedTraces:    envInt("A365_MAX_BUFFERED_TRACES", 1000),
		MaxSpansPerTrace:     envInt("A365_MAX_SPANS_PER_TRACE", 5000),
		GracePeriod:          envDuration("A365_GRACE_PERIOD", 250*time.Millisecond),
		MaxTraceAge:          envDuration("A365_MAX_TRACE_AGE", 5*time.Minute),
		MaxConcurrentExports: envInt("A365_MAX_CONCURRENT_EXPORTS", 20),
		HTTPTimeout:          envDuration("A365_HTTP_TIMEOUT", 30*time.Second),
		Retries:              envInt("A365_RETRIES", 3),
		RetryBackoff:         envDuration("A365_RETRY_BACKOFF", 200*time.Millisecond),
		EndpointOverride:     envStr("A365_ENDPOINT", ""),
		UseServiceEndpoint:   envBool("A365_USE_SERVICE_ENDPOINT", false),
		SendTenantHeader:     envBool("A365_SEND_TENANT_HEADER", false),
		MetricsEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "agent365-sdk"),
		OTELInsecure:         envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		LogLevel:             envStr("A365_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the guardrails are usable.
func (c Config) Validate() error {
	if c.MaxBufferedTraces <= 0 {
		return fmt.Errorf("config: A365_MAX_BUFFERED_TRACES must be positive")
	}
	if c.MaxSpansPerTrace <= 0 {
		return fmt.Errorf("config: A365_MAX_SPANS_PER_TRACE must be positive")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("config: A365_GRACE_PERIOD must be positive")
	}
	if c.MaxTraceAge < c.GracePeriod {
		return fmt.Errorf("config: A365_MAX_TRACE_AGE must be at least the grace period")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("config: A365_HTTP_TIMEOUT must be positive")
	}
	if c.Retries < 0 {
		return fmt.Errorf("config: A365_RETRIES must not be negative")
	}
	return nil
}

// Level maps LogLevel onto the slog scale. Unrecognized values mean info.
func (c Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

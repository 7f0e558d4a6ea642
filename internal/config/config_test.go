package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.MaxBufferedTraces)
	assert.Equal(t, 5000, cfg.MaxSpansPerTrace)
	assert.Equal(t, 250*time.Millisecond, cfg.GracePeriod)
	assert.Equal(t, 5*time.Minute, cfg.MaxTraceAge)
	assert.Equal(t, 20, cfg.MaxConcurrentExports)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryBackoff)
	assert.Empty(t, cfg.EndpointOverride)
	assert.False(t, cfg.UseServiceEndpoint)
	assert.False(t, cfg.SendTenantHeader)
	assert.Equal(t, "agent365-sdk", cfg.ServiceName)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("A365_MAX_BUFFERED_TRACES", "50")
	t.Setenv("A365_GRACE_PERIOD", "1s")
	t.Setenv("A365_ENDPOINT", "https://ingest.example.com")
	t.Setenv("A365_USE_SERVICE_ENDPOINT", "true")
	t.Setenv("A365_RETRIES", "0")
	t.Setenv("OTEL_SERVICE_NAME", "my-agent")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxBufferedTraces)
	assert.Equal(t, time.Second, cfg.GracePeriod)
	assert.Equal(t, "https://ingest.example.com", cfg.EndpointOverride)
	assert.True(t, cfg.UseServiceEndpoint)
	assert.Equal(t, 0, cfg.Retries)
	assert.Equal(t, "my-agent", cfg.ServiceName)
}

func TestLoad_MalformedValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("A365_MAX_BUFFERED_TRACES", "not-a-number")
	t.Setenv("A365_GRACE_PERIOD", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.MaxBufferedTraces)
	assert.Equal(t, 250*time.Millisecond, cfg.GracePeriod)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	t.Setenv("A365_MAX_SPANS_PER_TRACE", "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A365_MAX_SPANS_PER_TRACE")
}

func TestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "debug"}.Level())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "info"}.Level())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.Level())
	assert.Equal(t, slog.LevelError, Config{LogLevel: "error"}.Level())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "verbose"}.Level())
	assert.Equal(t, slog.LevelInfo, Config{}.Level())
}

func TestLoad_LogLevelFromEnv(t *testing.T) {
	t.Setenv("A365_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, slog.LevelDebug, cfg.Level())
}

func TestValidate_MaxAgeMustCoverGracePeriod(t *testing.T) {
	t.Setenv("A365_GRACE_PERIOD", "10m")
	t.Setenv("A365_MAX_TRACE_AGE", "1m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "A365_MAX_TRACE_AGE")
}

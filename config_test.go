package atel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfiguration_Defaults(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318")
	require.NoError(t, cfg.Err())

	rc, err := cfg.finalizeForTest(t, allSignals...)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, rc.metricsInterval)
	assert.Equal(t, 5*time.Second, rc.tracingInterval)
	assert.False(t, rc.console)
	assert.False(t, rc.cumulative)
}

// finalizeForTest resolves the configuration with a default token so tests
// exercising unrelated fields do not trip the token-required rule.
func (c *Configuration) finalizeForTest(t *testing.T, signals ...SignalKind) (*resolvedConfig, error) {
	t.Helper()
	if !c.defaultToken.IsSet() {
		c.SetAuthToken("test-token")
	}
	return c.finalize(signals)
}

func TestConfiguration_SignalEndpointFallback(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").
		SetAuthToken("tok").
		SetMetricsEndpoint("grpcs://metrics.example.com:4317")
	require.NoError(t, cfg.Err())

	rc, err := cfg.finalize(allSignals)
	require.NoError(t, err)

	// Metrics uses its own endpoint, the rest fall back to the default.
	assert.Equal(t, "grpcs://metrics.example.com:4317", rc.signals[SignalMetrics].endpoint.URL)
	assert.Equal(t, "https://otel.example.com:4318/v1/traces", rc.signals[SignalTraces].endpoint.URL)
	assert.Equal(t, "https://otel.example.com:4318/v1/logs", rc.signals[SignalLogs].endpoint.URL)
}

func TestConfiguration_TokenFallback(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").
		SetAuthToken("default-tok").
		SetAuthTokenMetrics("metrics-tok")

	rc, err := cfg.finalize(allSignals)
	require.NoError(t, err)
	assert.Equal(t, "metrics-tok", rc.signals[SignalMetrics].token.Value())
	assert.Equal(t, "default-tok", rc.signals[SignalTraces].token.Value())
}

func TestConfiguration_MissingEndpoint(t *testing.T) {
	cfg := NewConfiguration("").SetAuthToken("tok")

	_, err := cfg.finalize([]SignalKind{SignalMetrics})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingEndpoint)
	assert.Contains(t, err.Error(), "metrics")
}

func TestConfiguration_MissingAuthToken(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318")

	_, err := cfg.finalize([]SignalKind{SignalTraces})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAuthToken)
	assert.Contains(t, err.Error(), "traces")
}

func TestConfiguration_ConsoleModeNeedsNoTokenOrEndpoint(t *testing.T) {
	cfg := NewConfiguration("").SetConsoleExporter(true)

	rc, err := cfg.finalize([]SignalKind{SignalMetrics})
	require.NoError(t, err)
	assert.True(t, rc.console)
}

func TestConfiguration_StickyError(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").
		SetMetricsEndpoint("not a url").
		SetTracingEndpoint("also bad").
		SetAuthToken("tok")

	// The first failure sticks and surfaces at finalize.
	require.Error(t, cfg.Err())
	assert.ErrorIs(t, cfg.Err(), ErrInvalidEndpoint)
	assert.Contains(t, cfg.Err().Error(), "not a url")

	_, err := cfg.finalize(allSignals)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestConfiguration_SetLoggingLevel(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").
		SetLoggingLevel("DEBUG")
	assert.Equal(t, "debug", cfg.loggingLevel)

	// Unknown levels leave the previous value in place.
	cfg.SetLoggingLevel("loud")
	assert.Equal(t, "debug", cfg.loggingLevel)

	cfg.SetLoggingLevel("critical")
	assert.Equal(t, "critical", cfg.loggingLevel)
}

func TestConfiguration_SetIntervals(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").
		SetMetricsExportInterval(30 * time.Second).
		SetTracingExportInterval(-1 * time.Second)

	assert.Equal(t, 30*time.Second, cfg.metricsInterval.Duration())
	// Non-positive intervals are ignored.
	assert.Equal(t, 5*time.Second, cfg.tracingInterval.Duration())
}

func TestNewConfiguration_Environment(t *testing.T) {
	t.Setenv("ATEL_DEFAULT_ENDPOINT", "https://env.example.com:4318")
	t.Setenv("ATEL_METRICS_AUTH_TOKEN", "env-metrics-tok")
	t.Setenv("ATEL_DEFAULT_AUTH_TOKEN", "env-tok")
	t.Setenv("ATEL_USE_CUMULATIVE_METRICS", "yes")
	t.Setenv("ATEL_METRICS_EXPORT_INTERVAL_MS", "15000")
	t.Setenv("ATEL_LOGGING_LEVEL", "info")

	cfg := NewConfiguration("")
	require.NoError(t, cfg.Err())

	rc, err := cfg.finalize(allSignals)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com:4318/v1/metrics", rc.signals[SignalMetrics].endpoint.URL)
	assert.Equal(t, "env-metrics-tok", rc.signals[SignalMetrics].token.Value())
	assert.Equal(t, "env-tok", rc.signals[SignalLogs].token.Value())
	assert.True(t, rc.cumulative)
	assert.Equal(t, 15*time.Second, rc.metricsInterval)
	assert.Equal(t, "info", cfg.loggingLevel)
}

func TestNewConfiguration_EnvironmentOverridesArgument(t *testing.T) {
	t.Setenv("ATEL_DEFAULT_ENDPOINT", "https://env.example.com:4318")

	cfg := NewConfiguration("https://arg.example.com:4318")
	require.NoError(t, cfg.Err())
	assert.Equal(t, "env.example.com", cfg.defaultEndpoint.Host)
}

func TestNewConfiguration_OTELSDKDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")

	cfg := NewConfiguration("https://otel.example.com:4318")
	assert.True(t, cfg.skipNetCheck)

	// An explicit ATEL_SKIP_INTERNET_CHECK wins over the inference.
	t.Setenv("ATEL_SKIP_INTERNET_CHECK", "false")
	cfg = NewConfiguration("https://otel.example.com:4318")
	assert.False(t, cfg.skipNetCheck)
}

func TestNewConfigurationFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atel.yaml")
	content := []byte(`
default_endpoint: "https://file.example.com:4318"
default_auth_token: "file-tok"
use_console_exporter: false
logging_level: "error"
metrics_export_interval_ms: 20000
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg := NewConfigurationFromFile(path)
	require.NoError(t, cfg.Err())

	rc, err := cfg.finalize(allSignals)
	require.NoError(t, err)
	assert.Equal(t, "file.example.com", rc.signals[SignalMetrics].endpoint.Host)
	assert.Equal(t, "file-tok", rc.signals[SignalMetrics].token.Value())
	assert.Equal(t, 20*time.Second, rc.metricsInterval)
	assert.Equal(t, "error", cfg.loggingLevel)
}

func TestNewConfigurationFromFile_EnvWins(t *testing.T) {
	t.Setenv("ATEL_DEFAULT_AUTH_TOKEN", "env-tok")

	path := filepath.Join(t.TempDir(), "atel.yaml")
	content := []byte(`
default_endpoint: "https://file.example.com:4318"
default_auth_token: "file-tok"
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg := NewConfigurationFromFile(path)
	require.NoError(t, cfg.Err())

	rc, err := cfg.finalize([]SignalKind{SignalMetrics})
	require.NoError(t, err)
	assert.Equal(t, "env-tok", rc.signals[SignalMetrics].token.Value())
}

func TestNewConfigurationFromFile_Missing(t *testing.T) {
	cfg := NewConfigurationFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, cfg.Err())
	assert.ErrorIs(t, cfg.Err(), ErrInvalidConfiguration)
}

func TestParseBool(t *testing.T) {
	for _, truthy := range []string{"true", "TRUE", "yes", "1", "on", " On "} {
		assert.True(t, parseBool(truthy), truthy)
	}
	for _, falsy := range []string{"false", "no", "0", "off", "", "maybe"} {
		assert.False(t, parseBool(falsy), falsy)
	}
}

func TestConfiguration_FinalizeUnknownSignal(t *testing.T) {
	cfg := NewConfiguration("https://otel.example.com:4318").SetAuthToken("tok")

	_, err := cfg.finalize([]SignalKind{SignalKind("events")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

package atel

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
)

// Environment variable prefix. ATEL_DEFAULT_ENDPOINT maps to the
// default_endpoint key, ATEL_METRICS_AUTH_TOKEN to metrics_auth_token,
// and so on; every key below has a 1:1 mapping.
const envPrefix = "ATEL_"

// Configuration keys, shared by YAML files and environment variables.
const (
	keyDefaultEndpoint          = "default_endpoint"
	keyLoggingEndpoint          = "logging_endpoint"
	keyTracingEndpoint          = "tracing_endpoint"
	keyMetricsEndpoint          = "metrics_endpoint"
	keyUseConsoleExporter       = "use_console_exporter"
	keyUseCumulativeMetrics     = "use_cumulative_metrics"
	keyDefaultAuthToken         = "default_auth_token"
	keyLoggingAuthToken         = "logging_auth_token"
	keyTracingAuthToken         = "tracing_auth_token"
	keyMetricsAuthToken         = "metrics_auth_token"
	keyMetricsExportIntervalMS  = "metrics_export_interval_ms"
	keyTracingExportIntervalMS  = "tracing_export_interval_ms"
	keyLoggingLevel             = "logging_level"
	keySessionEntropyValue      = "session_entropy_value"
	keyDefaultCredentials       = "default_credentials"
	keyLoggingCredentials       = "logging_credentials"
	keyTracingCredentials       = "tracing_credentials"
	keyMetricsCredentials       = "metrics_credentials"
	keySkipInternetCheck        = "skip_internet_check"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	defaultMetricsInterval = 60 * time.Second
	defaultTracingInterval = 5 * time.Second
	defaultLoggingLevel    = "warning"
)

// Configuration captures desired export settings per signal. It is a
// builder: setters validate their input, record the first failure, and
// return the receiver for chaining. Nothing touches the network until the
// Configuration is handed to Initialize, which snapshots it; later changes
// to a running pipeline go through UpdateExporter, not through re-deriving
// providers.
//
//	cfg := atel.NewConfiguration("https://otel.example.com:4318").
//		SetAuthToken(token).
//		SetMetricsExportInterval(30 * time.Second)
type Configuration struct {
	err error // first setter/loader failure, surfaced at Initialize

	defaultEndpoint *EndpointSpec
	endpoints       map[SignalKind]*EndpointSpec

	defaultToken Secret
	tokens       map[SignalKind]Secret

	defaultCACert string
	caCerts       map[SignalKind]string

	useConsole    bool
	consoleWriter io.Writer
	cumulative    bool

	loggingLevel    string
	metricsInterval Duration
	tracingInterval Duration

	sessionEntropy string
	skipNetCheck   bool
}

// NewConfiguration creates a Configuration with the given default endpoint
// and merges ATEL_* environment variables over it. Environment variables
// are read exactly once, here; they are never polled. An empty
// defaultEndpoint is accepted and fails at Initialize time when a signal
// cannot resolve an endpoint.
func NewConfiguration(defaultEndpoint string) *Configuration {
	c := newConfiguration()
	if defaultEndpoint != "" {
		c.setEndpoint(&c.defaultEndpoint, defaultEndpoint)
	}
	c.loadEnv()
	return c
}

// NewConfigurationFromFile loads settings from a YAML file using the same
// keys as the environment variables (without the ATEL_ prefix), then
// merges ATEL_* environment variables over the file values.
func NewConfigurationFromFile(path string) *Configuration {
	c := newConfiguration()

	k := koanf.New(".")
	content, err := readConfigFile(path)
	if err != nil {
		c.fail(err)
		return c
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		c.fail(fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err))
		return c
	}
	c.applyKoanf(k)
	c.loadEnv()
	return c
}

func newConfiguration() *Configuration {
	return &Configuration{
		endpoints:       make(map[SignalKind]*EndpointSpec),
		tokens:          make(map[SignalKind]Secret),
		caCerts:         make(map[SignalKind]string),
		loggingLevel:    defaultLoggingLevel,
		metricsInterval: Duration(defaultMetricsInterval),
		tracingInterval: Duration(defaultTracingInterval),
	}
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", ErrInvalidConfiguration, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", ErrInvalidConfiguration, path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)",
			ErrInvalidConfiguration, info.Size(), maxConfigFileSize)
	}
	return io.ReadAll(f)
}

// loadEnv merges ATEL_* environment variables into the configuration.
func (c *Configuration) loadEnv() {
	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		c.fail(fmt.Errorf("%w: loading environment: %v", ErrInvalidConfiguration, err))
		return
	}
	c.applyKoanf(k)

	// OTEL_SDK_DISABLED implies there is nothing to reach; skip the
	// reachability probe unless the caller said otherwise.
	if parseBool(os.Getenv("OTEL_SDK_DISABLED")) && !k.Exists(keySkipInternetCheck) {
		c.skipNetCheck = true
	}
}

// applyKoanf applies the given key set through the same validation paths
// as the chained setters.
func (c *Configuration) applyKoanf(k *koanf.Koanf) {
	if v := strings.TrimSpace(k.String(keyDefaultEndpoint)); v != "" {
		c.setEndpoint(&c.defaultEndpoint, v)
	}
	for key, signal := range map[string]SignalKind{
		keyLoggingEndpoint: SignalLogs,
		keyTracingEndpoint: SignalTraces,
		keyMetricsEndpoint: SignalMetrics,
	} {
		if v := strings.TrimSpace(k.String(key)); v != "" {
			c.setSignalEndpoint(signal, v)
		}
	}

	if v := strings.TrimSpace(k.String(keyDefaultAuthToken)); v != "" {
		c.defaultToken = Secret(v)
	}
	for key, signal := range map[string]SignalKind{
		keyLoggingAuthToken: SignalLogs,
		keyTracingAuthToken: SignalTraces,
		keyMetricsAuthToken: SignalMetrics,
	} {
		if v := strings.TrimSpace(k.String(key)); v != "" {
			c.tokens[signal] = Secret(v)
		}
	}

	if v := strings.TrimSpace(k.String(keyDefaultCredentials)); v != "" {
		c.defaultCACert = v
	}
	for key, signal := range map[string]SignalKind{
		keyLoggingCredentials: SignalLogs,
		keyTracingCredentials: SignalTraces,
		keyMetricsCredentials: SignalMetrics,
	} {
		if v := strings.TrimSpace(k.String(key)); v != "" {
			c.caCerts[signal] = v
		}
	}

	if k.Exists(keyUseConsoleExporter) {
		c.useConsole = parseBool(k.String(keyUseConsoleExporter))
	}
	if k.Exists(keyUseCumulativeMetrics) {
		c.cumulative = parseBool(k.String(keyUseCumulativeMetrics))
	}
	if k.Exists(keySkipInternetCheck) {
		c.skipNetCheck = parseBool(k.String(keySkipInternetCheck))
	}

	if k.Exists(keyMetricsExportIntervalMS) {
		c.setIntervalMS(&c.metricsInterval, k.String(keyMetricsExportIntervalMS), keyMetricsExportIntervalMS)
	}
	if k.Exists(keyTracingExportIntervalMS) {
		c.setIntervalMS(&c.tracingInterval, k.String(keyTracingExportIntervalMS), keyTracingExportIntervalMS)
	}

	if v := strings.TrimSpace(k.String(keyLoggingLevel)); v != "" {
		c.SetLoggingLevel(v)
	}
	if v := strings.TrimSpace(k.String(keySessionEntropyValue)); v != "" {
		c.sessionEntropy = v
	}
}

// Chained setters. Each validates its own input; the first failure sticks
// and is surfaced when the Configuration is handed to Initialize.

// SetLoggingEndpoint sets the logs endpoint. When unset, the default
// endpoint is used.
func (c *Configuration) SetLoggingEndpoint(endpoint string) *Configuration {
	return c.setSignalEndpoint(SignalLogs, endpoint)
}

// SetTracingEndpoint sets the traces endpoint. When unset, the default
// endpoint is used.
func (c *Configuration) SetTracingEndpoint(endpoint string) *Configuration {
	return c.setSignalEndpoint(SignalTraces, endpoint)
}

// SetMetricsEndpoint sets the metrics endpoint. When unset, the default
// endpoint is used.
func (c *Configuration) SetMetricsEndpoint(endpoint string) *Configuration {
	return c.setSignalEndpoint(SignalMetrics, endpoint)
}

// SetAuthToken sets the default bearer token, the fallback for every
// signal without its own token.
func (c *Configuration) SetAuthToken(token string) *Configuration {
	c.defaultToken = Secret(token)
	return c
}

// SetAuthTokenLogging sets the bearer token for the logs endpoint only.
func (c *Configuration) SetAuthTokenLogging(token string) *Configuration {
	c.tokens[SignalLogs] = Secret(token)
	return c
}

// SetAuthTokenTracing sets the bearer token for the traces endpoint only.
func (c *Configuration) SetAuthTokenTracing(token string) *Configuration {
	c.tokens[SignalTraces] = Secret(token)
	return c
}

// SetAuthTokenMetrics sets the bearer token for the metrics endpoint only.
func (c *Configuration) SetAuthTokenMetrics(token string) *Configuration {
	c.tokens[SignalMetrics] = Secret(token)
	return c
}

// SetTLSPrivateCACert sets the CA certificate file used to verify the
// default endpoint. An empty path clears it. The file is read when the
// exporter is constructed, not here.
func (c *Configuration) SetTLSPrivateCACert(certFile string) *Configuration {
	c.defaultCACert = certFile
	return c
}

// SetTLSPrivateCACertLogging sets the CA certificate file for the logs
// endpoint only.
func (c *Configuration) SetTLSPrivateCACertLogging(certFile string) *Configuration {
	c.setSignalCACert(SignalLogs, certFile)
	return c
}

// SetTLSPrivateCACertTracing sets the CA certificate file for the traces
// endpoint only.
func (c *Configuration) SetTLSPrivateCACertTracing(certFile string) *Configuration {
	c.setSignalCACert(SignalTraces, certFile)
	return c
}

// SetTLSPrivateCACertMetrics sets the CA certificate file for the metrics
// endpoint only.
func (c *Configuration) SetTLSPrivateCACertMetrics(certFile string) *Configuration {
	c.setSignalCACert(SignalMetrics, certFile)
	return c
}

// SetConsoleExporter routes every signal to stdout instead of the network.
// Intended for tests and local debugging; do not set in production.
func (c *Configuration) SetConsoleExporter(useConsole bool) *Configuration {
	c.useConsole = useConsole
	return c
}

// SetUseCumulativeMetrics switches metric aggregation temporality from the
// default delta to cumulative. Only affects metrics.
func (c *Configuration) SetUseCumulativeMetrics(cumulative bool) *Configuration {
	c.cumulative = cumulative
	return c
}

// SetLoggingLevel sets the minimum level forwarded to the collector by the
// telemetry log handler. Accepted values: debug, info, warn, warning,
// error, fatal, critical. Anything else leaves the level unchanged.
func (c *Configuration) SetLoggingLevel(level string) *Configuration {
	level = strings.ToLower(strings.TrimSpace(level))
	if _, ok := logLevels[level]; !ok {
		return c
	}
	c.loggingLevel = level
	return c
}

// SetMetricsExportInterval sets how long metric batches accumulate before
// export. Non-positive values are ignored; the default is one minute.
func (c *Configuration) SetMetricsExportInterval(interval time.Duration) *Configuration {
	if interval <= 0 {
		return c
	}
	c.metricsInterval = Duration(interval)
	return c
}

// SetTracingExportInterval sets the span batch timeout. Non-positive
// values are ignored.
func (c *Configuration) SetTracingExportInterval(interval time.Duration) *Configuration {
	if interval <= 0 {
		return c
	}
	c.tracingInterval = Duration(interval)
	return c
}

// SetTracingSessionEntropy sets the entropy mixed into session.id so that
// sessions are distinguishable across process restarts. When unset, a
// per-process value is generated.
func (c *Configuration) SetTracingSessionEntropy(entropy string) *Configuration {
	c.sessionEntropy = entropy
	return c
}

// SetSkipInternetCheck disables the pre-flight reachability probe.
// Required for offline and on-prem installs.
func (c *Configuration) SetSkipInternetCheck(skip bool) *Configuration {
	c.skipNetCheck = skip
	return c
}

// Err returns the first validation failure recorded by a setter or
// loader, or nil.
func (c *Configuration) Err() error {
	return c.err
}

func (c *Configuration) setSignalEndpoint(signal SignalKind, endpoint string) *Configuration {
	spec, err := parseEndpoint(endpoint)
	if err != nil {
		c.fail(err)
		return c
	}
	c.endpoints[signal] = spec
	return c
}

func (c *Configuration) setEndpoint(dst **EndpointSpec, endpoint string) {
	spec, err := parseEndpoint(endpoint)
	if err != nil {
		c.fail(err)
		return
	}
	*dst = spec
}

func (c *Configuration) setSignalCACert(signal SignalKind, certFile string) {
	if certFile == "" {
		delete(c.caCerts, signal)
		return
	}
	c.caCerts[signal] = certFile
}

func (c *Configuration) setIntervalMS(dst *Duration, raw, key string) {
	raw = strings.TrimSpace(raw)
	ms, err := parseInt(raw)
	if err != nil {
		c.fail(fmt.Errorf("%w: invalid value for %s: %q", ErrInvalidConfiguration, key, raw))
		return
	}
	if ms <= 0 {
		return
	}
	*dst = Duration(time.Duration(ms) * time.Millisecond)
}

func (c *Configuration) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// signalConfig is the resolved export target for one signal.
type signalConfig struct {
	signal   SignalKind
	endpoint EndpointSpec
	token    Secret
	caCert   string
}

// resolvedConfig is the immutable snapshot taken when a Configuration is
// handed to Initialize. Later mutations of the builder have no effect on
// a running pipeline.
type resolvedConfig struct {
	signals map[SignalKind]signalConfig

	console       bool
	consoleWriter io.Writer
	cumulative    bool

	loggingLevel    zapcore.Level
	metricsInterval time.Duration
	tracingInterval time.Duration

	entropy      string
	skipNetCheck bool

	defaultEndpoint *EndpointSpec
}

// finalize performs cross-field validation and resolves one concrete
// target per requested signal: the signal's own endpoint, else the
// default, else failure naming the signal. Network endpoints additionally
// require a token (own or default) unless console mode is on.
func (c *Configuration) finalize(signals []SignalKind) (*resolvedConfig, error) {
	if c.err != nil {
		return nil, c.err
	}

	rc := &resolvedConfig{
		signals:         make(map[SignalKind]signalConfig, len(signals)),
		console:         c.useConsole,
		consoleWriter:   c.consoleWriter,
		cumulative:      c.cumulative,
		loggingLevel:    logLevels[c.loggingLevel],
		metricsInterval: c.metricsInterval.Duration(),
		tracingInterval: c.tracingInterval.Duration(),
		entropy:         c.sessionEntropy,
		skipNetCheck:    c.skipNetCheck,
		defaultEndpoint: c.defaultEndpoint,
	}

	for _, signal := range signals {
		if !validSignal(signal) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
		}

		sc := signalConfig{signal: signal}

		ep := c.endpoints[signal]
		if ep == nil {
			ep = c.defaultEndpoint
		}
		if ep == nil {
			if rc.console {
				// Console mode has no network target; a placeholder keeps
				// the rest of the pipeline uniform.
				ep = &EndpointSpec{Protocol: ProtocolHTTP, Host: "localhost", probePort: 80}
			} else {
				return nil, fmt.Errorf("%w: no endpoint configured for signal %q and no default endpoint", ErrMissingEndpoint, signal)
			}
		}
		sc.endpoint = *ep.withSignalPath(signal)

		if token, ok := c.tokens[signal]; ok {
			sc.token = token
		} else {
			sc.token = c.defaultToken
		}
		if !rc.console && !sc.token.IsSet() {
			return nil, fmt.Errorf("%w: signal %q resolves to network endpoint %s without an auth token", ErrMissingAuthToken, signal, sc.endpoint.URL)
		}

		if cert, ok := c.caCerts[signal]; ok {
			sc.caCert = cert
		} else {
			sc.caCert = c.defaultCACert
		}

		rc.signals[signal] = sc
	}

	return rc, nil
}

var logLevels = map[string]zapcore.Level{
	"debug":    zapcore.DebugLevel,
	"info":     zapcore.InfoLevel,
	"warn":     zapcore.WarnLevel,
	"warning":  zapcore.WarnLevel,
	"error":    zapcore.ErrorLevel,
	"fatal":    zapcore.FatalLevel,
	"critical": zapcore.FatalLevel,
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "1", "on":
		return true
	}
	return false
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

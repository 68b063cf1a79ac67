package atel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func testConfig() *Configuration {
	return NewConfiguration("https://otel.example.com:4318").
		SetAuthToken("tok").
		SetSkipInternetCheck(true)
}

func testAttrs(t *testing.T) *ResourceAttributes {
	t.Helper()
	attrs, err := NewResourceAttributes("svc", "1.0")
	require.NoError(t, err)
	return attrs
}

func TestController_Initialize_AllSignals(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)

	err := tt.Controller.Initialize(context.Background(), testConfig(), testAttrs(t))
	require.NoError(t, err)

	assert.Equal(t, StateReady, tt.Controller.State())
	assert.Equal(t, allSignals, tt.Controller.ReadySignals())
	for _, signal := range allSignals {
		assert.Equal(t, 1, tt.BuildCount(signal), signal)
	}
}

func TestController_Initialize_Idempotent(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t)))

	// Identical settings on a fresh builder: success, nothing constructed.
	err := tt.Controller.Initialize(ctx, testConfig(), testAttrs(t))
	require.NoError(t, err)
	for _, signal := range allSignals {
		assert.Equal(t, 1, tt.BuildCount(signal), signal)
	}
}

func TestController_Initialize_ConflictingSettings(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t)))

	changed := testConfig().SetMetricsEndpoint("https://other.example.com:4318")
	err := tt.Controller.Initialize(ctx, changed, testAttrs(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Contains(t, err.Error(), "metrics")

	// The same change through UpdateExporter succeeds, and subsequent
	// flushes target the new endpoint.
	err = tt.Controller.UpdateExporter(ctx, SignalMetrics,
		WithEndpoint("https://other.example.com:4318"))
	require.NoError(t, err)

	require.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	tt.Flush(t)
	tt.AssertExportedTo(t, SignalMetrics, "https://other.example.com:4318/v1/metrics")
}

func TestController_Initialize_SubsetThenExtend(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))
	assert.Equal(t, []SignalKind{SignalMetrics}, tt.Controller.ReadySignals())

	// A disjoint signal set extends the ready pipelines.
	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalTraces))
	assert.ElementsMatch(t, []SignalKind{SignalMetrics, SignalTraces}, tt.Controller.ReadySignals())
	assert.Equal(t, 1, tt.BuildCount(SignalMetrics))
	assert.Equal(t, 1, tt.BuildCount(SignalTraces))
}

func TestController_Initialize_PartialFailureTearsDown(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	buildErr := errors.New("certificate rejected")
	tt.FailBuilds(SignalTraces, buildErr)

	err := tt.Controller.Initialize(ctx, testConfig(), testAttrs(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, buildErr)
	assert.Equal(t, StateFailed, tt.Controller.State())

	// Metrics was built before traces failed; it must be torn down so no
	// signal is left half-initialized.
	assert.Equal(t, 1, tt.BuildCount(SignalMetrics))
	assert.Equal(t, 1, tt.ShutdownCount(SignalMetrics))

	// Failed is terminal for Initialize.
	err = tt.Controller.Initialize(ctx, testConfig(), testAttrs(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInitializationFailed)

	// Shutdown resets the controller, after which init can run clean.
	require.NoError(t, tt.Controller.Shutdown(ctx))
	assert.Equal(t, StateUninitialized, tt.Controller.State())

	tt.FailBuilds(SignalTraces, nil)
	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t)))
	assert.Equal(t, StateReady, tt.Controller.State())
	tt.Shutdown(t)
}

func TestController_Initialize_InProgress(t *testing.T) {
	tt := NewTestTelemetry()
	tt.Controller.mu.Lock()
	tt.Controller.state = StateInitializing
	tt.Controller.mu.Unlock()

	err := tt.Controller.Initialize(context.Background(), testConfig(), testAttrs(t))
	assert.ErrorIs(t, err, ErrInitializationInProgress)
}

func TestController_Initialize_NilArgs(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	err := tt.Controller.Initialize(ctx, nil, testAttrs(t))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)

	err = tt.Controller.Initialize(ctx, testConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidAttribute)
}

func TestController_Initialize_ConfigurationError(t *testing.T) {
	tt := NewTestTelemetry()

	cfg := testConfig().SetMetricsEndpoint("not a url")
	err := tt.Controller.Initialize(context.Background(), cfg, testAttrs(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	// Finalize failures happen before any state transition.
	assert.Equal(t, StateUninitialized, tt.Controller.State())
}

func TestController_UpdateExporter_TokenSwap(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))

	require.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	tt.Flush(t)

	require.NoError(t, tt.Controller.UpdateExporter(ctx, SignalMetrics, WithAuthToken("rotated")))

	require.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	tt.Flush(t)

	exports := tt.Exports(SignalMetrics)
	require.NotEmpty(t, exports)
	// Every batch carries exactly one token: pre-swap batches the old one,
	// post-swap batches the new one. Never a mixed batch.
	assert.Equal(t, "tok", exports[0].Token)
	assert.Equal(t, "rotated", exports[len(exports)-1].Token)

	// The replaced delegate was shut down.
	assert.Equal(t, 1, tt.ShutdownCount(SignalMetrics))
}

func TestController_UpdateExporter_MalformedInput(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))

	err := tt.Controller.UpdateExporter(ctx, SignalMetrics, WithEndpoint("not a url"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	// The previous target remains active.
	assert.Equal(t, 1, tt.BuildCount(SignalMetrics))
	require.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	tt.Flush(t)
	tt.AssertExportedTo(t, SignalMetrics, "https://otel.example.com:4318/v1/metrics")
}

func TestController_UpdateExporter_DroppingTokenRejected(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))

	err := tt.Controller.UpdateExporter(ctx, SignalMetrics, WithAuthToken(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingAuthToken)
}

// gatedFactory wraps an exporterFactory so a test can hold one signal's
// exporter construction open and interleave other controller calls.
type gatedFactory struct {
	exporterFactory
	signal  SignalKind
	entered chan struct{}
	release chan struct{}
}

func newGatedFactory(inner exporterFactory, signal SignalKind) *gatedFactory {
	return &gatedFactory{
		exporterFactory: inner,
		signal:          signal,
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
}

func (f *gatedFactory) hold(signal SignalKind) {
	if signal == f.signal {
		f.entered <- struct{}{}
		<-f.release
	}
}

func (f *gatedFactory) metricExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdkmetric.Exporter, error) {
	f.hold(SignalMetrics)
	return f.exporterFactory.metricExporter(ctx, rc, sc)
}

func (f *gatedFactory) spanExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdktrace.SpanExporter, error) {
	f.hold(SignalTraces)
	return f.exporterFactory.spanExporter(ctx, rc, sc)
}

func (f *gatedFactory) logExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdklog.Exporter, error) {
	f.hold(SignalLogs)
	return f.exporterFactory.logExporter(ctx, rc, sc)
}

func TestController_UpdateExporter_ConcurrentShutdown(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))

	gated := newGatedFactory(tt.factory, SignalMetrics)
	tt.Controller.factory = gated

	done := make(chan error, 1)
	go func() {
		done <- tt.Controller.UpdateExporter(ctx, SignalMetrics, WithAuthToken("rotated"))
	}()

	// The update is blocked building its replacement exporter when the
	// controller shuts down underneath it.
	<-gated.entered
	require.NoError(t, tt.Controller.Shutdown(ctx))
	close(gated.release)

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInitialized)

	// The original delegate went down with Shutdown, and the replacement
	// built mid-update was disposed of.
	assert.Equal(t, 2, tt.ShutdownCount(SignalMetrics))
	assert.Equal(t, StateUninitialized, tt.Controller.State())
}

func TestController_FacadeLiveDuringExtension(t *testing.T) {
	tt := NewTestTelemetry()
	defer tt.Shutdown(t)
	ctx := context.Background()

	attrs := testAttrs(t)
	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), attrs, SignalMetrics))

	gated := newGatedFactory(tt.factory, SignalTraces)
	tt.Controller.factory = gated

	done := make(chan error, 1)
	go func() {
		done <- tt.Controller.Initialize(ctx, testConfig(), attrs, SignalTraces)
	}()
	<-gated.entered

	// Metrics committed earlier keeps recording while the traces pipeline
	// is still being added.
	assert.Equal(t, StateInitializing, tt.Controller.State())
	require.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))

	close(gated.release)
	require.NoError(t, <-done)
	tt.Flush(t)

	exports := tt.Exports(SignalMetrics)
	require.NotEmpty(t, exports)
	assert.Contains(t, exports[len(exports)-1].Names, "requests")
}

func TestController_ExtensionFailureTearsDownCommitted(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))
	assert.Equal(t, 0, tt.ShutdownCount(SignalMetrics))

	buildErr := errors.New("endpoint rejected")
	tt.FailBuilds(SignalTraces, buildErr)

	err := tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalTraces)
	require.Error(t, err)
	assert.ErrorIs(t, err, buildErr)
	assert.Equal(t, StateFailed, tt.Controller.State())

	// The metrics pipeline committed by the first call goes down with the
	// failed extension; a failed controller exports nothing.
	assert.Equal(t, 1, tt.ShutdownCount(SignalMetrics))
	assert.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	for _, e := range tt.Exports(SignalMetrics) {
		assert.NotContains(t, e.Names, "requests")
	}
	assert.ErrorIs(t, tt.Controller.ForceFlush(ctx), ErrNotInitialized)

	require.NoError(t, tt.Controller.Shutdown(ctx))
}

func TestController_UpdateExporter_NotReady(t *testing.T) {
	tt := NewTestTelemetry()

	err := tt.Controller.UpdateExporter(context.Background(), SignalMetrics,
		WithAuthToken("tok"))
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestController_ForceFlush_NotReady(t *testing.T) {
	tt := NewTestTelemetry()
	err := tt.Controller.ForceFlush(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestController_FacadeBeforeReady(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	// Recording calls are swallowed, never raised into business logic.
	assert.NoError(t, tt.Controller.IncrementCounter(ctx, "requests", 1, nil))
	assert.NoError(t, tt.Controller.DecrementCounter(ctx, "queue_depth", 1, nil))
	assert.NoError(t, tt.Controller.RecordHistogram(ctx, "latency_ms", 12.5, nil))

	assert.NotPanics(t, func() {
		_, span := tt.Controller.StartSpan(ctx, "op", nil)
		span.AddEvent("step", nil)
		span.End()
	})

	_, err := tt.Controller.LogHandler()
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestController_ShutdownThenReinitialize(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))
	require.NoError(t, tt.Controller.Shutdown(ctx))
	assert.Equal(t, StateUninitialized, tt.Controller.State())

	require.NoError(t, tt.Controller.Initialize(ctx, testConfig(), testAttrs(t), SignalMetrics))
	assert.Equal(t, 2, tt.BuildCount(SignalMetrics))
	tt.Shutdown(t)
}

func TestInitialize_ConsoleEndToEnd(t *testing.T) {
	var buf bytes.Buffer
	cfg := NewConfiguration("http://localhost:4318").
		SetConsoleExporter(true).
		SetSkipInternetCheck(true)
	cfg.consoleWriter = &buf

	attrs, err := NewResourceAttributes("svc", "1.0")
	require.NoError(t, err)

	controller := NewController()
	ctx := context.Background()
	require.NoError(t, controller.Initialize(ctx, cfg, attrs, SignalMetrics))
	defer controller.Shutdown(ctx)

	require.NoError(t, controller.IncrementCounter(ctx, "test", 1, nil))
	require.NoError(t, controller.ForceFlush(ctx))

	out := buf.String()
	assert.Contains(t, out, `"test"`)
	assert.Contains(t, out, "svc")
	valueExported := strings.Contains(out, `"Value":1`) || strings.Contains(out, `"Value": 1`)
	assert.True(t, valueExported, "exported batch missing data point value: %s", out)
}

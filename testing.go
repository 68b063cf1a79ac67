package atel

import (
	"context"
	"sync"
	"testing"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// CapturedExport is one batch delivered to a capture exporter, tagged with
// the target the exporter was built for. Tests use the tag to prove which
// endpoint/token a batch would have been sent to.
type CapturedExport struct {
	Signal   SignalKind
	Endpoint string
	Token    string
	Names    []string
}

type captureState struct {
	mu        sync.Mutex
	exports   []CapturedExport
	spans     []sdktrace.ReadOnlySpan
	shutdowns map[SignalKind]int
}

func (s *captureState) record(e CapturedExport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports = append(s.exports, e)
}

func (s *captureState) shutdown(signal SignalKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns[signal]++
}

// recordingFactory is an exporterFactory that counts constructions per
// signal and hands out in-memory capture exporters.
type recordingFactory struct {
	mu       sync.Mutex
	builds   map[SignalKind]int
	failures map[SignalKind]error

	state *captureState
}

func newRecordingFactory() *recordingFactory {
	return &recordingFactory{
		builds:   make(map[SignalKind]int),
		failures: make(map[SignalKind]error),
		state:    &captureState{shutdowns: make(map[SignalKind]int)},
	}
}

func (f *recordingFactory) built(signal SignalKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[signal]++
	return f.failures[signal]
}

func (f *recordingFactory) metricExporter(_ context.Context, rc *resolvedConfig, sc signalConfig) (sdkmetric.Exporter, error) {
	if err := f.built(SignalMetrics); err != nil {
		return nil, err
	}
	return &captureMetricExporter{
		state:    f.state,
		target:   sc,
		selector: temporalitySelector(rc.cumulative),
	}, nil
}

func (f *recordingFactory) spanExporter(_ context.Context, _ *resolvedConfig, sc signalConfig) (sdktrace.SpanExporter, error) {
	if err := f.built(SignalTraces); err != nil {
		return nil, err
	}
	return &captureSpanExporter{state: f.state, target: sc}, nil
}

func (f *recordingFactory) logExporter(_ context.Context, _ *resolvedConfig, sc signalConfig) (sdklog.Exporter, error) {
	if err := f.built(SignalLogs); err != nil {
		return nil, err
	}
	return &captureLogExporter{state: f.state, target: sc}, nil
}

type captureMetricExporter struct {
	state    *captureState
	target   signalConfig
	selector sdkmetric.TemporalitySelector
}

func (e *captureMetricExporter) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	return e.selector(kind)
}

func (e *captureMetricExporter) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(kind)
}

func (e *captureMetricExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	var names []string
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names = append(names, m.Name)
		}
	}
	e.state.record(CapturedExport{
		Signal:   SignalMetrics,
		Endpoint: e.target.endpoint.URL,
		Token:    e.target.token.Value(),
		Names:    names,
	})
	return nil
}

func (e *captureMetricExporter) ForceFlush(context.Context) error { return nil }

func (e *captureMetricExporter) Shutdown(context.Context) error {
	e.state.shutdown(SignalMetrics)
	return nil
}

type captureSpanExporter struct {
	state  *captureState
	target signalConfig
}

func (e *captureSpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	names := make([]string, 0, len(spans))
	for _, span := range spans {
		names = append(names, span.Name())
	}
	e.state.mu.Lock()
	e.state.spans = append(e.state.spans, spans...)
	e.state.mu.Unlock()
	e.state.record(CapturedExport{
		Signal:   SignalTraces,
		Endpoint: e.target.endpoint.URL,
		Token:    e.target.token.Value(),
		Names:    names,
	})
	return nil
}

func (e *captureSpanExporter) Shutdown(context.Context) error {
	e.state.shutdown(SignalTraces)
	return nil
}

type captureLogExporter struct {
	state  *captureState
	target signalConfig
}

func (e *captureLogExporter) Export(_ context.Context, records []sdklog.Record) error {
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Body().AsString())
	}
	e.state.record(CapturedExport{
		Signal:   SignalLogs,
		Endpoint: e.target.endpoint.URL,
		Token:    e.target.token.Value(),
		Names:    names,
	})
	return nil
}

func (e *captureLogExporter) ForceFlush(context.Context) error { return nil }

func (e *captureLogExporter) Shutdown(context.Context) error {
	e.state.shutdown(SignalLogs)
	return nil
}

// TestTelemetry wraps an independent Controller whose exporters are
// in-memory capture exporters, for asserting emitted telemetry without a
// collector.
type TestTelemetry struct {
	Controller *Controller

	factory *recordingFactory
}

// NewTestTelemetry creates a controller with in-memory exporters for
// testing.
func NewTestTelemetry() *TestTelemetry {
	factory := newRecordingFactory()
	controller := NewController()
	controller.factory = factory
	return &TestTelemetry{Controller: controller, factory: factory}
}

// BuildCount returns how many exporters were constructed for a signal.
func (t *TestTelemetry) BuildCount(signal SignalKind) int {
	t.factory.mu.Lock()
	defer t.factory.mu.Unlock()
	return t.factory.builds[signal]
}

// FailBuilds makes every subsequent exporter construction for the signal
// fail with err.
func (t *TestTelemetry) FailBuilds(signal SignalKind, err error) {
	t.factory.mu.Lock()
	defer t.factory.mu.Unlock()
	t.factory.failures[signal] = err
}

// Exports returns every captured batch for a signal, in export order.
func (t *TestTelemetry) Exports(signal SignalKind) []CapturedExport {
	t.factory.state.mu.Lock()
	defer t.factory.state.mu.Unlock()
	var out []CapturedExport
	for _, e := range t.factory.state.exports {
		if e.Signal == signal {
			out = append(out, e)
		}
	}
	return out
}

// Spans returns every captured span, in export order.
func (t *TestTelemetry) Spans() []sdktrace.ReadOnlySpan {
	t.factory.state.mu.Lock()
	defer t.factory.state.mu.Unlock()
	return append([]sdktrace.ReadOnlySpan(nil), t.factory.state.spans...)
}

// SpanByName finds a captured span by name, or nil if not found.
func (t *TestTelemetry) SpanByName(name string) sdktrace.ReadOnlySpan {
	for _, span := range t.Spans() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// ShutdownCount returns how many capture exporters for the signal were
// shut down, which tracks how many retired delegates the shim disposed of.
func (t *TestTelemetry) ShutdownCount(signal SignalKind) int {
	t.factory.state.mu.Lock()
	defer t.factory.state.mu.Unlock()
	return t.factory.state.shutdowns[signal]
}

// Flush drains the controller's pipelines, failing the test on error.
func (t *TestTelemetry) Flush(tb testing.TB) {
	tb.Helper()
	if err := t.Controller.ForceFlush(context.Background()); err != nil {
		tb.Fatalf("force flush: %v", err)
	}
}

// Shutdown tears the controller down, failing the test on error.
func (t *TestTelemetry) Shutdown(tb testing.TB) {
	tb.Helper()
	if err := t.Controller.Shutdown(context.Background()); err != nil {
		tb.Fatalf("shutdown: %v", err)
	}
}

// AssertExportedTo verifies at least one batch for the signal was exported
// to the given endpoint URL.
func (t *TestTelemetry) AssertExportedTo(tb testing.TB, signal SignalKind, endpoint string) {
	tb.Helper()
	for _, e := range t.Exports(signal) {
		if e.Endpoint == endpoint {
			return
		}
	}
	tb.Errorf("no %s batch exported to %q, got: %v", signal, endpoint, t.Exports(signal))
}

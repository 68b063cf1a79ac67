package atel

import (
	"context"
	"sync"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// The shims sit between the SDK pipelines and the real OTLP exporters.
// Providers hold a stable reference to the shim for their whole lifetime;
// UpdateExporter swaps the delegate underneath without rebuilding any
// provider, reader or processor.
//
// The update sequence is the same for all three signals:
//
//  1. Build the replacement exporter. No locks held; a bad endpoint or
//     certificate fails here and the old delegate keeps serving.
//  2. Flush the owning provider. Buffered data reaches the OLD target;
//     the export path takes the read lock, so the flush runs unlocked.
//  3. Take the write lock and swap delegate and target together, so no
//     batch ever sees a half-updated shim.
//  4. Shut the old delegate down outside the lock.
//
// Export calls hold the read lock across the whole delegate call, which
// guarantees a single batch never splits across two targets.

// metricShim implements sdkmetric.Exporter with a swappable delegate.
type metricShim struct {
	mu       sync.RWMutex
	delegate sdkmetric.Exporter
	target   signalConfig

	// flush drains the owning provider through the current delegate. Bound
	// after provider construction; nil until then.
	flush func(context.Context) error
}

func newMetricShim(delegate sdkmetric.Exporter, target signalConfig) *metricShim {
	return &metricShim{delegate: delegate, target: target}
}

func (s *metricShim) Temporality(kind sdkmetric.InstrumentKind) metricdata.Temporality {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Temporality(kind)
}

func (s *metricShim) Aggregation(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Aggregation(kind)
}

func (s *metricShim) Export(ctx context.Context, rm *metricdata.ResourceMetrics) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Export(ctx, rm)
}

func (s *metricShim) ForceFlush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.ForceFlush(ctx)
}

func (s *metricShim) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Shutdown(ctx)
}

// Target returns the signal configuration the shim currently exports to.
func (s *metricShim) Target() signalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *metricShim) bindFlush(flush func(context.Context) error) {
	s.mu.Lock()
	s.flush = flush
	s.mu.Unlock()
}

// update swaps the delegate to a freshly built exporter for target. The
// previous delegate receives everything buffered before the swap, then is
// shut down. On build failure the shim is untouched.
func (s *metricShim) update(ctx context.Context, delegate sdkmetric.Exporter, target signalConfig) error {
	s.mu.RLock()
	flush := s.flush
	s.mu.RUnlock()
	if flush != nil {
		if err := flush(ctx); err != nil {
			diagnosticsWarnFlush(SignalMetrics, err)
		}
	}

	s.mu.Lock()
	old := s.delegate
	s.delegate = delegate
	s.target = target
	s.mu.Unlock()

	if old != nil {
		return old.Shutdown(ctx)
	}
	return nil
}

// spanShim implements sdktrace.SpanExporter with a swappable delegate.
type spanShim struct {
	mu       sync.RWMutex
	delegate sdktrace.SpanExporter
	target   signalConfig

	flush func(context.Context) error
}

func newSpanShim(delegate sdktrace.SpanExporter, target signalConfig) *spanShim {
	return &spanShim{delegate: delegate, target: target}
}

func (s *spanShim) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.ExportSpans(ctx, spans)
}

func (s *spanShim) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Shutdown(ctx)
}

func (s *spanShim) Target() signalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *spanShim) bindFlush(flush func(context.Context) error) {
	s.mu.Lock()
	s.flush = flush
	s.mu.Unlock()
}

func (s *spanShim) update(ctx context.Context, delegate sdktrace.SpanExporter, target signalConfig) error {
	s.mu.RLock()
	flush := s.flush
	s.mu.RUnlock()
	if flush != nil {
		if err := flush(ctx); err != nil {
			diagnosticsWarnFlush(SignalTraces, err)
		}
	}

	s.mu.Lock()
	old := s.delegate
	s.delegate = delegate
	s.target = target
	s.mu.Unlock()

	if old != nil {
		return old.Shutdown(ctx)
	}
	return nil
}

// logShim implements sdklog.Exporter with a swappable delegate.
type logShim struct {
	mu       sync.RWMutex
	delegate sdklog.Exporter
	target   signalConfig

	flush func(context.Context) error
}

func newLogShim(delegate sdklog.Exporter, target signalConfig) *logShim {
	return &logShim{delegate: delegate, target: target}
}

func (s *logShim) Export(ctx context.Context, records []sdklog.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Export(ctx, records)
}

func (s *logShim) ForceFlush(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.ForceFlush(ctx)
}

func (s *logShim) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delegate.Shutdown(ctx)
}

func (s *logShim) Target() signalConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

func (s *logShim) bindFlush(flush func(context.Context) error) {
	s.mu.Lock()
	s.flush = flush
	s.mu.Unlock()
}

func (s *logShim) update(ctx context.Context, delegate sdklog.Exporter, target signalConfig) error {
	s.mu.RLock()
	flush := s.flush
	s.mu.RUnlock()
	if flush != nil {
		if err := flush(ctx); err != nil {
			diagnosticsWarnFlush(SignalLogs, err)
		}
	}

	s.mu.Lock()
	old := s.delegate
	s.delegate = delegate
	s.target = target
	s.mu.Unlock()

	if old != nil {
		return old.Shutdown(ctx)
	}
	return nil
}

package atel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// InitState is the lifecycle state of a Controller.
type InitState int32

const (
	StateUninitialized InitState = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s InitState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("InitState(%d)", int32(s))
}

// preflightTimeout bounds the reachability probe run before network
// exporters are constructed.
const preflightTimeout = 4 * time.Second

// scopeName identifies this SDK in instrumentation scopes.
const scopeName = "github.com/fyrsmithlabs/atel"

// Controller owns the telemetry pipelines for a process: it consumes a
// Configuration and ResourceAttributes exactly once per signal, builds the
// provider graph behind the exporter shims, and exposes each signal through
// the facade once its pipeline is committed. Facade availability is per
// signal: extending a running controller with a new signal never blinds the
// signals that are already exporting.
//
// Initialization is single-shot per signal. A second Initialize with
// identical settings is a no-op; with different settings for an active
// signal it fails, and the change must go through UpdateExporter instead.
// A failed initialization is terminal until Shutdown resets the controller.
//
// Most programs use the package-level functions, which delegate to a
// process-wide default controller. Separate Controller values exist for
// tests.
type Controller struct {
	mu      sync.Mutex
	state   InitState
	failure error

	factory exporterFactory

	rc    *resolvedConfig
	attrs *ResourceAttributes

	// fingerprints captures the settings each active signal was built
	// with, for the idempotency check on re-init.
	fingerprints map[SignalKind]string

	metricShim    *metricShim
	meterProvider *sdkmetric.MeterProvider
	registry      *instrumentRegistry

	spanShim       *spanShim
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	logShim        *logShim
	loggerProvider *sdklog.LoggerProvider
}

// NewController returns an independent, uninitialized controller.
func NewController() *Controller {
	return &Controller{
		factory:      otlpFactory{},
		fingerprints: make(map[SignalKind]string),
	}
}

var defaultController = NewController()

// Default returns the process-wide controller the package-level functions
// operate on.
func Default() *Controller {
	return defaultController
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() InitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ReadySignals returns the signals with an active pipeline. Signals
// committed by an earlier Initialize stay listed while a later call is
// still adding more.
func (c *Controller) ReadySignals() []SignalKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SignalKind, 0, len(c.fingerprints))
	for _, signal := range allSignals {
		if _, ok := c.fingerprints[signal]; ok {
			out = append(out, signal)
		}
	}
	return out
}

// Initialize builds the telemetry pipelines for the requested signals. With
// no explicit signals, all three are initialized.
//
// Either every requested signal reaches ready or none does: on any failure
// the pipelines built by this call are torn down, together with any
// pipelines committed by earlier calls, and the controller transitions to
// failed until Shutdown resets it. The returned error names the failure
// cause (ErrMissingEndpoint, ErrInvalidCertificate, ErrMissingAuthToken, ...).
func (c *Controller) Initialize(ctx context.Context, cfg *Configuration, attrs *ResourceAttributes, signals ...SignalKind) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil configuration", ErrInvalidConfiguration)
	}
	if attrs == nil {
		return fmt.Errorf("%w: resource attributes are required", ErrInvalidAttribute)
	}
	if len(signals) == 0 {
		signals = allSignals
	}

	rc, err := cfg.finalize(signals)
	if err != nil {
		return err
	}

	c.mu.Lock()
	switch c.state {
	case StateInitializing:
		c.mu.Unlock()
		return ErrInitializationInProgress
	case StateFailed:
		failure := c.failure
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInitializationFailed, failure)
	}

	pending := make([]SignalKind, 0, len(signals))
	for _, signal := range signals {
		fp := fingerprintSignal(rc, rc.signals[signal], attrs)
		if existing, ok := c.fingerprints[signal]; ok {
			if existing != fp {
				c.mu.Unlock()
				return fmt.Errorf("%w: signal %q is active with different settings, use UpdateExporter", ErrAlreadyInitialized, signal)
			}
			continue
		}
		pending = append(pending, signal)
	}
	if len(pending) == 0 {
		// Identical re-init. Nothing is constructed.
		c.mu.Unlock()
		return nil
	}
	c.state = StateInitializing
	c.mu.Unlock()

	if !rc.skipNetCheck && !rc.console {
		reportConnectivity(rc, preflightTimeout)
	}

	built, err := c.buildPipelines(ctx, rc, attrs, pending)

	c.mu.Lock()
	if err != nil {
		// Nothing keeps running on a failed controller: pipelines
		// committed by earlier calls are detached and torn down together
		// with this call's builds, so the facade and the export side
		// agree that telemetry is down until Shutdown resets the state.
		mp, tp, lp := c.detachPipelines()
		c.rc = nil
		c.attrs = nil
		c.state = StateFailed
		c.failure = err
		c.mu.Unlock()

		built.shutdown(context.WithoutCancel(ctx))
		if terr := shutdownProviders(context.WithoutCancel(ctx), mp, tp, lp); terr != nil {
			diagnostics().Warn("teardown of running pipelines after failed init", zap.Error(terr))
		}
		return err
	}
	defer c.mu.Unlock()

	built.commit(c)
	if c.rc == nil {
		c.rc = rc
	} else {
		for _, signal := range pending {
			c.rc.signals[signal] = rc.signals[signal]
		}
	}
	c.attrs = attrs
	for _, signal := range pending {
		c.fingerprints[signal] = fingerprintSignal(rc, rc.signals[signal], attrs)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	c.state = StateReady
	return nil
}

// builtPipelines carries the providers and shims constructed by one
// Initialize call until they are committed or torn down.
type builtPipelines struct {
	metricShim    *metricShim
	meterProvider *sdkmetric.MeterProvider
	registry      *instrumentRegistry

	spanShim       *spanShim
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	logShim        *logShim
	loggerProvider *sdklog.LoggerProvider
}

func (c *Controller) buildPipelines(ctx context.Context, rc *resolvedConfig, attrs *ResourceAttributes, pending []SignalKind) (*builtPipelines, error) {
	built := &builtPipelines{}
	res := attrs.otelResource(rc.entropy)

	for _, signal := range pending {
		sc := rc.signals[signal]
		var err error
		switch signal {
		case SignalMetrics:
			err = built.buildMetrics(ctx, c.factory, rc, sc, res)
		case SignalTraces:
			err = built.buildTraces(ctx, c.factory, rc, sc, res)
		case SignalLogs:
			err = built.buildLogs(ctx, c.factory, rc, sc, res)
		}
		if err != nil {
			return built, err
		}
	}
	return built, nil
}

func (b *builtPipelines) buildMetrics(ctx context.Context, factory exporterFactory, rc *resolvedConfig, sc signalConfig, res *resource.Resource) error {
	exporter, err := factory.metricExporter(ctx, rc, sc)
	if err != nil {
		return err
	}
	shim := newMetricShim(exporter, sc)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(shim,
			sdkmetric.WithInterval(rc.metricsInterval))),
	)
	shim.bindFlush(provider.ForceFlush)
	b.metricShim = shim
	b.meterProvider = provider
	b.registry = newInstrumentRegistry(provider.Meter(scopeName))
	return nil
}

func (b *builtPipelines) buildTraces(ctx context.Context, factory exporterFactory, rc *resolvedConfig, sc signalConfig, res *resource.Resource) error {
	exporter, err := factory.spanExporter(ctx, rc, sc)
	if err != nil {
		return err
	}
	shim := newSpanShim(exporter, sc)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(shim, sdktrace.WithBatchTimeout(rc.tracingInterval)),
	)
	shim.bindFlush(provider.ForceFlush)
	b.spanShim = shim
	b.tracerProvider = provider
	b.tracer = provider.Tracer(scopeName)
	return nil
}

func (b *builtPipelines) buildLogs(ctx context.Context, factory exporterFactory, rc *resolvedConfig, sc signalConfig, res *resource.Resource) error {
	exporter, err := factory.logExporter(ctx, rc, sc)
	if err != nil {
		return err
	}
	shim := newLogShim(exporter, sc)
	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(shim)),
	)
	shim.bindFlush(provider.ForceFlush)
	b.logShim = shim
	b.loggerProvider = provider
	return nil
}

// shutdown tears down everything this call constructed. Used on partial
// failure so no signal is left half-initialized.
func (b *builtPipelines) shutdown(ctx context.Context) {
	if b.meterProvider != nil {
		if err := b.meterProvider.Shutdown(ctx); err != nil {
			diagnostics().Warn("metrics teardown after failed init", zap.Error(err))
		}
	}
	if b.tracerProvider != nil {
		if err := b.tracerProvider.Shutdown(ctx); err != nil {
			diagnostics().Warn("traces teardown after failed init", zap.Error(err))
		}
	}
	if b.loggerProvider != nil {
		if err := b.loggerProvider.Shutdown(ctx); err != nil {
			diagnostics().Warn("logs teardown after failed init", zap.Error(err))
		}
	}
}

// commit adopts the built pipelines into the controller. Caller holds the
// controller mutex.
func (b *builtPipelines) commit(c *Controller) {
	if b.meterProvider != nil {
		c.metricShim = b.metricShim
		c.meterProvider = b.meterProvider
		c.registry = b.registry
	}
	if b.tracerProvider != nil {
		c.spanShim = b.spanShim
		c.tracerProvider = b.tracerProvider
		c.tracer = b.tracer
	}
	if b.loggerProvider != nil {
		c.logShim = b.logShim
		c.loggerProvider = b.loggerProvider
	}
}

// UpdateOption narrows an UpdateExporter call to specific target fields.
// Fields without an option keep their current value.
type UpdateOption func(*updateRequest)

type updateRequest struct {
	endpoint *string
	token    *string
	caCert   *string
}

// WithEndpoint points the signal's exporter at a new collector endpoint.
func WithEndpoint(endpoint string) UpdateOption {
	return func(r *updateRequest) { r.endpoint = &endpoint }
}

// WithAuthToken replaces the signal's bearer token.
func WithAuthToken(token string) UpdateOption {
	return func(r *updateRequest) { r.token = &token }
}

// WithCACert replaces the CA certificate file used to verify the signal's
// endpoint. An empty path reverts to system roots.
func WithCACert(certFile string) UpdateOption {
	return func(r *updateRequest) { r.caCert = &certFile }
}

// UpdateExporter retargets a running signal's exporter. The providers and
// the facade are untouched; only the delegate behind the signal's shim is
// swapped, after the in-flight buffer is flushed to the old target.
//
// Malformed input is rejected with an error and the previous target
// remains active.
func (c *Controller) UpdateExporter(ctx context.Context, signal SignalKind, opts ...UpdateOption) error {
	if !validSignal(signal) {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, signal)
	}
	var req updateRequest
	for _, opt := range opts {
		opt(&req)
	}

	// Snapshot the shim and config under the lock. Building the new
	// exporter can block on the network, so the lock is not held across
	// it; every later step re-verifies the snapshot is still live before
	// touching controller state, since a concurrent Shutdown detaches it.
	c.mu.Lock()
	if c.state != StateReady {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot update exporter in state %s", ErrNotInitialized, state)
	}
	rc := c.rc
	current, ok := rc.signals[signal]
	mShim, sShim, lShim := c.metricShim, c.spanShim, c.logShim
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: signal %q was not initialized", ErrNotInitialized, signal)
	}

	next := current
	if req.endpoint != nil {
		spec, err := parseEndpoint(*req.endpoint)
		if err != nil {
			return err
		}
		next.endpoint = *spec.withSignalPath(signal)
	}
	if req.token != nil {
		next.token = Secret(*req.token)
	}
	if req.caCert != nil {
		next.caCert = *req.caCert
	}
	if !rc.console && !next.token.IsSet() {
		return fmt.Errorf("%w: update for signal %q would leave endpoint %s without an auth token", ErrMissingAuthToken, signal, next.endpoint.URL)
	}

	switch signal {
	case SignalMetrics:
		return c.retargetMetrics(ctx, rc, mShim, next)
	case SignalTraces:
		return c.retargetTraces(ctx, rc, sShim, next)
	default:
		return c.retargetLogs(ctx, rc, lShim, next)
	}
}

func (c *Controller) retargetMetrics(ctx context.Context, rc *resolvedConfig, shim *metricShim, next signalConfig) error {
	if shim == nil {
		return fmt.Errorf("%w: signal %q was not initialized", ErrNotInitialized, next.signal)
	}
	exporter, err := c.factory.metricExporter(ctx, rc, next)
	if err != nil {
		return err
	}
	c.mu.Lock()
	live := c.state == StateReady && c.metricShim == shim
	c.mu.Unlock()
	if !live {
		disposeExporter(ctx, next.signal, exporter.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	warnSwap(next.signal, shim.update(ctx, exporter, next))
	if !c.commitTarget(next, func() bool { return c.metricShim == shim }) {
		disposeExporter(ctx, next.signal, shim.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	return nil
}

func (c *Controller) retargetTraces(ctx context.Context, rc *resolvedConfig, shim *spanShim, next signalConfig) error {
	if shim == nil {
		return fmt.Errorf("%w: signal %q was not initialized", ErrNotInitialized, next.signal)
	}
	exporter, err := c.factory.spanExporter(ctx, rc, next)
	if err != nil {
		return err
	}
	c.mu.Lock()
	live := c.state == StateReady && c.spanShim == shim
	c.mu.Unlock()
	if !live {
		disposeExporter(ctx, next.signal, exporter.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	warnSwap(next.signal, shim.update(ctx, exporter, next))
	if !c.commitTarget(next, func() bool { return c.spanShim == shim }) {
		disposeExporter(ctx, next.signal, shim.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	return nil
}

func (c *Controller) retargetLogs(ctx context.Context, rc *resolvedConfig, shim *logShim, next signalConfig) error {
	if shim == nil {
		return fmt.Errorf("%w: signal %q was not initialized", ErrNotInitialized, next.signal)
	}
	exporter, err := c.factory.logExporter(ctx, rc, next)
	if err != nil {
		return err
	}
	c.mu.Lock()
	live := c.state == StateReady && c.logShim == shim
	c.mu.Unlock()
	if !live {
		disposeExporter(ctx, next.signal, exporter.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	warnSwap(next.signal, shim.update(ctx, exporter, next))
	if !c.commitTarget(next, func() bool { return c.logShim == shim }) {
		disposeExporter(ctx, next.signal, shim.Shutdown)
		return fmt.Errorf("%w: telemetry was shut down during exporter update", ErrNotInitialized)
	}
	return nil
}

// commitTarget records next as the signal's current configuration. It
// reports false, without recording anything, when the pipeline was detached
// while the swap ran; live re-checks the shim identity under the lock.
func (c *Controller) commitTarget(next signalConfig, live func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.rc == nil || !live() {
		return false
	}
	c.rc.signals[next.signal] = next
	c.fingerprints[next.signal] = fingerprintSignal(c.rc, next, c.attrs)
	return true
}

// warnSwap reports a failed shutdown of the retired exporter. The swap
// itself has already succeeded at this point.
func warnSwap(signal SignalKind, err error) {
	if err != nil {
		diagnostics().Warn("shutdown of replaced exporter",
			zap.String("signal", string(signal)),
			zap.Error(err))
	}
}

// disposeExporter shuts down an exporter that lost the race against a
// concurrent Shutdown and will never serve the pipeline.
func disposeExporter(ctx context.Context, signal SignalKind, shutdown func(context.Context) error) {
	if err := shutdown(ctx); err != nil {
		diagnostics().Warn("shutdown of unused replacement exporter",
			zap.String("signal", string(signal)),
			zap.Error(err))
	}
}

// ForceFlush drains every active pipeline to its current target. Blocks
// until completion or ctx expires.
func (c *Controller) ForceFlush(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	mp, tp, lp := c.meterProvider, c.tracerProvider, c.loggerProvider
	c.mu.Unlock()

	var errs []error
	if mp != nil {
		if err := mp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics flush: %w", err))
		}
	}
	if tp != nil {
		if err := tp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces flush: %w", err))
		}
	}
	if lp != nil {
		if err := lp.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logs flush: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown flushes and tears down every active pipeline and resets the
// controller to uninitialized, after which Initialize may run again. Safe
// to call in any state.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	mp, tp, lp := c.detachPipelines()
	c.rc = nil
	c.attrs = nil
	c.failure = nil
	c.state = StateUninitialized
	c.mu.Unlock()

	return shutdownProviders(ctx, mp, tp, lp)
}

// detachPipelines clears every pipeline reference and returns the detached
// providers so the caller can shut them down outside the lock. Caller holds
// the controller mutex.
func (c *Controller) detachPipelines() (*sdkmetric.MeterProvider, *sdktrace.TracerProvider, *sdklog.LoggerProvider) {
	mp, tp, lp := c.meterProvider, c.tracerProvider, c.loggerProvider
	c.metricShim, c.meterProvider, c.registry = nil, nil, nil
	c.spanShim, c.tracerProvider, c.tracer = nil, nil, nil
	c.logShim, c.loggerProvider = nil, nil
	c.fingerprints = make(map[SignalKind]string)
	return mp, tp, lp
}

func shutdownProviders(ctx context.Context, mp *sdkmetric.MeterProvider, tp *sdktrace.TracerProvider, lp *sdklog.LoggerProvider) error {
	var errs []error
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
		}
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces shutdown: %w", err))
		}
	}
	if lp != nil {
		if err := lp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logs shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// fingerprintSignal hashes everything that determines a signal's pipeline:
// its resolved target, the shared pipeline settings, and the resource
// identity. Equal fingerprints make re-init a no-op.
func fingerprintSignal(rc *resolvedConfig, sc signalConfig, attrs *ResourceAttributes) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", sc.signal, sc.endpoint.URL, sc.token.Value(), sc.caCert)
	fmt.Fprintf(h, "%t|%t|%s|%s|%s|%s|", rc.console, rc.cumulative, rc.loggingLevel,
		rc.metricsInterval, rc.tracingInterval, rc.entropy)
	io.WriteString(h, attrs.fingerprint())
	return hex.EncodeToString(h.Sum(nil))
}

// Package-level facade over the default controller.

// Initialize initializes the default controller. See Controller.Initialize.
func Initialize(ctx context.Context, cfg *Configuration, attrs *ResourceAttributes, signals ...SignalKind) error {
	return defaultController.Initialize(ctx, cfg, attrs, signals...)
}

// UpdateExporter retargets a signal on the default controller. See
// Controller.UpdateExporter.
func UpdateExporter(ctx context.Context, signal SignalKind, opts ...UpdateOption) error {
	return defaultController.UpdateExporter(ctx, signal, opts...)
}

// ForceFlush flushes the default controller's pipelines.
func ForceFlush(ctx context.Context) error {
	return defaultController.ForceFlush(ctx)
}

// Shutdown tears down the default controller's pipelines.
func Shutdown(ctx context.Context) error {
	return defaultController.Shutdown(ctx)
}

// State returns the default controller's lifecycle state.
func State() InitState {
	return defaultController.State()
}

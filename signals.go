package atel

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Metric names start with a letter and continue with letters, digits and
// underscores.
var metricNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z_0-9]+$`)

type instrumentKind int

const (
	kindCounter instrumentKind = iota
	kindUpDownCounter
	kindHistogram
)

func (k instrumentKind) String() string {
	switch k {
	case kindCounter:
		return "counter"
	case kindUpDownCounter:
		return "updowncounter"
	case kindHistogram:
		return "histogram"
	}
	return "unknown"
}

// instrumentRegistry caches instruments by name so repeated facade calls
// reuse one instrument, and pins each name to a single kind. A name used
// with a conflicting kind is a configuration error, not a silent no-op.
type instrumentRegistry struct {
	mu    sync.Mutex
	meter metric.Meter

	kinds      map[string]instrumentKind
	counters   map[string]metric.Float64Counter
	updowns    map[string]metric.Float64UpDownCounter
	histograms map[string]metric.Float64Histogram
}

func newInstrumentRegistry(meter metric.Meter) *instrumentRegistry {
	return &instrumentRegistry{
		meter:      meter,
		kinds:      make(map[string]instrumentKind),
		counters:   make(map[string]metric.Float64Counter),
		updowns:    make(map[string]metric.Float64UpDownCounter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func validateMetricName(name string) error {
	if !metricNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidMetricName, name, metricNamePattern)
	}
	return nil
}

// declare pins name to kind, creating the instrument eagerly. Declaring an
// existing name with the same kind is a no-op.
func (r *instrumentRegistry) declare(name string, kind instrumentKind, opts instrumentOpts) error {
	if err := validateMetricName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[name]; ok {
		if existing != kind {
			return fmt.Errorf("%w: %q is a %s, cannot redeclare as %s", ErrInstrumentKind, name, existing, kind)
		}
		return nil
	}
	return r.create(name, kind, opts)
}

// add records a signed delta for name, creating the instrument on first
// use: non-negative deltas default to a monotonic counter, negative deltas
// to an up/down counter. A negative delta against a monotonic counter is a
// kind conflict.
func (r *instrumentRegistry) add(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) error {
	if err := validateMetricName(name); err != nil {
		return err
	}
	r.mu.Lock()
	kind, known := r.kinds[name]
	if !known {
		kind = kindCounter
		if value < 0 {
			kind = kindUpDownCounter
		}
		if err := r.create(name, kind, instrumentOpts{}); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	switch kind {
	case kindCounter:
		if value < 0 {
			r.mu.Unlock()
			return fmt.Errorf("%w: %q is a monotonic counter and cannot be decremented, declare it up/down first", ErrInstrumentKind, name)
		}
		inst := r.counters[name]
		r.mu.Unlock()
		inst.Add(ctx, value, metric.WithAttributes(attrs...))
	case kindUpDownCounter:
		inst := r.updowns[name]
		r.mu.Unlock()
		inst.Add(ctx, value, metric.WithAttributes(attrs...))
	default:
		r.mu.Unlock()
		return fmt.Errorf("%w: %q is a %s, not a counter", ErrInstrumentKind, name, kind)
	}
	return nil
}

// record stores a histogram observation, creating the instrument on first
// use.
func (r *instrumentRegistry) record(ctx context.Context, name string, value float64, attrs []attribute.KeyValue) error {
	if err := validateMetricName(name); err != nil {
		return err
	}
	r.mu.Lock()
	kind, known := r.kinds[name]
	if !known {
		kind = kindHistogram
		if err := r.create(name, kindHistogram, instrumentOpts{}); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if kind != kindHistogram {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q is a %s, not a histogram", ErrInstrumentKind, name, kind)
	}
	inst := r.histograms[name]
	r.mu.Unlock()
	inst.Record(ctx, value, metric.WithAttributes(attrs...))
	return nil
}

type instrumentOpts struct {
	unit        string
	description string
}

// create constructs the instrument and records its kind. Caller holds the
// registry mutex.
func (r *instrumentRegistry) create(name string, kind instrumentKind, opts instrumentOpts) error {
	switch kind {
	case kindCounter:
		inst, err := r.meter.Float64Counter(name,
			metric.WithUnit(opts.unit), metric.WithDescription(opts.description))
		if err != nil {
			return fmt.Errorf("creating counter %q: %w", name, err)
		}
		r.counters[name] = inst
	case kindUpDownCounter:
		inst, err := r.meter.Float64UpDownCounter(name,
			metric.WithUnit(opts.unit), metric.WithDescription(opts.description))
		if err != nil {
			return fmt.Errorf("creating up/down counter %q: %w", name, err)
		}
		r.updowns[name] = inst
	case kindHistogram:
		inst, err := r.meter.Float64Histogram(name,
			metric.WithUnit(opts.unit), metric.WithDescription(opts.description))
		if err != nil {
			return fmt.Errorf("creating histogram %q: %w", name, err)
		}
		r.histograms[name] = inst
	}
	r.kinds[name] = kind
	return nil
}

// metricsRegistry returns the live instrument registry, or nil while the
// metrics pipeline is not committed. Availability is per signal, so the
// registry stays reachable while another signal is being added.
func (c *Controller) metricsRegistry() *instrumentRegistry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

// DeclareCounter pins a metric name to a counter instrument before first
// use. monotonic false makes it an up/down counter, the only kind
// DecrementCounter accepts. Redeclaring with a conflicting kind fails with
// ErrInstrumentKind.
func (c *Controller) DeclareCounter(name string, monotonic bool, unit, description string) error {
	reg := c.metricsRegistry()
	if reg == nil {
		return fmt.Errorf("%w: metrics signal is not ready", ErrNotInitialized)
	}
	kind := kindCounter
	if !monotonic {
		kind = kindUpDownCounter
	}
	return reg.declare(name, kind, instrumentOpts{unit: unit, description: description})
}

// DeclareHistogram pins a metric name to a histogram instrument before
// first use.
func (c *Controller) DeclareHistogram(name, unit, description string) error {
	reg := c.metricsRegistry()
	if reg == nil {
		return fmt.Errorf("%w: metrics signal is not ready", ErrNotInitialized)
	}
	return reg.declare(name, kindHistogram, instrumentOpts{unit: unit, description: description})
}

// IncrementCounter adds the magnitude of by to the named counter. Before
// the metrics signal is ready the call is swallowed with a diagnostic
// warning; instrumentation never fails business logic over initialization
// order. A non-nil error always indicates instrument misconfiguration, not
// a recording failure.
func (c *Controller) IncrementCounter(ctx context.Context, name string, by float64, attrs map[string]any) error {
	reg := c.metricsRegistry()
	if reg == nil {
		diagnostics().Warn("counter increment before metrics ready", zap.String("metric", name))
		return nil
	}
	return reg.add(ctx, name, math.Abs(by), toAttributes(attrs))
}

// DecrementCounter subtracts the magnitude of by from the named counter.
// The counter must be up/down, either declared via DeclareCounter or
// implicitly created by a first decrement; decrementing a monotonic
// counter fails with ErrInstrumentKind.
func (c *Controller) DecrementCounter(ctx context.Context, name string, by float64, attrs map[string]any) error {
	reg := c.metricsRegistry()
	if reg == nil {
		diagnostics().Warn("counter decrement before metrics ready", zap.String("metric", name))
		return nil
	}
	return reg.add(ctx, name, -math.Abs(by), toAttributes(attrs))
}

// RecordHistogram records one observation for the named histogram.
func (c *Controller) RecordHistogram(ctx context.Context, name string, value float64, attrs map[string]any) error {
	reg := c.metricsRegistry()
	if reg == nil {
		diagnostics().Warn("histogram record before metrics ready", zap.String("metric", name))
		return nil
	}
	return reg.record(ctx, name, value, toAttributes(attrs))
}

// toAttributes converts a loose attribute map to typed OpenTelemetry
// attributes. Strings, bools and numbers keep their type; everything else
// is serialized to a canonical JSON string.
func toAttributes(attrs map[string]any) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(attrs))
	for key, value := range attrs {
		if key == "" {
			continue
		}
		switch v := value.(type) {
		case string:
			out = append(out, attribute.String(key, v))
		case bool:
			out = append(out, attribute.Bool(key, v))
		case int:
			out = append(out, attribute.Int(key, v))
		case int64:
			out = append(out, attribute.Int64(key, v))
		case float64:
			out = append(out, attribute.Float64(key, v))
		default:
			out = append(out, attribute.String(key, canonicalString(value)))
		}
	}
	return out
}

// Package-level metric facade over the default controller.

// DeclareCounter declares a counter on the default controller.
func DeclareCounter(name string, monotonic bool, unit, description string) error {
	return defaultController.DeclareCounter(name, monotonic, unit, description)
}

// DeclareHistogram declares a histogram on the default controller.
func DeclareHistogram(name, unit, description string) error {
	return defaultController.DeclareHistogram(name, unit, description)
}

// IncrementCounter increments a counter on the default controller.
func IncrementCounter(ctx context.Context, name string, by float64, attrs map[string]any) error {
	return defaultController.IncrementCounter(ctx, name, by, attrs)
}

// DecrementCounter decrements an up/down counter on the default controller.
func DecrementCounter(ctx context.Context, name string, by float64, attrs map[string]any) error {
	return defaultController.DecrementCounter(ctx, name, by, attrs)
}

// RecordHistogram records a histogram observation on the default
// controller.
func RecordHistogram(ctx context.Context, name string, value float64, attrs map[string]any) error {
	return defaultController.RecordHistogram(ctx, name, value, attrs)
}

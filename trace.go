package atel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Span is a handle on an open trace span. Before the traces signal is
// ready, span handles are inert no-ops so instrumentation never fails
// business logic; the miss is reported on the diagnostic channel.
type Span struct {
	name    string
	span    trace.Span
	errored bool
	noop    bool
}

// AddEvent attaches a named point-in-time event to the span. Event names
// are prefixed with the span name for collector-side grouping.
func (s *Span) AddEvent(name string, attrs map[string]any) {
	if s.noop {
		return
	}
	s.span.AddEvent(s.name+"."+name, trace.WithAttributes(toAttributes(attrs)...))
}

// SetAttributes merges attributes onto the span.
func (s *Span) SetAttributes(attrs map[string]any) {
	if s.noop {
		return
	}
	s.span.SetAttributes(toAttributes(attrs)...)
}

// RecordException attaches err as an exception event and marks the span
// status as error.
func (s *Span) RecordException(err error) {
	if s.noop || err == nil {
		return
	}
	s.errored = true
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End finishes the span. Spans without a recorded exception end with OK
// status.
func (s *Span) End() {
	if s.noop {
		return
	}
	if !s.errored {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.End()
}

// SpanOption adjusts how StartSpan opens a span.
type SpanOption func(*spanStartConfig)

type spanStartConfig struct {
	carrier map[string]string
}

// WithCarrier continues the trace serialized in carrier, typically produced
// by InjectCarrier on the remote side. The new span becomes a child of the
// remote parent instead of any span already carried by ctx.
func WithCarrier(carrier map[string]string) SpanOption {
	return func(cfg *spanStartConfig) { cfg.carrier = carrier }
}

// StartSpan opens a span and returns the context carrying it plus a handle
// the caller must End. Use Trace for function-scoped spans; StartSpan is
// for scopes that do not map onto a single function call.
func (c *Controller) StartSpan(ctx context.Context, name string, attrs map[string]any, opts ...SpanOption) (context.Context, *Span) {
	c.mu.Lock()
	tracer := c.tracer
	c.mu.Unlock()

	if tracer == nil {
		diagnostics().Warn("span start before traces ready", zap.String("span", name))
		return ctx, &Span{name: name, noop: true}
	}
	var cfg spanStartConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.carrier != nil {
		ctx = ExtractCarrier(ctx, cfg.carrier)
	}
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))
	return ctx, &Span{name: name, span: span}
}

// Trace runs fn inside a span scope. The span ends on every exit path: an
// error return or a panic inside fn records an exception event and sets
// error status before the error or panic propagates unchanged to the
// caller. Trace never suppresses fn's failures, it only enriches the span.
func (c *Controller) Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) error {
	ctx, span := c.StartSpan(ctx, name, attrs)
	defer func() {
		if r := recover(); r != nil {
			span.RecordException(fmt.Errorf("panic: %v", r))
			span.End()
			panic(r)
		}
		span.End()
	}()

	if err := fn(ctx); err != nil {
		span.RecordException(err)
		return err
	}
	return nil
}

// InjectCarrier serializes the active trace context from ctx into a plain
// key-value carrier for cross-process propagation.
func InjectCarrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractCarrier returns a context carrying the trace context serialized
// in carrier, linking spans started from it to the remote parent.
func ExtractCarrier(ctx context.Context, carrier map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// StartSpan opens a span on the default controller.
func StartSpan(ctx context.Context, name string, attrs map[string]any, opts ...SpanOption) (context.Context, *Span) {
	return defaultController.StartSpan(ctx, name, attrs, opts...)
}

// Trace runs fn inside a span scope on the default controller.
func Trace(ctx context.Context, name string, attrs map[string]any, fn func(ctx context.Context) error) error {
	return defaultController.Trace(ctx, name, attrs, fn)
}

// Package atel is a client-side telemetry SDK facade over OpenTelemetry:
// one-line instrumentation for services that export metrics, traces, and
// logs to an OTLP collector without learning the full SDK surface.
//
// # Overview
//
// A Configuration builder and a ResourceAttributes identity payload are
// handed to Initialize exactly once per process. Initialize builds the
// provider pipelines behind per-signal exporter shims, wires trace context
// propagation, and gates every facade call on its state. Endpoint, token,
// and certificate changes after initialization go through UpdateExporter,
// which retargets the running exporter in place; providers are never
// rebuilt.
//
// # Usage
//
// Initialize once at startup:
//
//	cfg := atel.NewConfiguration("https://otel.example.com:4318").
//		SetAuthToken(token)
//	attrs, err := atel.NewResourceAttributes("checkout", "2.4.1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := atel.Initialize(ctx, cfg, attrs); err != nil {
//	    log.Fatal(err)
//	}
//	defer atel.Shutdown(ctx)
//
// Record telemetry anywhere:
//
//	atel.IncrementCounter(ctx, "orders_placed", 1, map[string]any{"tier": "gold"})
//
//	err = atel.Trace(ctx, "charge_card", nil, func(ctx context.Context) error {
//	    return gateway.Charge(ctx, order)
//	})
//
// Rotate a credential at runtime:
//
//	err := atel.UpdateExporter(ctx, atel.SignalMetrics, atel.WithAuthToken(newToken))
//
// # Configuration
//
// Every setter has an ATEL_* environment variable with the same name
// (ATEL_DEFAULT_ENDPOINT, ATEL_METRICS_AUTH_TOKEN, ...), read once at
// Configuration construction. NewConfigurationFromFile loads the same keys
// from YAML, with environment variables taking precedence.
//
// # Error Handling
//
// Configuration and initialization failures surface synchronously with a
// sentinel error naming the cause. Recording calls after successful
// initialization never fail business logic: before the relevant signal is
// ready they are swallowed with a diagnostic warning, and only instrument
// misconfiguration (such as decrementing a monotonic counter) returns an
// error.
//
// # Testing
//
// Use TestTelemetry to assert emitted telemetry without a collector:
//
//	tt := atel.NewTestTelemetry()
//	err := tt.Controller.Initialize(ctx, cfg, attrs, atel.SignalMetrics)
//	tt.Controller.IncrementCounter(ctx, "orders_placed", 1, nil)
//	tt.Flush(t)
//	tt.AssertExportedTo(t, atel.SignalMetrics, "https://otel.example.com:4318/v1/metrics")
package atel

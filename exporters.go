package atel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

// exporterFactory constructs the short-lived exporter instances that live
// behind the shims. Swappable so tests can count constructions and capture
// exported batches.
type exporterFactory interface {
	metricExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdkmetric.Exporter, error)
	spanExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdktrace.SpanExporter, error)
	logExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdklog.Exporter, error)
}

// otlpFactory builds real OTLP exporters, or stdout exporters in console
// mode.
type otlpFactory struct{}

func (otlpFactory) metricExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdkmetric.Exporter, error) {
	selector := temporalitySelector(rc.cumulative)
	if rc.console {
		return stdoutmetric.New(
			stdoutmetric.WithWriter(consoleWriter(rc)),
			stdoutmetric.WithTemporalitySelector(selector),
		)
	}

	if sc.endpoint.Protocol.IsGRPC() {
		opts := []otlpmetricgrpc.Option{
			otlpmetricgrpc.WithEndpoint(sc.endpoint.hostPort()),
			otlpmetricgrpc.WithHeaders(authHeaders(sc)),
			otlpmetricgrpc.WithTemporalitySelector(selector),
		}
		if !sc.endpoint.TLS {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		} else if sc.caCert != "" {
			creds, err := grpcCredentials(sc.caCert)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlpmetricgrpc.WithTLSCredentials(creds))
		}
		return otlpmetricgrpc.New(ctx, opts...)
	}

	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(sc.endpoint.hostPort()),
		otlpmetrichttp.WithURLPath(sc.endpoint.Path),
		otlpmetrichttp.WithHeaders(authHeaders(sc)),
		otlpmetrichttp.WithTemporalitySelector(selector),
	}
	if !sc.endpoint.TLS {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	} else if sc.caCert != "" {
		tlsCfg, err := httpTLSConfig(sc.caCert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tlsCfg))
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func (otlpFactory) spanExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdktrace.SpanExporter, error) {
	if rc.console {
		return stdouttrace.New(stdouttrace.WithWriter(consoleWriter(rc)))
	}

	if sc.endpoint.Protocol.IsGRPC() {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(sc.endpoint.hostPort()),
			otlptracegrpc.WithHeaders(authHeaders(sc)),
		}
		if !sc.endpoint.TLS {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else if sc.caCert != "" {
			creds, err := grpcCredentials(sc.caCert)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
		}
		return otlptracegrpc.New(ctx, opts...)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(sc.endpoint.hostPort()),
		otlptracehttp.WithURLPath(sc.endpoint.Path),
		otlptracehttp.WithHeaders(authHeaders(sc)),
	}
	if !sc.endpoint.TLS {
		opts = append(opts, otlptracehttp.WithInsecure())
	} else if sc.caCert != "" {
		tlsCfg, err := httpTLSConfig(sc.caCert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
	}
	return otlptracehttp.New(ctx, opts...)
}

func (otlpFactory) logExporter(ctx context.Context, rc *resolvedConfig, sc signalConfig) (sdklog.Exporter, error) {
	if rc.console {
		return stdoutlog.New(stdoutlog.WithWriter(consoleWriter(rc)))
	}

	if sc.endpoint.Protocol.IsGRPC() {
		opts := []otlploggrpc.Option{
			otlploggrpc.WithEndpoint(sc.endpoint.hostPort()),
			otlploggrpc.WithHeaders(authHeaders(sc)),
		}
		if !sc.endpoint.TLS {
			opts = append(opts, otlploggrpc.WithInsecure())
		} else if sc.caCert != "" {
			creds, err := grpcCredentials(sc.caCert)
			if err != nil {
				return nil, err
			}
			opts = append(opts, otlploggrpc.WithTLSCredentials(creds))
		}
		return otlploggrpc.New(ctx, opts...)
	}

	opts := []otlploghttp.Option{
		otlploghttp.WithEndpoint(sc.endpoint.hostPort()),
		otlploghttp.WithURLPath(sc.endpoint.Path),
		otlploghttp.WithHeaders(authHeaders(sc)),
	}
	if !sc.endpoint.TLS {
		opts = append(opts, otlploghttp.WithInsecure())
	} else if sc.caCert != "" {
		tlsCfg, err := httpTLSConfig(sc.caCert)
		if err != nil {
			return nil, err
		}
		opts = append(opts, otlploghttp.WithTLSClientConfig(tlsCfg))
	}
	return otlploghttp.New(ctx, opts...)
}

// temporalitySelector returns the per-instrument-kind temporality map.
// The default is delta for monotonic instruments and histograms; up-down
// counters are always cumulative. The cumulative override applies
// cumulative across the board.
func temporalitySelector(cumulative bool) sdkmetric.TemporalitySelector {
	if cumulative {
		return func(sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.CumulativeTemporality
		}
	}
	return func(kind sdkmetric.InstrumentKind) metricdata.Temporality {
		switch kind {
		case sdkmetric.InstrumentKindCounter,
			sdkmetric.InstrumentKindObservableCounter,
			sdkmetric.InstrumentKindHistogram:
			return metricdata.DeltaTemporality
		default:
			return metricdata.CumulativeTemporality
		}
	}
}

func authHeaders(sc signalConfig) map[string]string {
	if !sc.token.IsSet() {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + sc.token.Value()}
}

func grpcCredentials(caCertPath string) (credentials.TransportCredentials, error) {
	creds, err := credentials.NewClientTLSFromFile(caCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCertificate, caCertPath, err)
	}
	return creds, nil
}

func httpTLSConfig(caCertPath string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCertificate, caCertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s: no certificates found", ErrInvalidCertificate, caCertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func consoleWriter(rc *resolvedConfig) io.Writer {
	if rc.consoleWriter != nil {
		return rc.consoleWriter
	}
	return os.Stdout
}

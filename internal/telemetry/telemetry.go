// Package telemetry initialises optional OpenTelemetry trace, metric, and log
// providers exporting to an OTLP gRPC collector over one shared connection.
//
// Call [Setup] once during startup and defer the returned [ShutdownFunc].
// Without a call to Setup the global providers stay no-ops.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultServiceName is the service.name used when Config.ServiceName is empty.
const DefaultServiceName = "editionsync"

// Config mirrors the telemetry block of the YAML config.
type Config struct {
	// OTLPEndpoint is the collector's gRPC host:port, e.g. "localhost:4317".
	OTLPEndpoint string
	// Insecure disables TLS for the collector connection.
	Insecure bool
	// ServiceName overrides service.name. Defaults to [DefaultServiceName].
	ServiceName string
	// ServiceVersion sets service.version when non-empty.
	ServiceVersion string
	// Headers are sent as gRPC metadata on every export,
	// e.g. {"Authorization": "Bearer <token>"}.
	Headers map[string]string
}

// ShutdownFunc flushes and closes all providers. Call it with a fresh
// context; the main one is usually cancelled by then.
type ShutdownFunc func(context.Context) error

// Setup installs global trace, metric and log providers plus a W3C trace
// context propagator. The returned ShutdownFunc is never nil, so callers can
// defer it unconditionally.
func Setup(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	res, err := newResource(cfg)
	if err != nil {
		return noopShutdown, err
	}

	conn, err := dial(cfg)
	if err != nil {
		return noopShutdown, err
	}

	// Closers run in reverse order of registration; the connection goes last.
	closers := []namedCloser{{"OTLP gRPC connection", func(context.Context) error { return conn.Close() }}}
	fail := func(err error) (ShutdownFunc, error) {
		_ = shutdownAll(ctx, closers)
		return noopShutdown, err
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP trace exporter: %w", err))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	closers = append(closers, namedCloser{"trace provider", tp.Shutdown})

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithGRPCConn(conn),
		otlpmetricgrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP metric exporter: %w", err))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	closers = append(closers, namedCloser{"metric provider", mp.Shutdown})

	logExp, err := otlploggrpc.New(ctx,
		otlploggrpc.WithGRPCConn(conn),
		otlploggrpc.WithHeaders(cfg.Headers),
	)
	if err != nil {
		return fail(fmt.Errorf("creating OTLP log exporter: %w", err))
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	closers = append(closers, namedCloser{"log provider", lp.Shutdown})

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	global.SetLoggerProvider(lp)

	return func(ctx context.Context) error { return shutdownAll(ctx, closers) }, nil
}

// newResource describes this service instance. NewSchemaless avoids a schema
// URL conflict between resource.Default and the semconv version imported here.
func newResource(cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = DefaultServiceName
	}
	kvs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.ServiceVersion != "" {
		kvs = append(kvs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(kvs...))
	if err != nil {
		return nil, fmt.Errorf("building OTel resource: %w", err)
	}
	return res, nil
}

func dial(cfg Config) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(nil) // system root CAs
	}
	conn, err := grpc.NewClient(cfg.OTLPEndpoint, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dialling OTLP collector at %q: %w", cfg.OTLPEndpoint, err)
	}
	return conn, nil
}

type namedCloser struct {
	name string
	fn   func(context.Context) error
}

func shutdownAll(ctx context.Context, closers []namedCloser) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", closers[i].name, err))
		}
	}
	return errors.Join(errs...)
}

func noopShutdown(context.Context) error { return nil }

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/butter-bot-machines/scribe/pkg/config/env"
)

const instrumentationName = "github.com/butter-bot-machines/scribe"

// Config controls trace export.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint enables OTLP/gRPC export when non-empty
	OTLPEndpoint string
	OTLPInsecure bool
	// SamplingRate is the ratio of traces sampled, in [0, 1]
	SamplingRate float64
}

// ConfigFromEnv reads OTEL_EXPORTER_OTLP_ENDPOINT and
// OTEL_TRACE_SAMPLING_RATE.
func ConfigFromEnv(version string) Config {
	e := env.New()
	rate := e.GetFloatWithDefault("OTEL_TRACE_SAMPLING_RATE", 1.0)
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return Config{
		ServiceName:    "scribe",
		ServiceVersion: version,
		OTLPEndpoint:   e.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   e.GetBoolWithDefault("OTEL_EXPORTER_OTLP_INSECURE", true),
		SamplingRate:   rate,
	}
}

// Init installs the global tracer provider. Without an endpoint spans are
// sampled but not exported. The returned function flushes and shuts down
// the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}

	if cfg.OTLPEndpoint != "" {
		expOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the engine tracer from the global provider
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

package observability

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// traceConfig is the TASKGATE_OTEL_* surface, read once at startup.
type traceConfig struct {
	exporter    string
	endpoint    string
	headers     map[string]string
	insecure    bool
	environment string
}

func traceConfigFromEnv() traceConfig {
	cfg := traceConfig{
		exporter:    strings.ToLower(strings.TrimSpace(os.Getenv("TASKGATE_OTEL_EXPORTER"))),
		endpoint:    strings.TrimSpace(os.Getenv("TASKGATE_OTEL_ENDPOINT")),
		headers:     map[string]string{},
		insecure:    true,
		environment: strings.TrimSpace(os.Getenv("TASKGATE_ENVIRONMENT")),
	}
	if raw := strings.TrimSpace(os.Getenv("TASKGATE_OTEL_INSECURE")); raw == "0" || strings.EqualFold(raw, "false") {
		cfg.insecure = false
	}
	for _, pair := range strings.Split(os.Getenv("TASKGATE_OTEL_HEADERS"), ",") {
		if k, v, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
			if k != "" && v != "" {
				cfg.headers[k] = v
			}
		}
	}
	return cfg
}

var (
	initOnce   sync.Once
	shutdownFn func(context.Context) error
)

// InitTracingFromEnv wires the global tracer provider. With no exporter
// configured it installs a no-op provider, so StartSpan is always safe.
func InitTracingFromEnv(service string) (func(context.Context) error, error) {
	var initErr error
	initOnce.Do(func() {
		cfg := traceConfigFromEnv()
		if cfg.exporter == "" || cfg.exporter == "none" {
			otel.SetTracerProvider(trace.NewNoopTracerProvider())
			shutdownFn = func(context.Context) error { return nil }
			return
		}

		exporter, err := cfg.newExporter(context.Background())
		if err != nil {
			initErr = fmt.Errorf("build %s exporter: %w", cfg.exporter, err)
			return
		}
		res, err := resource.New(context.Background(), resource.WithAttributes(
			semconv.ServiceNameKey.String(service),
			attribute.String("taskgate.environment", cfg.environment),
		))
		if err != nil {
			initErr = err
			return
		}
		provider := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithSampler(samplerFromEnv()),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
		shutdownFn = provider.Shutdown
	})
	if shutdownFn == nil {
		shutdownFn = func(context.Context) error { return nil }
	}
	return shutdownFn, initErr
}

func (cfg traceConfig) newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch cfg.exporter {
	case "otlp", "otlpgrpc", "grpc":
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if len(cfg.headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.headers))
		}
		if cfg.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(&tls.Config{})))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "otlphttp", "http":
		endpoint := cfg.endpoint
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if len(cfg.headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.headers))
		}
		if cfg.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func samplerFromEnv() sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("TASKGATE_OTEL_SAMPLER"))) {
	case "always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case "traceidratio", "ratio":
		ratio := 1.0
		if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv("TASKGATE_OTEL_SAMPLER_RATIO")), 64); err == nil {
			ratio = min(max(v, 0), 1)
		}
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}

// StartSpan opens a span on the gateway tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer("taskgate").Start(ctx, name, trace.WithAttributes(attrs...))
}

// Package telemetry предоставляет distributed tracing, метрики и структурное логирование.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig конфигурация для distributed tracing
type TracingConfig struct {
	Enabled          bool
	ServiceName      string
	ServiceVersion   string
	Exporter         string // "otlp", "stdout"
	ExporterEndpoint string
	SamplingRate     float64 // 0.0 - 1.0
	Environment      string  // "development", "staging", "production"
}

// Validate проверяет корректность конфигурации
func (c TracingConfig) Validate() error {
	if c.Enabled && c.ServiceName == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if c.SamplingRate < 0.0 || c.SamplingRate > 1.0 {
		return fmt.Errorf("sampling rate must be in [0.0, 1.0]")
	}
	return nil
}

// TracingManager менеджер для distributed tracing
type TracingManager struct {
	config   TracingConfig
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	running  bool
	mu       sync.RWMutex
}

// NewTracingManager создает новый TracingManager
func NewTracingManager(config TracingConfig) (*TracingManager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return &TracingManager{config: config, tracer: otel.Tracer(config.ServiceName)}, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := createExporter(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := sdktrace.TraceIDRatioBased(config.SamplingRate)
	if config.SamplingRate >= 1.0 {
		sampler = sdktrace.AlwaysSample()
	} else if config.SamplingRate <= 0.0 {
		sampler = sdktrace.NeverSample()
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingManager{
		config:   config,
		tracer:   tp.Tracer(config.ServiceName),
		provider: tp,
	}, nil
}

// createExporter создает exporter на основе конфигурации
func createExporter(config TracingConfig) (sdktrace.SpanExporter, error) {
	switch config.Exporter {
	case "otlp":
		client := otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(config.ExporterEndpoint),
			otlptracehttp.WithInsecure(),
		)
		return otlptrace.New(context.Background(), client)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

// Start запускает tracing (lifecycle)
func (tm *TracingManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = true
	tm.mu.Unlock()
	return nil
}

// Stop останавливает tracing с graceful shutdown
func (tm *TracingManager) Stop(ctx context.Context) error {
	tm.mu.Lock()
	tm.running = false
	tm.mu.Unlock()

	if tm.provider != nil {
		return tm.provider.Shutdown(ctx)
	}
	return nil
}

// IsRunning проверяет статус
func (tm *TracingManager) IsRunning() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.running
}

// Tracer возвращает tracer для создания spans
func (tm *TracingManager) Tracer() trace.Tracer {
	return tm.tracer
}

// HTTPTracingMiddleware Gin middleware для автоматической инструментации HTTP requests
func HTTPTracingMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(c.Request.Header))

		tracer := otel.Tracer(serviceName)
		ctx, span := tracer.Start(ctx, fmt.Sprintf("%s %s", c.Request.Method, c.FullPath()))
		defer span.End()

		span.SetAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

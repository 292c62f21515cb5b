// Package telemetry предоставляет distributed tracing, метрики и структурное логирование.
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler slog.Handler, который извлекает TraceID и SpanID
// из контекста и добавляет их атрибутами к каждой записи лога
type ContextHandler struct {
	slog.Handler
}

// Handle добавляет атрибуты трассировки перед вызовом базового handler
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	spanContext := trace.SpanContextFromContext(ctx)
	if spanContext.HasTraceID() {
		r.AddAttrs(slog.String("trace_id", spanContext.TraceID().String()))
	}
	if spanContext.HasSpanID() {
		r.AddAttrs(slog.String("span_id", spanContext.SpanID().String()))
	}
	return h.Handler.Handle(ctx, r)
}

// NewContextHandler создает slog.Handler, декорирующий записи идентификаторами трассировки
func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

// InitLogger инициализирует глобальный slog logger с JSON handler
// и атрибутом service для всех записей
func InitLogger(service string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(NewContextHandler(handler)).With(slog.String("service", service))
	slog.SetDefault(logger)
	return logger
}

// Package telemetry предоставляет distributed tracing, метрики и структурное логирование.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик saga workflow
type Metrics struct {
	meter              metric.Meter
	sagasStarted       metric.Int64Counter
	sagasCompleted     metric.Int64Counter
	sagasFailed        metric.Int64Counter
	transitionsApplied metric.Int64Counter
	duplicatesIgnored  metric.Int64Counter
	projectionUpserts  metric.Int64Counter
	gatewayPolls       metric.Int64Counter
	transitionDuration metric.Float64Histogram
}

// NewMetrics создает новый сборщик метрик
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("goodmeal.billing")

	sagasStarted, err := meter.Int64Counter(
		"sagas_started_total",
		metric.WithDescription("Total number of payment sagas started"),
	)
	if err != nil {
		return nil, err
	}

	sagasCompleted, err := meter.Int64Counter(
		"sagas_completed_total",
		metric.WithDescription("Total number of payment sagas completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	sagasFailed, err := meter.Int64Counter(
		"sagas_failed_total",
		metric.WithDescription("Total number of payment sagas finished in failed state"),
	)
	if err != nil {
		return nil, err
	}

	transitionsApplied, err := meter.Int64Counter(
		"saga_transitions_total",
		metric.WithDescription("Total number of saga state transitions applied"),
	)
	if err != nil {
		return nil, err
	}

	duplicatesIgnored, err := meter.Int64Counter(
		"saga_duplicate_events_total",
		metric.WithDescription("Total number of duplicate or stale events acknowledged without effect"),
	)
	if err != nil {
		return nil, err
	}

	projectionUpserts, err := meter.Int64Counter(
		"projection_upserts_total",
		metric.WithDescription("Total number of status projection upserts"),
	)
	if err != nil {
		return nil, err
	}

	gatewayPolls, err := meter.Int64Counter(
		"gateway_polls_total",
		metric.WithDescription("Total number of payment gateway status polls"),
	)
	if err != nil {
		return nil, err
	}

	transitionDuration, err := meter.Float64Histogram(
		"saga_transition_duration_seconds",
		metric.WithDescription("Saga transition handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		meter:              meter,
		sagasStarted:       sagasStarted,
		sagasCompleted:     sagasCompleted,
		sagasFailed:        sagasFailed,
		transitionsApplied: transitionsApplied,
		duplicatesIgnored:  duplicatesIgnored,
		projectionUpserts:  projectionUpserts,
		gatewayPolls:       gatewayPolls,
		transitionDuration: transitionDuration,
	}, nil
}

// RecordSagaStarted регистрирует старт саги
func (m *Metrics) RecordSagaStarted(ctx context.Context) {
	m.sagasStarted.Add(ctx, 1)
}

// RecordSagaCompleted регистрирует успешное завершение саги
func (m *Metrics) RecordSagaCompleted(ctx context.Context) {
	m.sagasCompleted.Add(ctx, 1)
}

// RecordSagaFailed регистрирует завершение саги с ошибкой
func (m *Metrics) RecordSagaFailed(ctx context.Context, reason string) {
	m.sagasFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordTransition регистрирует применённый переход состояния
func (m *Metrics) RecordTransition(ctx context.Context, from, to string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	)
	m.transitionsApplied.Add(ctx, 1, attrs)
	m.transitionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDuplicateIgnored регистрирует проигнорированное дублирующее событие
func (m *Metrics) RecordDuplicateIgnored(ctx context.Context, eventType string) {
	m.duplicatesIgnored.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordProjectionUpsert регистрирует upsert проекции статуса
func (m *Metrics) RecordProjectionUpsert(ctx context.Context, eventType string) {
	m.projectionUpserts.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordGatewayPoll регистрирует опрос статуса платежного шлюза
func (m *Metrics) RecordGatewayPoll(ctx context.Context, success bool) {
	m.gatewayPolls.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}

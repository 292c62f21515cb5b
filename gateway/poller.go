package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/saga"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/telemetry"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// PollerConfig конфигурация poller'а статусов.
type PollerConfig struct {
	// Interval период между проходами.
	Interval time.Duration
	// MinPendingAge минимальный возраст PaymentPending саги, прежде
	// чем её начинают опрашивать. Даёт IPN шанс прийти первым.
	MinPendingAge time.Duration
	// BatchSize максимум саг за один проход.
	BatchSize int
}

// DefaultPollerConfig возвращает конфигурацию по умолчанию.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		Interval:      2 * time.Minute,
		MinPendingAge: 5 * time.Minute,
		BatchSize:     50,
	}
}

// Validate проверяет конфигурацию.
func (c *PollerConfig) Validate() error {
	if c.Interval <= 0 {
		return core.NewError(core.ErrInvalidConfig, "poller interval must be positive")
	}
	if c.MinPendingAge < 0 {
		return core.NewError(core.ErrInvalidConfig, "poller min pending age must not be negative")
	}
	if c.BatchSize <= 0 {
		return core.NewError(core.ErrInvalidConfig, "poller batch size must be positive")
	}
	return nil
}

// Poller опрашивает шлюз по сагам, зависшим в PaymentPending. Шлюз
// может не доставить IPN, poller обнаруживает завершенный платёж сам.
// Результат публикуется теми же типами событий, что и IPN путь, у
// оркестратора и проектора остается один код обработки, а не два.
type Poller struct {
	config    *PollerConfig
	store     saga.Store
	client    StatusClient
	publisher transport.Publisher
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPoller создает poller статусов платежей.
func NewPoller(config *PollerConfig, store saga.Store, client StatusClient, publisher transport.Publisher, metrics *telemetry.Metrics) (*Poller, error) {
	if config == nil {
		config = DefaultPollerConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "saga store is required")
	}
	if client == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "gateway status client is required")
	}
	return &Poller{
		config:    config,
		store:     store,
		client:    client,
		publisher: publisher,
		metrics:   metrics,
		logger:    slog.Default().With("component", "gateway-poller"),
	}, nil
}

// Start запускает фоновый цикл poller'а.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.running = true
	go p.run()
	p.logger.Info("gateway poller started", "interval", p.config.Interval)
	return nil
}

// Stop останавливает цикл и дожидается завершения текущего прохода.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	close(p.stopCh)
	p.running = false
	done := p.doneCh
	p.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning сообщает, запущен ли poller.
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Poller) run() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.Poll(context.Background()); err != nil {
				p.logger.Error("poll pass failed", "error", err)
			}
		}
	}
}

// Poll выполняет один проход опроса. Ошибка запроса одной саги не
// прерывает проход, остальные саги опрашиваются дальше.
func (p *Poller) Poll(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-p.config.MinPendingAge)
	pending, err := p.store.ListPendingOlderThan(ctx, cutoff, p.config.BatchSize)
	if err != nil {
		return err
	}
	for _, inst := range pending {
		if err := p.pollInstance(ctx, inst); err != nil {
			p.logger.Warn("failed to poll payment status",
				"correlation_id", inst.CorrelationID,
				"order_id", inst.OrderID,
				"error", err)
		}
	}
	return nil
}

func (p *Poller) pollInstance(ctx context.Context, inst *saga.Instance) error {
	status, err := p.client.QueryTransaction(ctx, inst.OrderID)
	if p.metrics != nil {
		p.metrics.RecordGatewayPoll(ctx, err == nil)
	}
	if err != nil {
		return err
	}

	// Факт проверки публикуется всегда, финальные статусы уходят
	// теми же событиями, что публикует IPN endpoint.
	if err := p.publishEnvelope(ctx, domain.EventPaymentStatusChecked, inst.CorrelationID, &domain.PaymentStatusCheckedData{
		OrderID: status.OrderID,
		Status:  status.Status,
	}); err != nil {
		return err
	}

	switch status.Status {
	case TxnStatusSuccess:
		return p.publishEnvelope(ctx, domain.EventPaymentCompleted, inst.CorrelationID, &domain.PaymentCompletedData{
			TransactionID: status.TransactionID,
			CompletedAt:   time.Now().UTC(),
		})
	case TxnStatusFailed:
		return p.publishEnvelope(ctx, domain.EventPaymentFailed, inst.CorrelationID, &domain.PaymentFailedData{
			Reason:   "payment rejected by gateway",
			FailedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (p *Poller) publishEnvelope(ctx context.Context, eventType, correlationID string, payload interface{}) error {
	env, err := domain.NewEnvelope(eventType, correlationID, payload)
	if err != nil {
		return err
	}
	msg, err := env.ToMessage()
	if err != nil {
		return err
	}
	return p.publisher.Publish(ctx, msg.Subject, msg.Data, msg.Headers)
}

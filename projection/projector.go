package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/saga"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/telemetry"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// ProjectorConfig конфигурация проектора.
type ProjectorConfig struct {
	// Queue имя consumer group проектора. Отдельная группа от
	// оркестратора, каждый получает собственную копию потока.
	Queue string
}

// DefaultProjectorConfig возвращает конфигурацию по умолчанию.
func DefaultProjectorConfig() *ProjectorConfig {
	return &ProjectorConfig{
		Queue: "status-projector",
	}
}

// Validate проверяет конфигурацию.
func (c *ProjectorConfig) Validate() error {
	if c.Queue == "" {
		return core.NewError(core.ErrInvalidConfig, "projector queue is required")
	}
	return nil
}

// Projector независимый консьюмер потока событий саги, ведущий
// read-model статусов. Строка создается только на стартовом событии,
// для остальных событий отсутствующая строка это log-and-skip:
// проектор терпим к out-of-order доставке относительно старта.
type Projector struct {
	config  *ProjectorConfig
	bus     transport.MessageBus
	store   StatusStore
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
}

// NewProjector создает проектор статусов.
func NewProjector(config *ProjectorConfig, bus transport.MessageBus, store StatusStore, metrics *telemetry.Metrics) (*Projector, error) {
	if config == nil {
		config = DefaultProjectorConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "message bus is required")
	}
	if store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "status store is required")
	}
	return &Projector{
		config:  config,
		bus:     bus,
		store:   store,
		metrics: metrics,
		logger:  slog.Default().With("component", "status-projector"),
	}, nil
}

// Start подписывает проектор на поток событий биллинга. Как и
// оркестратор, проектор подписывается на конкретный subject каждого
// типа события: wildcard подписка есть только у NATS, Kafka и Redis
// Streams отображают subject в имя топика или stream буквально.
func (p *Projector) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	for _, eventType := range domain.EventTypes() {
		if err := p.bus.SubscribeQueue(ctx, domain.SubjectFor(eventType), p.config.Queue, p.handleMessage); err != nil {
			return err
		}
	}
	p.running = true
	p.logger.Info("status projector started", "queue", p.config.Queue)
	return nil
}

// Stop отписывает проектор от потока событий.
func (p *Projector) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	for _, eventType := range domain.EventTypes() {
		if err := p.bus.Unsubscribe(domain.SubjectFor(eventType)); err != nil {
			return err
		}
	}
	p.running = false
	p.logger.Info("status projector stopped")
	return nil
}

// IsRunning сообщает, запущен ли проектор.
func (p *Projector) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *Projector) handleMessage(ctx context.Context, msg *transport.Message) error {
	env, err := domain.ParseEnvelope(msg)
	if err != nil {
		p.logger.Warn("discarding malformed message", "subject", msg.Subject, "error", err)
		return nil
	}

	switch env.EventType {
	case domain.EventPaymentRequested:
		return p.handleStart(ctx, env)
	case domain.EventCreatePaymentURL, domain.EventActivateUserSubscription:
		// Команды коллабораторам, проекция их не отражает.
		return nil
	default:
		return p.handleUpdate(ctx, env)
	}
}

// handleStart создает строку проекции идемпотентно. Стартовое событие
// может прийти и после того, как оркестратор уже создал экземпляр по
// другому пути вызова, повторное создание это no-op.
func (p *Projector) handleStart(ctx context.Context, env *domain.Envelope) error {
	correlationID, err := uuid.Parse(env.CorrelationID)
	if err != nil {
		p.logger.Warn("discarding start event with invalid correlation id",
			"correlation_id", env.CorrelationID, "error", err)
		return nil
	}
	var data domain.PaymentRequestedData
	if err := env.Decode(&data); err != nil {
		p.logger.Warn("discarding malformed payment request", "correlation_id", env.CorrelationID, "error", err)
		return nil
	}

	// Та же нормализация, что и у оркестратора, чтобы обе стороны
	// хранили одинаковую сумму для одного потока событий.
	amount, err := domain.NormalizeAmount(data.Amount, data.Currency)
	if err != nil {
		p.logger.Warn("discarding payment request with invalid amount",
			"correlation_id", env.CorrelationID, "error", err)
		return nil
	}

	now := time.Now().UTC()
	row := &StatusProjection{
		CorrelationID:  env.CorrelationID,
		OrderID:        saga.EncodeOrderRef(correlationID),
		CurrentState:   string(saga.StatePaymentURLCreating),
		UserID:         data.UserID,
		SubscriptionID: data.SubscriptionID,
		Amount:         amount,
		Currency:       domain.SettlementCurrency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateIfAbsent(ctx, row); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordProjectionUpsert(ctx, env.EventType)
	}
	return nil
}

// handleUpdate применяет событие к существующей строке проекции.
func (p *Projector) handleUpdate(ctx context.Context, env *domain.Envelope) error {
	row, err := p.store.Load(ctx, env.CorrelationID)
	if err != nil {
		if core.HasCode(err, core.ErrNotFound) {
			p.logger.Warn("projection row absent, skipping event",
				"correlation_id", env.CorrelationID, "event_type", env.EventType)
			return nil
		}
		return err
	}

	changed, err := p.apply(row, env)
	if err != nil {
		p.logger.Warn("discarding undecodable event payload",
			"correlation_id", env.CorrelationID, "event_type", env.EventType, "error", err)
		return nil
	}
	if !changed {
		p.logger.Debug("event does not advance projection, skipping",
			"correlation_id", env.CorrelationID,
			"state", row.CurrentState,
			"event_type", env.EventType)
		return nil
	}

	row.UpdatedAt = time.Now().UTC()
	if err := p.store.Upsert(ctx, row); err != nil {
		return err
	}
	if p.metrics != nil {
		p.metrics.RecordProjectionUpsert(ctx, env.EventType)
	}
	return nil
}

// apply переносит поля события в строку. Переход разрешается той же
// таблицей, что и у оркестратора: событие, не образующее пару с
// текущим состоянием строки, пропускается. Проекция может отставать
// от авторитетного экземпляра до redelivery, но не может перескочить
// вперед через непройденное состояние.
func (p *Projector) apply(row *StatusProjection, env *domain.Envelope) (bool, error) {
	if env.EventType == domain.EventPaymentStatusChecked {
		// Информационное событие опроса, отмечаем только факт проверки.
		return true, nil
	}

	next, ok := saga.NextState(saga.State(row.CurrentState), env.EventType)
	if !ok {
		return false, nil
	}

	switch env.EventType {
	case domain.EventPaymentURLCreated:
		var data domain.PaymentURLCreatedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.PaymentURL = data.PaymentURL
		row.PaymentURLCreated = true

	case domain.EventPaymentURLCreationFailed:
		var data domain.PaymentURLCreationFailedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.FailureReason = data.Reason

	case domain.EventPaymentCompleted:
		var data domain.PaymentCompletedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.PaymentCompleted = true
		row.TransactionID = data.TransactionID

	case domain.EventPaymentFailed:
		var data domain.PaymentFailedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.FailureReason = data.Reason

	case domain.EventUserSubscriptionActivated:
		var data domain.UserSubscriptionActivatedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.SubscriptionActivated = true
		row.UserSubscriptionID = data.UserSubscriptionID

	case domain.EventUserSubscriptionActivationFailed:
		var data domain.UserSubscriptionActivationFailedData
		if err := env.Decode(&data); err != nil {
			return false, err
		}
		row.FailureReason = "subscription activation failed: " + data.Reason
	}

	row.CurrentState = string(next)
	return true, nil
}

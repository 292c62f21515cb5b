package saga

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/telemetry"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// OrchestratorConfig конфигурация оркестратора.
type OrchestratorConfig struct {
	// Queue имя consumer group. Внутри группы каждое сообщение
	// получает один консьюмер, что даёт обработку событий одной
	// саги одним логическим потребителем за раз.
	Queue string
}

// DefaultOrchestratorConfig возвращает конфигурацию по умолчанию.
func DefaultOrchestratorConfig() *OrchestratorConfig {
	return &OrchestratorConfig{
		Queue: "saga-orchestrator",
	}
}

// Validate проверяет конфигурацию.
func (c *OrchestratorConfig) Validate() error {
	if c.Queue == "" {
		return core.NewError(core.ErrInvalidConfig, "orchestrator queue is required")
	}
	return nil
}

// Orchestrator консьюмер событий саги. Загружает экземпляр,
// применяет событие через таблицу переходов, сохраняет с проверкой
// версии и только после успешного сохранения публикует команды.
type Orchestrator struct {
	config     *OrchestratorConfig
	bus        transport.MessageBus
	store      Store
	subChecker domain.ActiveSubscriptionChecker
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	tracer     trace.Tracer

	mu      sync.RWMutex
	running bool

	// conflictMu защищает счетчик версионных конфликтов по correlation id.
	// Счетчик накапливается между конфликтом и успешной повторной записью
	// и переносится в Instance.RetryCount при сохранении.
	conflictMu sync.Mutex
	conflicts  map[string]int
}

// NewOrchestrator создает оркестратор. subChecker может быть nil,
// тогда проверка активной подписки при старте саги пропускается.
func NewOrchestrator(config *OrchestratorConfig, bus transport.MessageBus, store Store, subChecker domain.ActiveSubscriptionChecker, metrics *telemetry.Metrics) (*Orchestrator, error) {
	if config == nil {
		config = DefaultOrchestratorConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if bus == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "message bus is required")
	}
	if store == nil {
		return nil, core.NewError(core.ErrInvalidConfig, "saga store is required")
	}
	return &Orchestrator{
		config:     config,
		bus:        bus,
		store:      store,
		subChecker: subChecker,
		metrics:    metrics,
		logger:     slog.Default().With("component", "saga-orchestrator"),
		tracer:     otel.Tracer("goodmeal.billing.saga"),
		conflicts:  make(map[string]int),
	}, nil
}

// Start подписывает оркестратор на поток событий биллинга.
// Подписка идет по конкретному subject на каждый тип события:
// у Kafka и Redis Streams subject отображается в имя топика или
// stream буквально, wildcard подписки там нет.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return nil
	}
	for _, eventType := range domain.EventTypes() {
		if err := o.bus.SubscribeQueue(ctx, domain.SubjectFor(eventType), o.config.Queue, o.handleMessage); err != nil {
			return err
		}
	}
	o.running = true
	o.logger.Info("saga orchestrator started", "queue", o.config.Queue)
	return nil
}

// Stop отписывает оркестратор от потока событий.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return nil
	}
	for _, eventType := range domain.EventTypes() {
		if err := o.bus.Unsubscribe(domain.SubjectFor(eventType)); err != nil {
			return err
		}
	}
	o.running = false
	o.logger.Info("saga orchestrator stopped")
	return nil
}

// IsRunning сообщает, запущен ли оркестратор.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

// handleMessage обрабатывает одно сообщение шины. Возврат ошибки
// означает redelivery, nil подтверждает сообщение.
func (o *Orchestrator) handleMessage(ctx context.Context, msg *transport.Message) error {
	env, err := domain.ParseEnvelope(msg)
	if err != nil {
		// Повторная доставка не починит мусорное сообщение.
		o.logger.Warn("discarding malformed message", "subject", msg.Subject, "error", err)
		return nil
	}

	ctx, span := o.tracer.Start(ctx, "saga.handle "+env.EventType,
		trace.WithAttributes(
			attribute.String("saga.correlation_id", env.CorrelationID),
			attribute.String("saga.event_type", env.EventType),
		))
	defer span.End()

	switch env.EventType {
	case domain.EventCreatePaymentURL, domain.EventActivateUserSubscription:
		// Команды адресованы коллабораторам, оркестратор их не потребляет.
		return nil
	case domain.EventPaymentStatusChecked:
		// Информационное событие опроса шлюза, состояние не меняет.
		o.logger.Debug("payment status checked", "correlation_id", env.CorrelationID)
		return nil
	case domain.EventPaymentRequested:
		return o.handleSagaStart(ctx, env)
	default:
		return o.handleTransition(ctx, env)
	}
}

// handleSagaStart создает экземпляр саги идемпотентно по correlation id.
// Стартовое событие может публиковаться из двух независимых мест,
// повторный старт это no-op без повторной команды.
func (o *Orchestrator) handleSagaStart(ctx context.Context, env *domain.Envelope) error {
	correlationID, err := uuid.Parse(env.CorrelationID)
	if err != nil {
		o.logger.Warn("discarding saga start with invalid correlation id",
			"correlation_id", env.CorrelationID, "error", err)
		return nil
	}

	var data domain.PaymentRequestedData
	if err := env.Decode(&data); err != nil {
		o.logger.Warn("discarding malformed payment request", "correlation_id", env.CorrelationID, "error", err)
		return nil
	}

	amount, err := domain.NormalizeAmount(data.Amount, data.Currency)
	if err != nil {
		o.logger.Warn("discarding payment request with invalid amount",
			"correlation_id", env.CorrelationID, "amount", data.Amount, "currency", data.Currency, "error", err)
		return nil
	}

	now := time.Now().UTC()
	inst := &Instance{
		CorrelationID:    env.CorrelationID,
		CurrentState:     StatePaymentURLCreating,
		UserID:           data.UserID,
		SubscriptionID:   data.SubscriptionID,
		Amount:           amount,
		Currency:         domain.SettlementCurrency,
		OrderID:          EncodeOrderRef(correlationID),
		OrderDescription: data.OrderDescription,
		IPAddress:        data.IPAddress,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	// Не больше одной активной подписки на пользователя. Проверка
	// check-then-act и гонку между сервисами не закрывает, это
	// осознанное ограничение.
	if o.subChecker != nil {
		hasActive, err := o.subChecker.HasActiveSubscription(ctx, data.UserID)
		if err != nil {
			return core.Wrap(err, core.ErrStorage, "failed to check active subscription")
		}
		if hasActive {
			return o.rejectSagaStart(ctx, inst, "user already has an active subscription", now)
		}
	}

	if err := o.store.Create(ctx, inst); err != nil {
		if core.HasCode(err, core.ErrAlreadyExists) {
			o.logger.Info("saga already started, ignoring duplicate",
				"correlation_id", env.CorrelationID)
			if o.metrics != nil {
				o.metrics.RecordDuplicateIgnored(ctx, env.EventType)
			}
			return nil
		}
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordSagaStarted(ctx)
	}
	o.logger.Info("saga started",
		"correlation_id", inst.CorrelationID,
		"order_id", inst.OrderID,
		"user_id", inst.UserID,
		"amount", inst.Amount,
		"currency", inst.Currency)

	cmd, err := domain.NewEnvelope(domain.EventCreatePaymentURL, inst.CorrelationID, &domain.CreatePaymentURLData{
		OrderID:          inst.OrderID,
		Amount:           inst.Amount,
		Currency:         inst.Currency,
		OrderDescription: inst.OrderDescription,
		IPAddress:        inst.IPAddress,
	})
	if err != nil {
		return err
	}
	return o.publish(ctx, cmd)
}

// rejectSagaStart фиксирует отказ в старте саги. Экземпляр создается
// сразу в Failed, чтобы статус был виден через проекцию, следом
// публикуется PaymentFailed для самой проекции.
func (o *Orchestrator) rejectSagaStart(ctx context.Context, inst *Instance, reason string, now time.Time) error {
	inst.CurrentState = StateFailed
	inst.FailureReason = reason
	inst.FailedAt = &now
	if err := o.store.Create(ctx, inst); err != nil {
		if core.HasCode(err, core.ErrAlreadyExists) {
			return nil
		}
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordSagaFailed(ctx, reason)
	}
	o.logger.Info("saga start rejected",
		"correlation_id", inst.CorrelationID, "reason", reason)

	evt, err := domain.NewEnvelope(domain.EventPaymentFailed, inst.CorrelationID, &domain.PaymentFailedData{
		Reason:   reason,
		FailedAt: now,
	})
	if err != nil {
		return err
	}
	return o.publish(ctx, evt)
}

// handleTransition применяет событие к существующему экземпляру.
func (o *Orchestrator) handleTransition(ctx context.Context, env *domain.Envelope) error {
	inst, err := o.store.Load(ctx, env.CorrelationID)
	if err != nil {
		if core.HasCode(err, core.ErrNotFound) {
			// Событие для незнакомой саги. Либо чужой поток, либо
			// стартовое событие еще не дошло. Лог и пропуск.
			o.logger.Warn("event for unknown saga, discarding",
				"correlation_id", env.CorrelationID, "event_type", env.EventType)
			return nil
		}
		return err
	}

	expectedVersion := inst.Version
	started := time.Now()

	// Проверка "не больше одной активной подписки" повторяется перед
	// запросом активации: между стартом саги и подтверждением оплаты
	// другая сага того же пользователя могла успеть завершиться.
	if env.EventType == domain.EventPaymentCompleted && inst.CurrentState == StatePaymentPending && o.subChecker != nil {
		hasActive, err := o.subChecker.HasActiveSubscription(ctx, inst.UserID)
		if err != nil {
			return core.Wrap(err, core.ErrStorage, "failed to check active subscription")
		}
		if hasActive {
			return o.failCapturedPayment(ctx, inst, env, expectedVersion)
		}
	}

	transition, err := ApplyEvent(inst, env, time.Now().UTC())
	if err != nil {
		if core.HasCode(err, core.ErrSagaTerminal) {
			o.logger.Warn("event rejected, saga is terminal",
				"correlation_id", env.CorrelationID,
				"state", inst.CurrentState,
				"event_type", env.EventType)
			if o.metrics != nil {
				o.metrics.RecordDuplicateIgnored(ctx, env.EventType)
			}
			return nil
		}
		if core.HasCode(err, core.ErrDecodeFailed) {
			o.logger.Warn("discarding undecodable event payload",
				"correlation_id", env.CorrelationID, "event_type", env.EventType, "error", err)
			return nil
		}
		return err
	}

	if !transition.Applied {
		o.logger.Info("event not applicable, ignoring",
			"correlation_id", env.CorrelationID,
			"state", transition.From,
			"event_type", env.EventType,
			"reason", transition.Reason)
		if o.metrics != nil {
			o.metrics.RecordDuplicateIgnored(ctx, env.EventType)
		}
		return nil
	}

	// Версионная запись это единственная защита от конкурентной
	// доставки двух событий одной саги. Конфликт уходит в redelivery,
	// побочные эффекты еще не опубликованы.
	if err := o.saveTracked(ctx, inst, expectedVersion, env.EventType); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordTransition(ctx, string(transition.From), string(transition.To), time.Since(started))
		switch transition.To {
		case StateCompleted:
			o.metrics.RecordSagaCompleted(ctx)
		case StateFailed:
			o.metrics.RecordSagaFailed(ctx, inst.FailureReason)
		}
	}
	o.logger.Info("saga transition applied",
		"correlation_id", inst.CorrelationID,
		"from", transition.From,
		"to", transition.To,
		"event_type", env.EventType)

	for _, cmd := range transition.Commands {
		if err := o.publish(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// failCapturedPayment закрывает сагу, чья оплата подтверждена уже
// после того, как у пользователя появилась другая активная подписка.
// Платёж захвачен, активация не запрашивается: экземпляр фиксирует
// факт оплаты, уходит в Failed и попадает в выборку ручного разбора
// ListFailedCaptured.
func (o *Orchestrator) failCapturedPayment(ctx context.Context, inst *Instance, env *domain.Envelope, expectedVersion int64) error {
	var data domain.PaymentCompletedData
	if err := env.Decode(&data); err != nil {
		o.logger.Warn("discarding undecodable event payload",
			"correlation_id", env.CorrelationID, "event_type", env.EventType, "error", err)
		return nil
	}

	now := time.Now().UTC()
	completedAt := data.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	reason := "user already has an active subscription"

	inst.PaymentCompleted = true
	inst.TransactionID = data.TransactionID
	inst.CompletedAt = &completedAt
	inst.FailureReason = reason
	inst.FailedAt = &now
	inst.CurrentState = StateFailed
	inst.UpdatedAt = now

	if err := o.saveTracked(ctx, inst, expectedVersion, env.EventType); err != nil {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordSagaFailed(ctx, reason)
	}
	o.logger.Warn("captured payment closed without activation",
		"correlation_id", inst.CorrelationID,
		"transaction_id", inst.TransactionID,
		"reason", reason)

	evt, err := domain.NewEnvelope(domain.EventPaymentFailed, inst.CorrelationID, &domain.PaymentFailedData{
		Reason:   reason,
		FailedAt: now,
	})
	if err != nil {
		return err
	}
	return o.publish(ctx, evt)
}

// saveTracked сохраняет экземпляр с проверкой версии и ведет учет
// конфликтов: накопленные с прошлых доставок конфликты переносятся
// в RetryCount перед записью, конфликт текущей записи запоминается
// до следующей успешной попытки.
func (o *Orchestrator) saveTracked(ctx context.Context, inst *Instance, expectedVersion int64, eventType string) error {
	if n := o.pendingConflicts(inst.CorrelationID); n > 0 {
		inst.RetryCount += n
	}
	if err := o.store.Save(ctx, inst, expectedVersion); err != nil {
		if core.HasCode(err, core.ErrVersionConflict) {
			o.noteConflict(inst.CorrelationID)
			return core.Wrap(err, core.ErrVersionConflict,
				fmt.Sprintf("concurrent update of saga %s, redelivering %s", inst.CorrelationID, eventType))
		}
		return err
	}
	o.clearConflicts(inst.CorrelationID)
	return nil
}

func (o *Orchestrator) noteConflict(correlationID string) {
	o.conflictMu.Lock()
	defer o.conflictMu.Unlock()
	o.conflicts[correlationID]++
}

func (o *Orchestrator) pendingConflicts(correlationID string) int {
	o.conflictMu.Lock()
	defer o.conflictMu.Unlock()
	return o.conflicts[correlationID]
}

func (o *Orchestrator) clearConflicts(correlationID string) {
	o.conflictMu.Lock()
	defer o.conflictMu.Unlock()
	delete(o.conflicts, correlationID)
}

func (o *Orchestrator) publish(ctx context.Context, env *domain.Envelope) error {
	msg, err := env.ToMessage()
	if err != nil {
		return err
	}
	return o.bus.Publish(ctx, msg.Subject, msg.Data, msg.Headers)
}

package saga

import (
	"fmt"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
)

// Transition результат применения события к экземпляру саги.
// Applied=false означает, что пара (состояние, событие) не входит
// в таблицу переходов: событие подтверждается в шине, но экземпляр
// не мутируется и команды не публикуются.
type Transition struct {
	Applied  bool
	Reason   string
	From     State
	To       State
	Commands []*domain.Envelope
}

// transitionKey пара (состояние, тип события) таблицы переходов.
type transitionKey struct {
	state     State
	eventType string
}

// transitionFunc применяет поля события к экземпляру и возвращает
// исходящие команды. Вызывается только после совпадения ключа в
// таблице, так что форма события уже известна.
type transitionFunc func(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error)

// transitionSpec целевое состояние и функция применения для пары
// (состояние, событие).
type transitionSpec struct {
	to    State
	apply transitionFunc
}

// transitionTable явная таблица переходов машины состояний.
// Функция переходов тотальна: пары вне таблицы означают
// "игнорировать с логом", а не панику или ошибку консьюмера.
// PaymentFailed применим и в PaymentUrlCreating: отказ в старте и
// ранний отказ шлюза закрывают сагу до создания платежной ссылки.
var transitionTable = map[transitionKey]transitionSpec{
	{StatePaymentURLCreating, domain.EventPaymentURLCreated}:                    {StatePaymentPending, applyPaymentURLCreated},
	{StatePaymentURLCreating, domain.EventPaymentURLCreationFailed}:             {StateFailed, applyPaymentURLCreationFailed},
	{StatePaymentURLCreating, domain.EventPaymentFailed}:                        {StateFailed, applyPaymentFailed},
	{StatePaymentPending, domain.EventPaymentCompleted}:                         {StateSubscriptionActivating, applyPaymentCompleted},
	{StatePaymentPending, domain.EventPaymentFailed}:                            {StateFailed, applyPaymentFailed},
	{StateSubscriptionActivating, domain.EventUserSubscriptionActivated}:        {StateCompleted, applySubscriptionActivated},
	{StateSubscriptionActivating, domain.EventUserSubscriptionActivationFailed}: {StateFailed, applySubscriptionActivationFailed},
}

// NextState возвращает состояние, в которое пара (from, событие)
// переводит сагу, и false для пар вне таблицы. Проекция статусов
// сверяется с той же таблицей, поэтому read-model не может оказаться
// дальше авторитетного экземпляра по цепочке переходов.
func NextState(from State, eventType string) (State, bool) {
	spec, ok := transitionTable[transitionKey{from, eventType}]
	if !ok {
		return from, false
	}
	return spec.to, true
}

// ApplyEvent применяет событие к экземпляру. При Applied=true
// экземпляр мутирован и должен быть сохранён через Store.Save с
// исходной версией, команды публикуются только после успешного Save.
func ApplyEvent(inst *Instance, env *domain.Envelope, now time.Time) (*Transition, error) {
	from := inst.CurrentState

	// Терминальный экземпляр отклоняет любое событие наблюдаемо.
	// Консьюмер подтверждает сообщение, но фиксирует отказ в логе
	// и метриках вместо тихого игнорирования.
	if from.IsTerminal() {
		return nil, core.NewError(core.ErrSagaTerminal,
			fmt.Sprintf("saga %s is terminal in state %s, event %s rejected", inst.CorrelationID, from, env.EventType))
	}

	spec, ok := transitionTable[transitionKey{from, env.EventType}]
	if !ok {
		return &Transition{
			Applied: false,
			Reason:  fmt.Sprintf("event %s is not applicable in state %s", env.EventType, from),
			From:    from,
			To:      from,
		}, nil
	}

	commands, err := spec.apply(inst, env, now)
	if err != nil {
		return nil, err
	}

	inst.CurrentState = spec.to
	inst.UpdatedAt = now
	return &Transition{
		Applied:  true,
		From:     from,
		To:       spec.to,
		Commands: commands,
	}, nil
}

func applyPaymentURLCreated(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.PaymentURLCreatedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	inst.PaymentURL = data.PaymentURL
	inst.PaymentURLCreated = true
	// Исходящих команд нет, сага ждёт внешнего подтверждения оплаты.
	return nil, nil
}

func applyPaymentURLCreationFailed(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.PaymentURLCreationFailedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	failInstance(inst, data.Reason, now)
	return nil, nil
}

func applyPaymentCompleted(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.PaymentCompletedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	inst.PaymentCompleted = true
	inst.TransactionID = data.TransactionID
	completedAt := data.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	inst.CompletedAt = &completedAt

	cmd, err := domain.NewEnvelope(domain.EventActivateUserSubscription, inst.CorrelationID, &domain.ActivateUserSubscriptionData{
		UserID:         inst.UserID,
		SubscriptionID: inst.SubscriptionID,
		OrderID:        inst.OrderID,
		ActivatedAt:    completedAt,
	})
	if err != nil {
		return nil, err
	}
	return []*domain.Envelope{cmd}, nil
}

func applyPaymentFailed(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.PaymentFailedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	failedAt := data.FailedAt
	if failedAt.IsZero() {
		failedAt = now
	}
	inst.FailureReason = data.Reason
	inst.FailedAt = &failedAt
	return nil, nil
}

func applySubscriptionActivated(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.UserSubscriptionActivatedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	inst.SubscriptionActivated = true
	inst.UserSubscriptionID = data.UserSubscriptionID
	if !data.StartDate.IsZero() {
		start := data.StartDate
		inst.StartDate = &start
	}
	if !data.EndDate.IsZero() {
		end := data.EndDate
		inst.EndDate = &end
	}
	return nil, nil
}

func applySubscriptionActivationFailed(inst *Instance, env *domain.Envelope, now time.Time) ([]*domain.Envelope, error) {
	var data domain.UserSubscriptionActivationFailedData
	if err := env.Decode(&data); err != nil {
		return nil, err
	}
	// Платёж уже захвачен. Автоматического refund нет, сага помечается
	// Failed и попадает в выборку ручного разбора ListFailedCaptured.
	failInstance(inst, "subscription activation failed: "+data.Reason, now)
	return nil, nil
}

func failInstance(inst *Instance, reason string, now time.Time) {
	inst.FailureReason = reason
	inst.FailedAt = &now
}

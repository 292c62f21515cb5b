// Package domain содержит события, модели и правила биллинга подписок GoodMeal.
package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// Типы событий саги оплаты подписки. Значения попадают в envelope
// и в subject сообщения, менять их нельзя без миграции живых саг.
const (
	EventPaymentRequested                 = "payment_requested"
	EventCreatePaymentURL                 = "create_payment_url"
	EventPaymentURLCreated                = "payment_url_created"
	EventPaymentURLCreationFailed         = "payment_url_creation_failed"
	EventPaymentCompleted                 = "payment_completed"
	EventPaymentFailed                    = "payment_failed"
	EventActivateUserSubscription         = "activate_user_subscription"
	EventUserSubscriptionActivated        = "user_subscription_activated"
	EventUserSubscriptionActivationFailed = "user_subscription_activation_failed"
	EventPaymentStatusChecked             = "payment_status_checked"
)

// EventTypes перечисляет все типы событий биллинга. Консьюмеры
// подписываются на каждый subject отдельно: Kafka и Redis Streams
// отображают subject в имя топика или stream буквально и wildcard
// подписку не поддерживают.
func EventTypes() []string {
	return []string{
		EventPaymentRequested,
		EventCreatePaymentURL,
		EventPaymentURLCreated,
		EventPaymentURLCreationFailed,
		EventPaymentCompleted,
		EventPaymentFailed,
		EventActivateUserSubscription,
		EventUserSubscriptionActivated,
		EventUserSubscriptionActivationFailed,
		EventPaymentStatusChecked,
	}
}

// SubjectPrefix общий префикс subject'ов биллинга.
const SubjectPrefix = "goodmeal.subscription"

// SubjectFor возвращает subject для типа события.
func SubjectFor(eventType string) string {
	return SubjectPrefix + "." + eventType
}

// EventTypeFromSubject извлекает тип события из subject.
// Возвращает пустую строку, если subject не принадлежит биллингу.
func EventTypeFromSubject(subject string) string {
	if !strings.HasPrefix(subject, SubjectPrefix+".") {
		return ""
	}
	return strings.TrimPrefix(subject, SubjectPrefix+".")
}

// Envelope единый конверт события на шине. Поле Data хранит
// типизированную нагрузку в сыром виде, чтобы консьюмер мог
// маршрутизировать по EventType до полного разбора.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope собирает конверт с новым EventID и текущим временем.
func NewEnvelope(eventType, correlationID string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerialization, "failed to marshal event payload")
	}
	return &Envelope{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		CorrelationID: correlationID,
		OccurredAt:    time.Now().UTC(),
		Data:          data,
	}, nil
}

// ToMessage сериализует конверт в сообщение шины. Тип события и
// correlation id дублируются в заголовках для трассировки и фильтрации.
func (e *Envelope) ToMessage() (*transport.Message, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, core.Wrap(err, core.ErrSerialization, "failed to marshal envelope")
	}
	return &transport.Message{
		Subject: SubjectFor(e.EventType),
		Data:    body,
		Headers: map[string]string{
			"event_type":     e.EventType,
			"correlation_id": e.CorrelationID,
			"event_id":       e.EventID,
		},
	}, nil
}

// ParseEnvelope разбирает сообщение шины в конверт.
func ParseEnvelope(msg *transport.Message) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return nil, core.Wrap(err, core.ErrDecodeFailed, "failed to unmarshal envelope")
	}
	if env.EventType == "" || env.CorrelationID == "" {
		return nil, core.NewError(core.ErrDecodeFailed, "envelope missing event_type or correlation_id")
	}
	return &env, nil
}

// Decode разбирает нагрузку конверта в целевую структуру.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return core.Wrap(err, core.ErrDecodeFailed, "failed to unmarshal event payload "+e.EventType)
	}
	return nil
}

// PaymentRequestedData стартовое событие саги. Сумма приходит
// во внешней валюте и нормализуется оркестратором при создании саги.
type PaymentRequestedData struct {
	UserID           string  `json:"user_id"`
	SubscriptionID   string  `json:"subscription_id"`
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	OrderDescription string  `json:"order_description"`
	IPAddress        string  `json:"ip_address"`
}

// CreatePaymentURLData команда платёжному сервису на создание ссылки оплаты.
// Сумма уже нормализована в валюту расчётов.
type CreatePaymentURLData struct {
	OrderID          string `json:"order_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	OrderDescription string `json:"order_description"`
	IPAddress        string `json:"ip_address"`
}

// PaymentURLCreatedData ссылка оплаты создана.
type PaymentURLCreatedData struct {
	PaymentURL string `json:"payment_url"`
}

// PaymentURLCreationFailedData создание ссылки не удалось.
type PaymentURLCreationFailedData struct {
	Reason string `json:"reason"`
}

// PaymentCompletedData платёж прошёл на стороне шлюза.
type PaymentCompletedData struct {
	TransactionID string    `json:"transaction_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

// PaymentFailedData платёж отклонён или истёк.
type PaymentFailedData struct {
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`
}

// ActivateUserSubscriptionData команда сервису подписок на активацию.
type ActivateUserSubscriptionData struct {
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	OrderID        string    `json:"order_id"`
	ActivatedAt    time.Time `json:"activated_at"`
}

// UserSubscriptionActivatedData подписка активирована.
type UserSubscriptionActivatedData struct {
	UserSubscriptionID string    `json:"user_subscription_id"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
}

// UserSubscriptionActivationFailedData активация не удалась.
// Платёж уже захвачен, сага помечается для ручного разбора.
type UserSubscriptionActivationFailedData struct {
	Reason string `json:"reason"`
}

// PaymentStatusCheckedData результат опроса статуса платежа шлюзом.
// Информационное событие, состояние саги не меняет.
type PaymentStatusCheckedData struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

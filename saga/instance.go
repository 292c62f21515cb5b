// Package saga реализует оркестратор саги оплаты подписки:
// машину состояний, кодек внешних референсов заказа и durable
// хранилище экземпляров с оптимистичной блокировкой.
package saga

import (
	"time"
)

// State состояние экземпляра саги.
type State string

const (
	// StatePaymentURLCreating ожидание создания ссылки оплаты.
	StatePaymentURLCreating State = "PaymentUrlCreating"
	// StatePaymentPending ожидание оплаты пользователем.
	StatePaymentPending State = "PaymentPending"
	// StateSubscriptionActivating ожидание активации подписки.
	StateSubscriptionActivating State = "SubscriptionActivating"
	// StateCompleted сага завершена успешно. Терминальное.
	StateCompleted State = "Completed"
	// StateFailed сага завершена с ошибкой. Терминальное.
	StateFailed State = "Failed"
)

// IsTerminal сообщает, достигла ли сага терминального состояния.
// Терминальный экземпляр больше не мутируется, дубликаты событий
// отклоняются наблюдаемо.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsValid проверяет, что значение принадлежит множеству состояний.
func (s State) IsValid() bool {
	switch s {
	case StatePaymentURLCreating, StatePaymentPending, StateSubscriptionActivating, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Instance durable запись одного прогона саги. Единственный ключ
// соединения между сервисами это CorrelationID, OrderID выводится
// из него детерминированно кодеком и никогда не выбирается отдельно.
type Instance struct {
	CorrelationID string `json:"correlation_id"`
	CurrentState  State  `json:"current_state"`

	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	OrderID        string `json:"order_id"`

	OrderDescription string `json:"order_description"`
	IPAddress        string `json:"ip_address"`

	PaymentURL        string     `json:"payment_url,omitempty"`
	PaymentURLCreated bool       `json:"payment_url_created"`
	PaymentCompleted  bool       `json:"payment_completed"`
	TransactionID     string     `json:"transaction_id,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	SubscriptionActivated bool       `json:"subscription_activated"`
	UserSubscriptionID    string     `json:"user_subscription_id,omitempty"`
	StartDate             *time.Time `json:"start_date,omitempty"`
	EndDate               *time.Time `json:"end_date,omitempty"`

	FailureReason string     `json:"failure_reason,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`

	// RetryCount число redelivery из-за версионных конфликтов.
	// Пополняется оркестратором при успешной повторной записи.
	RetryCount int `json:"retry_count"`

	// Version монотонный счётчик для оптимистичной записи.
	// Инкрементируется хранилищем при каждом успешном Save.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone возвращает глубокую копию экземпляра. In-memory хранилище
// отдаёт копии, чтобы вызывающий не мутировал сохранённое состояние
// в обход Save.
func (i *Instance) Clone() *Instance {
	c := *i
	c.CompletedAt = cloneTime(i.CompletedAt)
	c.StartDate = cloneTime(i.StartDate)
	c.EndDate = cloneTime(i.EndDate)
	c.FailedAt = cloneTime(i.FailedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Package projection поддерживает denormalized read-model статуса
// саги для клиентских опросов. Проекция потребляет тот же поток
// событий, что и оркестратор, но не делит с ним ни хранилище, ни
// блокировки: она eventually consistent и read-only для клиентов.
package projection

import (
	"time"
)

// StatusProjection строка read-model, одна на correlation id.
type StatusProjection struct {
	CorrelationID string `bson:"_id" json:"correlation_id"`
	OrderID       string `bson:"order_id" json:"order_id"`
	CurrentState  string `bson:"current_state" json:"current_state"`

	UserID         string `bson:"user_id" json:"user_id"`
	SubscriptionID string `bson:"subscription_id" json:"subscription_id"`
	Amount         int64  `bson:"amount" json:"amount"`
	Currency       string `bson:"currency" json:"currency"`

	PaymentURL        string `bson:"payment_url,omitempty" json:"payment_url,omitempty"`
	PaymentURLCreated bool   `bson:"payment_url_created" json:"payment_url_created"`
	PaymentCompleted  bool   `bson:"payment_completed" json:"payment_completed"`
	TransactionID     string `bson:"transaction_id,omitempty" json:"transaction_id,omitempty"`

	SubscriptionActivated bool   `bson:"subscription_activated" json:"subscription_activated"`
	UserSubscriptionID    string `bson:"user_subscription_id,omitempty" json:"user_subscription_id,omitempty"`

	FailureReason string `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

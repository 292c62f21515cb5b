package domain

import (
	"context"
	"time"
)

// UserSubscription активная подписка пользователя. Создаётся
// сервисом подписок при успешном завершении саги оплаты.
type UserSubscription struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SubscriptionID string    `json:"subscription_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	IsActive       bool      `json:"is_active"`
}

// ActiveSubscriptionChecker порт проверки активной подписки.
// Используется при старте саги, чтобы не брать повторную оплату
// за уже действующую подписку. Проверка check-then-act и не
// защищает от гонки между сервисами, это осознанное ограничение.
type ActiveSubscriptionChecker interface {
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
}

// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// deliverWithRetry вызывает обработчик с повторами согласно политике.
// Между попытками выдерживается задержка политики, отмена контекста
// прерывает повторы. Возвращается последняя ошибка обработчика, если
// попытки исчерпаны, и nil при успешной доставке.
func deliverWithRetry(ctx context.Context, policy transport.RetryPolicy, handler transport.MessageHandler, msg *transport.Message) error {
	err := handler(ctx, msg)
	if err == nil || policy == nil {
		return err
	}
	for attempt := 1; policy.ShouldRetry(attempt, err); attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.GetDelay(attempt)):
		}
		if err = handler(ctx, msg); err == nil {
			return nil
		}
	}
	return err
}

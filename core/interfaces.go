// Package core предоставляет базовые интерфейсы для компонентов сервиса.
package core

import "context"

// Lifecycle интерфейс для управления жизненным циклом компонентов
type Lifecycle interface {
	// Start запускает компонент
	Start(ctx context.Context) error
	// Stop останавливает компонент
	Stop(ctx context.Context) error
	// IsRunning проверяет, запущен ли компонент
	IsRunning() bool
}

// HealthCheckable интерфейс для проверки здоровья компонентов
type HealthCheckable interface {
	// HealthCheck проверяет здоровье компонента
	HealthCheck(ctx context.Context) error
}

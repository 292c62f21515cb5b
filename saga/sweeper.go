package saga

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// SweeperConfig конфигурация sweeper'а брошенных оплат.
type SweeperConfig struct {
	// Interval период между проходами.
	Interval time.Duration
	// PendingExpiry сколько сага может простоять в PaymentPending,
	// прежде чем считается брошенной пользователем.
	PendingExpiry time.Duration
	// BatchSize максимум экземпляров за один проход.
	BatchSize int
}

// DefaultSweeperConfig возвращает конфигурацию по умолчанию.
func DefaultSweeperConfig() *SweeperConfig {
	return &SweeperConfig{
		Interval:      15 * time.Minute,
		PendingExpiry: 24 * time.Hour,
		BatchSize:     100,
	}
}

// Validate проверяет конфигурацию.
func (c *SweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return core.NewError(core.ErrInvalidConfig, "sweeper interval must be positive")
	}
	if c.PendingExpiry <= 0 {
		return core.NewError(core.ErrInvalidConfig, "sweeper pending expiry must be positive")
	}
	if c.BatchSize <= 0 {
		return core.NewError(core.ErrInvalidConfig, "sweeper batch size must be positive")
	}
	return nil
}

// Sweeper завершает саги, брошенные в PaymentPending. Не мутирует
// хранилище напрямую: публикует PaymentFailed, который оркестратор
// применяет через обычную таблицу переходов. Путь истечения оплаты
// тот же, что и путь отказа шлюза.
type Sweeper struct {
	config    *SweeperConfig
	store     Store
	publisher transport.Publisher
	logger    *slog.Logger

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSweeper создает sweeper поверх хранилища и публикатора.
func NewSweeper(config *SweeperConfig, store Store, publisher transport.Publisher) (*Sweeper, error) {
	if config == nil {
		config = DefaultSweeperConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sweeper{
		config:    config,
		store:     store,
		publisher: publisher,
		logger:    slog.Default().With("component", "saga-sweeper"),
	}, nil
}

// Start запускает фоновый цикл sweeper'а.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	go s.run()
	s.logger.Info("saga sweeper started",
		"interval", s.config.Interval,
		"pending_expiry", s.config.PendingExpiry)
	return nil
}

// Stop останавливает цикл и дожидается завершения текущего прохода.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.stopCh)
	s.running = false
	done := s.doneCh
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning сообщает, запущен ли sweeper.
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Sweeper) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Error("sweep pass failed", "error", err)
			}
		}
	}
}

// Sweep выполняет один проход. Вынесен отдельно для вызова из тестов
// и ручного запуска.
func (s *Sweeper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.PendingExpiry)
	expired, err := s.store.ListPendingOlderThan(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return err
	}
	for _, inst := range expired {
		env, err := domain.NewEnvelope(domain.EventPaymentFailed, inst.CorrelationID, &domain.PaymentFailedData{
			Reason:   "payment expired",
			FailedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		msg, err := env.ToMessage()
		if err != nil {
			return err
		}
		if err := s.publisher.Publish(ctx, msg.Subject, msg.Data, msg.Headers); err != nil {
			return err
		}
		s.logger.Info("expired pending saga",
			"correlation_id", inst.CorrelationID,
			"order_id", inst.OrderID,
			"pending_since", inst.UpdatedAt)
	}
	return nil
}

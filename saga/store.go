package saga

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// Store durable хранилище экземпляров саги, один экземпляр на
// correlation id. Оптимистичная версия в Save это единственный
// механизм взаимного исключения, распределённых блокировок нет.
type Store interface {
	// Create сохраняет новый экземпляр. Возвращает ошибку с кодом
	// ALREADY_EXISTS, если correlation id уже занят.
	Create(ctx context.Context, inst *Instance) error
	// Load загружает экземпляр. Возвращает ошибку с кодом NOT_FOUND,
	// если экземпляр отсутствует.
	Load(ctx context.Context, correlationID string) (*Instance, error)
	// Save сохраняет мутированный экземпляр, только если версия в
	// хранилище равна expectedVersion. Иначе ошибка с кодом
	// VERSION_CONFLICT, запись не перезаписывается.
	Save(ctx context.Context, inst *Instance, expectedVersion int64) error
	// ListPendingOlderThan возвращает экземпляры в PaymentPending,
	// не обновлявшиеся с cutoff. Источник для sweeper'а брошенных оплат.
	ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error)
	// ListFailedCaptured возвращает саги, упавшие после захвата
	// платежа. Выборка для ручного разбора, автоматического refund нет.
	ListFailedCaptured(ctx context.Context, limit int) ([]*Instance, error)
}

// InMemoryStore реализация Store в памяти для тестов и локальной
// разработки. Семантика версий идентична PostgresStore.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

// NewInMemoryStore создает новое in-memory хранилище.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*Instance),
	}
}

func (s *InMemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.CorrelationID]; exists {
		return core.NewError(core.ErrAlreadyExists, "saga instance already exists: "+inst.CorrelationID)
	}
	c := inst.Clone()
	c.Version = 1
	s.instances[inst.CorrelationID] = c
	inst.Version = 1
	return nil
}

func (s *InMemoryStore) Load(ctx context.Context, correlationID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, exists := s.instances[correlationID]
	if !exists {
		return nil, core.NewError(core.ErrNotFound, "saga instance not found: "+correlationID)
	}
	return inst.Clone(), nil
}

func (s *InMemoryStore) Save(ctx context.Context, inst *Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.instances[inst.CorrelationID]
	if !exists {
		return core.NewError(core.ErrNotFound, "saga instance not found: "+inst.CorrelationID)
	}
	if current.Version != expectedVersion {
		return core.NewError(core.ErrVersionConflict,
			"version conflict for saga "+inst.CorrelationID)
	}
	c := inst.Clone()
	c.Version = expectedVersion + 1
	s.instances[inst.CorrelationID] = c
	inst.Version = c.Version
	return nil
}

func (s *InMemoryStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Instance
	for _, inst := range s.instances {
		if inst.CurrentState == StatePaymentPending && inst.UpdatedAt.Before(cutoff) {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// HasActiveSubscription реализует domain.ActiveSubscriptionChecker с той
// же семантикой, что и PostgresStore.
func (s *InMemoryStore) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	for _, inst := range s.instances {
		if inst.UserID == userID && inst.SubscriptionActivated &&
			inst.EndDate != nil && inst.EndDate.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) ListFailedCaptured(ctx context.Context, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Instance
	for _, inst := range s.instances {
		if inst.CurrentState == StateFailed && inst.PaymentCompleted {
			result = append(result, inst.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

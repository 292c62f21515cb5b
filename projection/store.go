package projection

import (
	"context"
	"sort"
	"sync"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// StatusFilter критерии выборки проекций. Пустое поле означает
// отсутствие фильтра по нему.
type StatusFilter struct {
	UserID string
	State  string
	Limit  int
	Offset int
}

// StatusStore хранилище read-model. Upsert идемпотентен по
// correlation id, запись создается только проектором.
type StatusStore interface {
	// CreateIfAbsent создает строку проекции, если её еще нет.
	// Существующая строка не трогается, повторный вызов это no-op.
	CreateIfAbsent(ctx context.Context, p *StatusProjection) error
	// Load загружает проекцию. Возвращает ошибку с кодом NOT_FOUND,
	// если строка отсутствует.
	Load(ctx context.Context, correlationID string) (*StatusProjection, error)
	// LoadByOrderID загружает проекцию по внешнему референсу заказа.
	LoadByOrderID(ctx context.Context, orderID string) (*StatusProjection, error)
	// Upsert сохраняет строку целиком.
	Upsert(ctx context.Context, p *StatusProjection) error
	// List возвращает проекции по фильтру, от новых к старым.
	List(ctx context.Context, filter StatusFilter) ([]*StatusProjection, error)
}

// InMemoryStatusStore реализация StatusStore в памяти для тестов.
type InMemoryStatusStore struct {
	mu      sync.RWMutex
	byID    map[string]*StatusProjection
	byOrder map[string]string
}

// NewInMemoryStatusStore создает новое in-memory хранилище проекций.
func NewInMemoryStatusStore() *InMemoryStatusStore {
	return &InMemoryStatusStore{
		byID:    make(map[string]*StatusProjection),
		byOrder: make(map[string]string),
	}
}

func (s *InMemoryStatusStore) CreateIfAbsent(ctx context.Context, p *StatusProjection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[p.CorrelationID]; exists {
		return nil
	}
	c := *p
	s.byID[p.CorrelationID] = &c
	s.byOrder[p.OrderID] = p.CorrelationID
	return nil
}

func (s *InMemoryStatusStore) Load(ctx context.Context, correlationID string) (*StatusProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.byID[correlationID]
	if !exists {
		return nil, core.NewError(core.ErrNotFound, "status projection not found: "+correlationID)
	}
	c := *p
	return &c, nil
}

func (s *InMemoryStatusStore) LoadByOrderID(ctx context.Context, orderID string) (*StatusProjection, error) {
	s.mu.RLock()
	correlationID, exists := s.byOrder[orderID]
	s.mu.RUnlock()
	if !exists {
		return nil, core.NewError(core.ErrNotFound, "status projection not found for order: "+orderID)
	}
	return s.Load(ctx, correlationID)
}

func (s *InMemoryStatusStore) Upsert(ctx context.Context, p *StatusProjection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.byID[p.CorrelationID] = &c
	s.byOrder[p.OrderID] = p.CorrelationID
	return nil
}

func (s *InMemoryStatusStore) List(ctx context.Context, filter StatusFilter) ([]*StatusProjection, error) {
	s.mu.RLock()
	var matched []*StatusProjection
	for _, p := range s.byID {
		if filter.UserID != "" && p.UserID != filter.UserID {
			continue
		}
		if filter.State != "" && p.CurrentState != filter.State {
			continue
		}
		c := *p
		matched = append(matched, &c)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"strings"
	"sync"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	EnableOrdering bool // FIFO гарантии: синхронная доставка в порядке публикации
	RetryPolicy    transport.RetryPolicy
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		EnableOrdering: false,
	}
}

// queueGroup группа потребителей: сообщение получает ровно один обработчик группы
type queueGroup struct {
	handlers []transport.MessageHandler
	next     int
}

// InMemoryAdapter реализация MessageBus в памяти.
// Используется в тестах и как локальный транспорт внутри одного процесса.
type InMemoryAdapter struct {
	config      InMemoryConfig
	subscribers map[string][]transport.MessageHandler
	queues      map[string]map[string]*queueGroup // subject -> queue -> группа
	mu          sync.RWMutex
	running     bool
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	return &InMemoryAdapter{
		config:      config,
		subscribers: make(map[string][]transport.MessageHandler),
		queues:      make(map[string]map[string]*queueGroup),
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Publish публикует сообщение в subject
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := &transport.Message{
		Subject: subject,
		Data:    data,
		Headers: headers,
	}

	i.mu.Lock()
	var handlers []transport.MessageHandler
	for subj, h := range i.subscribers {
		if i.matchSubject(subject, subj) {
			handlers = append(handlers, h...)
		}
	}
	// Из каждой группы потребителей выбирается один обработчик (round-robin)
	for subj, groups := range i.queues {
		if !i.matchSubject(subject, subj) {
			continue
		}
		for _, group := range groups {
			if len(group.handlers) == 0 {
				continue
			}
			handlers = append(handlers, group.handlers[group.next%len(group.handlers)])
			group.next++
		}
	}
	i.mu.Unlock()

	for _, handler := range handlers {
		if i.config.EnableOrdering {
			_ = deliverWithRetry(ctx, i.config.RetryPolicy, handler, msg)
		} else {
			go func(h transport.MessageHandler) {
				_ = deliverWithRetry(ctx, i.config.RetryPolicy, h, msg)
			}(handler)
		}
	}

	return nil
}

// Subscribe подписывается на subject
func (i *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers[subject] = append(i.subscribers[subject], handler)
	return nil
}

// SubscribeQueue подписывается на subject в составе группы потребителей
func (i *InMemoryAdapter) SubscribeQueue(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	groups, ok := i.queues[subject]
	if !ok {
		groups = make(map[string]*queueGroup)
		i.queues[subject] = groups
	}
	group, ok := groups[queue]
	if !ok {
		group = &queueGroup{}
		groups[queue] = group
	}
	group.handlers = append(group.handlers, handler)
	return nil
}

// Unsubscribe отписывается от subject
func (i *InMemoryAdapter) Unsubscribe(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subscribers, subject)
	delete(i.queues, subject)
	return nil
}

// matchSubject проверяет соответствие subject шаблону подписки.
// Поддерживаются wildcards в стиле NATS: "*" для одного токена, ">" для хвоста.
func (i *InMemoryAdapter) matchSubject(subject, pattern string) bool {
	if subject == pattern {
		return true
	}

	subjectTokens := strings.Split(subject, ".")
	patternTokens := strings.Split(pattern, ".")

	for idx, pt := range patternTokens {
		if pt == ">" {
			return true
		}
		if idx >= len(subjectTokens) {
			return false
		}
		if pt != "*" && pt != subjectTokens[idx] {
			return false
		}
	}

	return len(subjectTokens) == len(patternTokens)
}

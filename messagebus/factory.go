// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"fmt"
	"sync"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// Bus объединяет MessageBus с управлением жизненным циклом адаптера
type Bus interface {
	transport.MessageBus
	core.Lifecycle
}

// MessageBusFactory интерфейс фабрики для создания MessageBus адаптеров
type MessageBusFactory interface {
	Create(busType string, config interface{}) (Bus, error)
	Register(name string, creator func(config interface{}) (Bus, error)) error
}

// DefaultMessageBusFactory реализация фабрики MessageBus
type DefaultMessageBusFactory struct {
	creators map[string]func(config interface{}) (Bus, error)
	mu       sync.RWMutex
}

// NewMessageBusFactory создает новую фабрику MessageBus
func NewMessageBusFactory() *DefaultMessageBusFactory {
	factory := &DefaultMessageBusFactory{
		creators: make(map[string]func(config interface{}) (Bus, error)),
	}

	// Регистрируем built-in адаптеры
	_ = factory.Register("nats", func(config interface{}) (Bus, error) {
		cfg, ok := config.(NATSConfig)
		if !ok {
			if url, ok := config.(string); ok {
				c := DefaultNATSConfig()
				c.URL = url
				return NewNATSAdapter(c)
			}
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
		return NewNATSAdapter(cfg)
	})

	_ = factory.Register("kafka", func(config interface{}) (Bus, error) {
		cfg, ok := config.(KafkaConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	_ = factory.Register("redis", func(config interface{}) (Bus, error) {
		cfg, ok := config.(RedisConfig)
		if !ok {
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(cfg)
	})

	_ = factory.Register("inmemory", func(config interface{}) (Bus, error) {
		cfg, ok := config.(InMemoryConfig)
		if !ok {
			cfg = DefaultInMemoryConfig()
		}
		return NewInMemoryAdapter(cfg), nil
	})

	return factory
}

// Create создает MessageBus адаптер указанного типа
func (f *DefaultMessageBusFactory) Create(busType string, config interface{}) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[busType]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", busType)
	}

	adapter, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", busType, err)
	}

	return adapter, nil
}

// Register регистрирует custom адаптер
func (f *DefaultMessageBusFactory) Register(name string, creator func(config interface{}) (Bus, error)) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s is already registered", name)
	}

	f.creators[name] = creator
	return nil
}

// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// RedisConfig конфигурация для Redis Streams адаптера
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int
	StreamMaxLen  int64 // максимальная длина stream (0 = без ограничений)
	ConsumerGroup string
	BlockTimeout  time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		DB:            0,
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		ConsumerGroup: "goodmeal-billing",
		BlockTimeout:  5 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	cancels map[string]context.CancelFunc
	mu      sync.RWMutex
	running bool
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	return &RedisAdapter{
		config:  config,
		client:  client,
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Start запускает адаптер и проверяет подключение (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	for stream, cancel := range r.cancels {
		cancel()
		delete(r.cancels, stream)
	}

	_ = r.client.Close()
	r.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// HealthCheck проверяет соединение с Redis (реализация core.HealthCheckable)
func (r *RedisAdapter) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Publish публикует сообщение в stream (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	values := map[string]interface{}{
		"data": string(data),
	}
	if headers != nil {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to marshal headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := redis.XAddArgs{
		Stream: r.streamName(subject),
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	if err := r.client.XAdd(ctx, &args).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на stream с индивидуальной consumer group
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	group := fmt.Sprintf("%s-%d", r.config.ConsumerGroup, time.Now().UnixNano())
	return r.SubscribeQueue(ctx, subject, group, handler)
}

// SubscribeQueue подписывается на stream в составе consumer group (XREADGROUP)
func (r *RedisAdapter) SubscribeQueue(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	stream := r.streamName(subject)
	consumerName := fmt.Sprintf("consumer-%d", time.Now().UnixNano())

	err := r.client.XGroupCreateMkStream(ctx, stream, queue, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	readCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancels[stream] = cancel
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-readCtx.Done():
				return
			default:
			}

			streams, err := r.client.XReadGroup(readCtx, &redis.XReadGroupArgs{
				Group:    queue,
				Consumer: consumerName,
				Streams:  []string{stream, ">"},
				Count:    10,
				Block:    r.config.BlockTimeout,
			}).Result()

			if err != nil {
				if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
					continue
				}
				time.Sleep(1 * time.Second)
				continue
			}

			for _, s := range streams {
				for _, msg := range s.Messages {
					data, _ := msg.Values["data"].(string)
					mbMsg := &transport.Message{
						Subject: subject,
						Data:    []byte(data),
						Headers: make(map[string]string),
					}
					if headersStr, ok := msg.Values["headers"].(string); ok {
						_ = json.Unmarshal([]byte(headersStr), &mbMsg.Headers)
					}

					// XACK только после успешной обработки: при ошибке
					// сообщение останется в pending list и будет доставлено повторно
					if err := handler(readCtx, mbMsg); err == nil {
						_ = r.client.XAck(readCtx, s.Stream, queue, msg.ID).Err()
					}
				}
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от stream
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := r.streamName(subject)
	if cancel, ok := r.cancels[stream]; ok {
		cancel()
		delete(r.cancels, stream)
	}
	return nil
}

// streamName возвращает имя stream для subject
func (r *RedisAdapter) streamName(subject string) string {
	return "stream:" + subject
}

// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers       []string
	GroupID       string
	Compression   string // none, gzip, snappy, lz4, zstd
	BatchSize     int
	FlushInterval time.Duration
	MinBytes      int
	MaxBytes      int
	MaxWait       time.Duration
	StartOffset   int64 // kafka.FirstOffset либо kafka.LastOffset
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	return nil
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "goodmeal-billing",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		MinBytes:      10e3,
		MaxBytes:      10e6,
		MaxWait:       1 * time.Second,
		StartOffset:   kafka.LastOffset,
	}
}

// KafkaAdapter реализация MessageBus через Kafka
type KafkaAdapter struct {
	config  KafkaConfig
	writer  *kafka.Writer
	subs    map[string]*kafka.Reader
	cancels map[string]context.CancelFunc
	mu      sync.RWMutex
	running bool
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	adapter := &KafkaAdapter{
		config:  config,
		subs:    make(map[string]*kafka.Reader),
		cancels: make(map[string]context.CancelFunc),
	}

	adapter.writer = &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    config.BatchSize,
		BatchTimeout: config.FlushInterval,
		Compression:  getCompression(config.Compression),
	}

	return adapter, nil
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}

	for topic, cancel := range k.cancels {
		cancel()
		delete(k.cancels, topic)
	}
	for topic, reader := range k.subs {
		_ = reader.Close()
		delete(k.subs, topic)
	}
	if k.writer != nil {
		_ = k.writer.Close()
	}

	k.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Publish публикует сообщение в топик
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic: topicName(subject),
		Value: data,
	}

	if headers != nil {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for key, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(v)})
		}
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на топик
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	// Kafka всегда читает в составе consumer group; для индивидуальной
	// подписки генерируется одноразовый group ID
	group := fmt.Sprintf("%s-%d", k.config.GroupID, time.Now().UnixNano())
	return k.SubscribeQueue(ctx, subject, group, handler)
}

// SubscribeQueue подписывается на топик в составе группы потребителей
func (k *KafkaAdapter) SubscribeQueue(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       topicName(subject),
		GroupID:     queue,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: k.config.StartOffset,
	})

	readCtx, cancel := context.WithCancel(ctx)

	k.mu.Lock()
	k.subs[subject] = reader
	k.cancels[subject] = cancel
	k.mu.Unlock()

	go func() {
		defer func() { _ = reader.Close() }()
		for {
			msg, err := reader.FetchMessage(readCtx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				continue
			}

			mbMsg := &transport.Message{
				Subject: subject,
				Data:    msg.Value,
				Headers: make(map[string]string),
			}
			for _, h := range msg.Headers {
				mbMsg.Headers[h.Key] = string(h.Value)
			}

			// Offset коммитится только после успешной обработки:
			// при ошибке сообщение будет доставлено повторно
			if err := handler(readCtx, mbMsg); err == nil {
				_ = reader.CommitMessages(readCtx, msg)
			}
		}
	}()

	return nil
}

// Unsubscribe отписывается от топика
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if cancel, ok := k.cancels[subject]; ok {
		cancel()
		delete(k.cancels, subject)
	}
	if reader, ok := k.subs[subject]; ok {
		_ = reader.Close()
		delete(k.subs, subject)
	}
	return nil
}

// topicName преобразует subject в имя Kafka топика:
// точки в subject заменяются на дефисы
func topicName(subject string) string {
	return strings.ReplaceAll(subject, ".", "-")
}

// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// NATSConfig конфигурация для NATS адаптера
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	ConnectionTimeout time.Duration
	DrainTimeout      time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string

	// RetryPolicy повторы обработчика внутри процесса. Core NATS не
	// редоставляет сообщения после ошибки обработчика, поэтому повторы
	// выполняются адаптером на стороне потребителя.
	RetryPolicy transport.RetryPolicy
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		DrainTimeout:      30 * time.Second,
		RetryPolicy:       transport.DefaultRetryPolicy(),
	}
}

// NATSAdapter реализация MessageBus через NATS
type NATSAdapter struct {
	config  NATSConfig
	conn    *nats.Conn
	subs    map[string]*nats.Subscription
	mu      sync.RWMutex
	running bool
}

// NewNATSAdapter создает новый NATS адаптер
func NewNATSAdapter(config NATSConfig) (*NATSAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	return &NATSAdapter{
		config: config,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
	}

	if n.config.TLS != nil {
		opts = append(opts, nats.Secure(n.config.TLS))
	}
	if n.config.Token != "" {
		opts = append(opts, nats.Token(n.config.Token))
	}
	if n.config.Username != "" && n.config.Password != "" {
		opts = append(opts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.conn = conn
	n.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	for subject, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, subject)
	}

	if n.conn != nil && n.conn.IsConnected() {
		_ = n.conn.Drain()
		n.conn.Close()
	}

	n.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// HealthCheck проверяет соединение с NATS (реализация core.HealthCheckable)
func (n *NATSAdapter) HealthCheck(ctx context.Context) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.conn == nil || !n.conn.IsConnected() {
		return fmt.Errorf("nats connection is not established")
	}
	return nil
}

// Publish публикует сообщение в subject
func (n *NATSAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("nats adapter is not connected")
	}

	msg := nats.NewMsg(subject)
	msg.Data = data

	if headers != nil {
		msg.Header = make(nats.Header)
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на subject
func (n *NATSAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	return n.subscribe(ctx, subject, "", handler)
}

// SubscribeQueue подписывается на subject в составе группы потребителей
func (n *NATSAdapter) SubscribeQueue(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	return n.subscribe(ctx, subject, queue, handler)
}

func (n *NATSAdapter) subscribe(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	n.mu.RLock()
	conn := n.conn
	n.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("nats adapter is not connected")
	}

	cb := func(msg *nats.Msg) {
		mbMsg := &transport.Message{
			Subject: msg.Subject,
			Data:    msg.Data,
			Headers: make(map[string]string),
		}
		for k, vals := range msg.Header {
			if len(vals) > 0 {
				mbMsg.Headers[k] = vals[0]
			}
		}
		if err := deliverWithRetry(ctx, n.config.RetryPolicy, handler, mbMsg); err != nil {
			// Повторы исчерпаны, а core NATS сообщение не редоставит.
			slog.Default().Error("message handler failed after retries",
				"subject", msg.Subject, "error", err)
		}
	}

	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, cb)
	} else {
		sub, err = conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	n.mu.Lock()
	n.subs[subject] = sub
	n.mu.Unlock()

	return nil
}

// Unsubscribe отписывается от subject
func (n *NATSAdapter) Unsubscribe(subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, exists := n.subs[subject]
	if !exists {
		return nil
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	delete(n.subs, subject)
	return nil
}

// Package gateway содержит клиенты внешних коллабораторов: опрос
// статуса транзакций платёжного шлюза, poller, дублирующий ненадежные
// IPN callback'и, и проверку активной подписки в сервисе подписок.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
)

// Статусы транзакции на стороне шлюза.
const (
	TxnStatusSuccess = "success"
	TxnStatusFailed  = "failed"
	TxnStatusPending = "pending"
)

// TransactionStatus результат запроса статуса у шлюза.
type TransactionStatus struct {
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
}

// StatusClient порт запроса статуса транзакции у платёжного шлюза.
type StatusClient interface {
	QueryTransaction(ctx context.Context, orderID string) (*TransactionStatus, error)
}

// ClientConfig конфигурация HTTP клиента шлюза.
type ClientConfig struct {
	// BaseURL адрес query endpoint'а шлюза.
	BaseURL string
	// Timeout таймаут одного HTTP запроса.
	Timeout time.Duration
	// BreakerTimeout сколько circuit breaker держит open состояние.
	BreakerTimeout time.Duration
	// BreakerFailures сколько подряд ошибок открывают breaker.
	BreakerFailures uint32
}

// DefaultClientConfig возвращает конфигурацию по умолчанию.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Timeout:         10 * time.Second,
		BreakerTimeout:  30 * time.Second,
		BreakerFailures: 5,
	}
}

// Validate проверяет конфигурацию.
func (c *ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return core.NewError(core.ErrInvalidConfig, "gateway base url is required")
	}
	if c.Timeout <= 0 {
		return core.NewError(core.ErrInvalidConfig, "gateway timeout must be positive")
	}
	return nil
}

// HTTPStatusClient клиент статуса транзакций поверх HTTP с circuit
// breaker'ом. Открытый breaker быстро отклоняет запросы, пока шлюз
// недоступен, вместо накопления висящих соединений в poller'е.
type HTTPStatusClient struct {
	config  *ClientConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPStatusClient создает клиент статуса транзакций.
func NewHTTPStatusClient(config *ClientConfig) (*HTTPStatusClient, error) {
	if config == nil {
		config = DefaultClientConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
	})
	return &HTTPStatusClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: breaker,
	}, nil
}

// QueryTransaction запрашивает статус транзакции по референсу заказа.
func (c *HTTPStatusClient) QueryTransaction(ctx context.Context, orderID string) (*TransactionStatus, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.query(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*TransactionStatus), nil
}

func (c *HTTPStatusClient) query(ctx context.Context, orderID string) (*TransactionStatus, error) {
	u := c.config.BaseURL + "?order_id=" + url.QueryEscape(orderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var status TransactionStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, core.Wrap(err, core.ErrDecodeFailed, "failed to decode gateway response")
	}
	if status.OrderID == "" {
		status.OrderID = orderID
	}
	return &status, nil
}

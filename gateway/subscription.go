package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
)

// SubscriptionClientConfig конфигурация клиента сервиса подписок.
type SubscriptionClientConfig struct {
	// BaseURL адрес endpoint'а проверки активной подписки.
	BaseURL string
	// Timeout таймаут одного HTTP запроса.
	Timeout time.Duration
}

// DefaultSubscriptionClientConfig возвращает конфигурацию по умолчанию.
func DefaultSubscriptionClientConfig() *SubscriptionClientConfig {
	return &SubscriptionClientConfig{
		Timeout: 5 * time.Second,
	}
}

// Validate проверяет конфигурацию.
func (c *SubscriptionClientConfig) Validate() error {
	if c.BaseURL == "" {
		return core.NewError(core.ErrInvalidConfig, "subscription service base url is required")
	}
	if c.Timeout <= 0 {
		return core.NewError(core.ErrInvalidConfig, "subscription client timeout must be positive")
	}
	return nil
}

// HTTPSubscriptionChecker проверяет активную подписку через сервис
// подписок. Реализует domain.ActiveSubscriptionChecker для guard'а
// при старте саги.
type HTTPSubscriptionChecker struct {
	config *SubscriptionClientConfig
	client *http.Client
}

var _ domain.ActiveSubscriptionChecker = (*HTTPSubscriptionChecker)(nil)

// NewHTTPSubscriptionChecker создает клиент сервиса подписок.
func NewHTTPSubscriptionChecker(config *SubscriptionClientConfig) (*HTTPSubscriptionChecker, error) {
	if config == nil {
		config = DefaultSubscriptionClientConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &HTTPSubscriptionChecker{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

// HasActiveSubscription запрашивает у сервиса подписок, действует ли
// подписка пользователя.
func (c *HTTPSubscriptionChecker) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	u := c.config.BaseURL + "?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("subscription service returned status %d", resp.StatusCode)
	}

	var result struct {
		HasActive bool `json:"has_active"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return false, core.Wrap(err, core.ErrDecodeFailed, "failed to decode subscription service response")
	}
	return result.HasActive, nil
}

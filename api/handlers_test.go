package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/projection"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/saga"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []*transport.Message
}

func (p *capturingPublisher) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, &transport.Message{Subject: subject, Data: data, Headers: headers})
	return nil
}

func (p *capturingPublisher) ofType(eventType string) []*transport.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []*transport.Message
	for _, msg := range p.published {
		if msg.Headers["event_type"] == eventType {
			result = append(result, msg)
		}
	}
	return result
}

func newTestRouter(t *testing.T) (*gin.Engine, *capturingPublisher, *projection.InMemoryStatusStore, *saga.InMemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	publisher := &capturingPublisher{}
	statuses := projection.NewInMemoryStatusStore()
	sagas := saga.NewInMemoryStore()
	router := gin.New()
	NewHandlers(publisher, statuses, sagas).Register(router)
	return router, publisher, statuses, sagas
}

func doJSON(router *gin.Engine, method, path string, payload interface{}) *httptest.ResponseRecorder {
	var body *bytes.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestStartPaymentAccepted(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)

	rec := doJSON(router, http.MethodPost, "/api/v1/subscription-payments", map[string]interface{}{
		"user_id":         "user-1",
		"subscription_id": "sub-premium",
		"amount":          299000,
		"currency":        "VND",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		CorrelationID string `json:"correlation_id"`
		OrderID       string `json:"order_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	correlationID, err := uuid.Parse(resp.CorrelationID)
	require.NoError(t, err, "correlation_id must be a uuid")
	assert.Equal(t, saga.EncodeOrderRef(correlationID), resp.OrderID)

	started := publisher.ofType(domain.EventPaymentRequested)
	require.Len(t, started, 1)
	env, err := domain.ParseEnvelope(started[0])
	require.NoError(t, err)
	assert.Equal(t, resp.CorrelationID, env.CorrelationID)

	var data domain.PaymentRequestedData
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, "user-1", data.UserID)
	assert.Equal(t, float64(299000), data.Amount)
	assert.Equal(t, "VND", data.Currency)
}

func TestStartPaymentValidation(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)

	bad := []map[string]interface{}{
		{"subscription_id": "sub-premium", "amount": 100, "currency": "VND"},
		{"user_id": "user-1", "amount": 100, "currency": "VND"},
		{"user_id": "user-1", "subscription_id": "sub-premium", "currency": "VND"},
		{"user_id": "user-1", "subscription_id": "sub-premium", "amount": -5, "currency": "VND"},
		{"user_id": "user-1", "subscription_id": "sub-premium", "amount": 100, "currency": "VNDX"},
		{"user_id": "user-1", "subscription_id": "sub-premium", "amount": 100, "currency": "EUR"},
	}
	for _, payload := range bad {
		rec := doJSON(router, http.MethodPost, "/api/v1/subscription-payments", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "payload %v", payload)
	}
	assert.Empty(t, publisher.published, "no events must be published for rejected requests")
}

func TestIPNForeignOrderReference(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)

	for _, orderRef := range []string{
		"ORD_550e8400e29b41d4a716446655440000",
		"550e8400e29b41d4a716446655440000",
		"SUB_zzzz8400e29b41d4a716446655440000",
		"",
	} {
		rec := doJSON(router, http.MethodGet, "/api/v1/payments/ipn?order_id="+orderRef+"&status=success&transaction_id=TXN1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			RspCode string `json:"RspCode"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "01", resp.RspCode, "order %q is not ours", orderRef)
	}
	assert.Empty(t, publisher.published, "foreign order references must not produce events")
}

func TestIPNSuccessConfirmed(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)
	correlationID := uuid.New()
	orderRef := saga.EncodeOrderRef(correlationID)

	rec := doJSON(router, http.MethodGet, "/api/v1/payments/ipn?order_id="+orderRef+"&status=success&transaction_id=TXN1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RspCode string `json:"RspCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "00", resp.RspCode)

	completed := publisher.ofType(domain.EventPaymentCompleted)
	require.Len(t, completed, 1)
	env, err := domain.ParseEnvelope(completed[0])
	require.NoError(t, err)
	assert.Equal(t, correlationID.String(), env.CorrelationID)

	var data domain.PaymentCompletedData
	require.NoError(t, env.Decode(&data))
	assert.Equal(t, "TXN1", data.TransactionID)
}

func TestIPNFailurePublishesPaymentFailed(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)
	orderRef := saga.EncodeOrderRef(uuid.New())

	rec := doJSON(router, http.MethodGet, "/api/v1/payments/ipn?order_id="+orderRef+"&status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, publisher.ofType(domain.EventPaymentFailed), 1)
	assert.Empty(t, publisher.ofType(domain.EventPaymentCompleted))
}

func TestIPNUnknownStatus(t *testing.T) {
	router, publisher, _, _ := newTestRouter(t)
	orderRef := saga.EncodeOrderRef(uuid.New())

	rec := doJSON(router, http.MethodGet, "/api/v1/payments/ipn?order_id="+orderRef+"&status=refunded", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RspCode string `json:"RspCode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "99", resp.RspCode)
	assert.Empty(t, publisher.published)
}

func TestGetStatus(t *testing.T) {
	router, _, statuses, _ := newTestRouter(t)
	correlationID := uuid.New()

	rec := doJSON(router, http.MethodGet, "/api/v1/subscription-payments/"+correlationID.String()+"/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(router, http.MethodGet, "/api/v1/subscription-payments/not-a-uuid/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	now := time.Now().UTC()
	require.NoError(t, statuses.CreateIfAbsent(context.Background(), &projection.StatusProjection{
		CorrelationID:     correlationID.String(),
		OrderID:           saga.EncodeOrderRef(correlationID),
		CurrentState:      string(saga.StatePaymentPending),
		UserID:            "user-1",
		SubscriptionID:    "sub-premium",
		Amount:            299000,
		Currency:          "VND",
		PaymentURL:        "https://pay/abc",
		PaymentURLCreated: true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	rec = doJSON(router, http.MethodGet, "/api/v1/subscription-payments/"+correlationID.String()+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		OrderID               string `json:"order_id"`
		CurrentState          string `json:"current_state"`
		PaymentURL            string `json:"payment_url"`
		PaymentURLCreated     bool   `json:"payment_url_created"`
		PaymentCompleted      bool   `json:"payment_completed"`
		SubscriptionActivated bool   `json:"subscription_activated"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(saga.StatePaymentPending), resp.CurrentState)
	assert.Equal(t, saga.EncodeOrderRef(correlationID), resp.OrderID)
	assert.True(t, resp.PaymentURLCreated)
	assert.Equal(t, "https://pay/abc", resp.PaymentURL)
	assert.False(t, resp.PaymentCompleted)
	assert.False(t, resp.SubscriptionActivated)
}

func TestListFailedCaptured(t *testing.T) {
	router, _, _, sagas := newTestRouter(t)
	ctx := context.Background()

	failedAt := time.Now().UTC()
	captured := &saga.Instance{
		CorrelationID:    uuid.New().String(),
		CurrentState:     saga.StateFailed,
		UserID:           "user-1",
		SubscriptionID:   "sub-premium",
		Amount:           299000,
		Currency:         "VND",
		OrderID:          saga.EncodeOrderRef(uuid.New()),
		PaymentCompleted: true,
		TransactionID:    "TXN1",
		FailureReason:    "subscription activation failed",
		FailedAt:         &failedAt,
	}
	plain := &saga.Instance{
		CorrelationID:  uuid.New().String(),
		CurrentState:   saga.StateFailed,
		UserID:         "user-2",
		SubscriptionID: "sub-premium",
		Amount:         299000,
		Currency:       "VND",
		OrderID:        saga.EncodeOrderRef(uuid.New()),
		FailureReason:  "payment expired",
	}
	for _, inst := range []*saga.Instance{captured, plain} {
		require.NoError(t, sagas.Create(ctx, inst))
	}

	rec := doJSON(router, http.MethodGet, "/api/v1/subscription-payments/failed-captured", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Count int `json:"count"`
		Items []struct {
			CorrelationID string `json:"correlation_id"`
			TransactionID string `json:"transaction_id"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count, "only the captured failure is listed")
	assert.Equal(t, captured.CorrelationID, resp.Items[0].CorrelationID)
	assert.Equal(t, "TXN1", resp.Items[0].TransactionID)

	rec = doJSON(router, http.MethodGet, "/api/v1/subscription-payments/failed-captured?limit=9999", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

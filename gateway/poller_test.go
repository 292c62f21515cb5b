package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
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

// fakeStatusClient отвечает фиксированным статусом по order_id.
type fakeStatusClient struct {
	statuses map[string]*TransactionStatus
	err      error
}

func (c *fakeStatusClient) QueryTransaction(ctx context.Context, orderID string) (*TransactionStatus, error) {
	if c.err != nil {
		return nil, c.err
	}
	status, ok := c.statuses[orderID]
	if !ok {
		return &TransactionStatus{OrderID: orderID, Status: TxnStatusPending}, nil
	}
	return status, nil
}

func pendingInstance(t *testing.T, store saga.Store, age time.Duration) *saga.Instance {
	t.Helper()
	id := uuid.New()
	inst := &saga.Instance{
		CorrelationID:  id.String(),
		CurrentState:   saga.StatePaymentPending,
		UserID:         "user-1",
		SubscriptionID: "sub-premium",
		Amount:         299000,
		Currency:       "VND",
		OrderID:        saga.EncodeOrderRef(id),
		UpdatedAt:      time.Now().UTC().Add(-age),
	}
	if err := store.Create(context.Background(), inst); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return inst
}

func TestPollerPublishesCompletionForSuccessfulPayment(t *testing.T) {
	store := saga.NewInMemoryStore()
	inst := pendingInstance(t, store, time.Hour)
	publisher := &capturingPublisher{}
	client := &fakeStatusClient{statuses: map[string]*TransactionStatus{
		inst.OrderID: {OrderID: inst.OrderID, Status: TxnStatusSuccess, TransactionID: "TXN1"},
	}}

	poller, err := NewPoller(DefaultPollerConfig(), store, client, publisher, nil)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	checked := publisher.ofType(domain.EventPaymentStatusChecked)
	if len(checked) != 1 {
		t.Fatalf("payment_status_checked published %d times, want 1", len(checked))
	}
	completed := publisher.ofType(domain.EventPaymentCompleted)
	if len(completed) != 1 {
		t.Fatalf("payment_completed published %d times, want 1", len(completed))
	}
	env, err := domain.ParseEnvelope(completed[0])
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.CorrelationID != inst.CorrelationID {
		t.Errorf("correlation_id = %s, want %s", env.CorrelationID, inst.CorrelationID)
	}
	var data domain.PaymentCompletedData
	if err := env.Decode(&data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if data.TransactionID != "TXN1" {
		t.Errorf("transaction_id = %s, want TXN1", data.TransactionID)
	}
}

func TestPollerPublishesFailureForRejectedPayment(t *testing.T) {
	store := saga.NewInMemoryStore()
	inst := pendingInstance(t, store, time.Hour)
	publisher := &capturingPublisher{}
	client := &fakeStatusClient{statuses: map[string]*TransactionStatus{
		inst.OrderID: {OrderID: inst.OrderID, Status: TxnStatusFailed},
	}}

	poller, err := NewPoller(DefaultPollerConfig(), store, client, publisher, nil)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if got := len(publisher.ofType(domain.EventPaymentFailed)); got != 1 {
		t.Fatalf("payment_failed published %d times, want 1", got)
	}
	if got := len(publisher.ofType(domain.EventPaymentCompleted)); got != 0 {
		t.Errorf("payment_completed published %d times for a rejected payment", got)
	}
}

func TestPollerSkipsStillPendingTransactions(t *testing.T) {
	store := saga.NewInMemoryStore()
	pendingInstance(t, store, time.Hour)
	publisher := &capturingPublisher{}
	client := &fakeStatusClient{}

	poller, err := NewPoller(DefaultPollerConfig(), store, client, publisher, nil)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}

	if got := len(publisher.ofType(domain.EventPaymentStatusChecked)); got != 1 {
		t.Fatalf("payment_status_checked published %d times, want 1", got)
	}
	if got := len(publisher.published) - 1; got != 0 {
		t.Errorf("%d extra events published for a still pending transaction", got)
	}
}

func TestPollerRespectsMinPendingAge(t *testing.T) {
	store := saga.NewInMemoryStore()
	pendingInstance(t, store, time.Minute)
	publisher := &capturingPublisher{}
	client := &fakeStatusClient{}

	poller, err := NewPoller(DefaultPollerConfig(), store, client, publisher, nil)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if len(publisher.published) != 0 {
		t.Errorf("poller queried a saga younger than MinPendingAge, %d events published", len(publisher.published))
	}
}

func TestPollerContinuesAfterClientError(t *testing.T) {
	store := saga.NewInMemoryStore()
	pendingInstance(t, store, time.Hour)
	publisher := &capturingPublisher{}
	client := &fakeStatusClient{err: context.DeadlineExceeded}

	poller, err := NewPoller(DefaultPollerConfig(), store, client, publisher, nil)
	if err != nil {
		t.Fatalf("NewPoller failed: %v", err)
	}
	// Ошибка клиента логируется, проход завершается без ошибки.
	if err := poller.Poll(context.Background()); err != nil {
		t.Fatalf("Poll must swallow per-instance errors, got: %v", err)
	}
	if len(publisher.published) != 0 {
		t.Errorf("no events must be published when the gateway query fails")
	}
}

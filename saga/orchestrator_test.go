package saga

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

// mockBus захватывает публикации и подписки для прямой доставки
// сообщений в обработчик оркестратора. Подписки хранятся по точному
// subject, как в Kafka и Redis адаптерах: сообщение доходит только
// до подписки с буквально совпадающим subject.
type mockBus struct {
	mu        sync.Mutex
	published []*transport.Message
	handlers  map[string]transport.MessageHandler
}

func (b *mockBus) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, &transport.Message{Subject: subject, Data: data, Headers: headers})
	return nil
}

func (b *mockBus) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	return b.SubscribeQueue(ctx, subject, "", handler)
}

func (b *mockBus) SubscribeQueue(ctx context.Context, subject, queue string, handler transport.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]transport.MessageHandler)
	}
	b.handlers[subject] = handler
	return nil
}

func (b *mockBus) Unsubscribe(subject string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, subject)
	return nil
}

func (b *mockBus) handlerFor(subject string) transport.MessageHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handlers[subject]
}

func (b *mockBus) publishedOfType(eventType string) []*transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var result []*transport.Message
	for _, msg := range b.published {
		if msg.Headers["event_type"] == eventType {
			result = append(result, msg)
		}
	}
	return result
}

// staticChecker фиксированный ответ проверки активной подписки.
type staticChecker struct {
	hasActive bool
}

func (c *staticChecker) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	return c.hasActive, nil
}

func newTestOrchestrator(t *testing.T, checker domain.ActiveSubscriptionChecker) (*Orchestrator, *mockBus, *InMemoryStore) {
	t.Helper()
	bus := &mockBus{}
	store := NewInMemoryStore()
	orch, err := NewOrchestrator(DefaultOrchestratorConfig(), bus, store, checker, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return orch, bus, store
}

func deliver(t *testing.T, bus *mockBus, eventType, correlationID string, payload interface{}) error {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, correlationID, payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	msg, err := env.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage failed: %v", err)
	}
	handler := bus.handlerFor(msg.Subject)
	if handler == nil {
		t.Fatalf("no subscription for subject %s", msg.Subject)
	}
	return handler(context.Background(), msg)
}

func TestOrchestratorSubscribesToConcreteSubjects(t *testing.T) {
	orch, bus, _ := newTestOrchestrator(t, nil)

	if got, want := len(bus.handlers), len(domain.EventTypes()); got != want {
		t.Fatalf("subscribed to %d subjects, want %d", got, want)
	}
	for _, eventType := range domain.EventTypes() {
		subject := domain.SubjectFor(eventType)
		if strings.ContainsAny(subject, "*>") {
			t.Errorf("subject %s contains a wildcard token", subject)
		}
		if bus.handlerFor(subject) == nil {
			t.Errorf("no subscription exactly matching publish subject %s", subject)
		}
	}

	if err := orch.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if len(bus.handlers) != 0 {
		t.Errorf("%d subscriptions left after Stop", len(bus.handlers))
	}
}

func TestOrchestratorIdempotentStart(t *testing.T) {
	_, bus, store := newTestOrchestrator(t, nil)
	correlationID := uuid.New().String()
	payload := &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 299000, Currency: "VND",
	}

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, payload); err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, payload); err != nil {
		t.Fatalf("duplicate start failed: %v", err)
	}

	inst, err := store.Load(context.Background(), correlationID)
	if err != nil {
		t.Fatalf("instance not created: %v", err)
	}
	if inst.CurrentState != StatePaymentURLCreating {
		t.Errorf("state = %s, want PaymentUrlCreating", inst.CurrentState)
	}

	cmds := bus.publishedOfType(domain.EventCreatePaymentURL)
	if len(cmds) != 1 {
		t.Errorf("create_payment_url published %d times, want exactly 1", len(cmds))
	}
}

func TestOrchestratorFullScenario(t *testing.T) {
	_, bus, store := newTestOrchestrator(t, nil)
	ctx := context.Background()
	c1 := uuid.New()
	correlationID := c1.String()

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 299000, Currency: "VND",
	}); err != nil {
		t.Fatalf("payment requested failed: %v", err)
	}
	inst, _ := store.Load(ctx, correlationID)
	if inst.CurrentState != StatePaymentURLCreating {
		t.Fatalf("state = %s, want PaymentUrlCreating", inst.CurrentState)
	}
	if inst.OrderID != EncodeOrderRef(c1) {
		t.Fatalf("orderId = %s, want %s", inst.OrderID, EncodeOrderRef(c1))
	}
	if inst.Amount != 299000 {
		t.Fatalf("amount = %d, want 299000", inst.Amount)
	}

	if err := deliver(t, bus, domain.EventPaymentURLCreated, correlationID, &domain.PaymentURLCreatedData{
		PaymentURL: "https://pay/abc",
	}); err != nil {
		t.Fatalf("payment url created failed: %v", err)
	}
	inst, _ = store.Load(ctx, correlationID)
	if inst.CurrentState != StatePaymentPending {
		t.Fatalf("state = %s, want PaymentPending", inst.CurrentState)
	}

	if err := deliver(t, bus, domain.EventPaymentCompleted, correlationID, &domain.PaymentCompletedData{
		TransactionID: "TXN1", CompletedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("payment completed failed: %v", err)
	}
	inst, _ = store.Load(ctx, correlationID)
	if inst.CurrentState != StateSubscriptionActivating {
		t.Fatalf("state = %s, want SubscriptionActivating", inst.CurrentState)
	}
	if got := len(bus.publishedOfType(domain.EventActivateUserSubscription)); got != 1 {
		t.Fatalf("activate command published %d times, want 1", got)
	}

	// Дубликат webhook'а: состояние не меняется, команда не повторяется.
	if err := deliver(t, bus, domain.EventPaymentCompleted, correlationID, &domain.PaymentCompletedData{
		TransactionID: "TXN1",
	}); err != nil {
		t.Fatalf("duplicate payment completed must be acked, got: %v", err)
	}
	inst, _ = store.Load(ctx, correlationID)
	if inst.CurrentState != StateSubscriptionActivating {
		t.Fatalf("duplicate changed state to %s", inst.CurrentState)
	}
	if got := len(bus.publishedOfType(domain.EventActivateUserSubscription)); got != 1 {
		t.Fatalf("activate command published %d times after duplicate, want 1", got)
	}

	if err := deliver(t, bus, domain.EventUserSubscriptionActivated, correlationID, &domain.UserSubscriptionActivatedData{
		UserSubscriptionID: "U1",
	}); err != nil {
		t.Fatalf("activation event failed: %v", err)
	}
	inst, _ = store.Load(ctx, correlationID)
	if inst.CurrentState != StateCompleted {
		t.Fatalf("state = %s, want Completed", inst.CurrentState)
	}
	if inst.UserSubscriptionID != "U1" {
		t.Errorf("userSubscriptionId = %s, want U1", inst.UserSubscriptionID)
	}

	// Терминальная сага отклоняет дальнейшие события без мутаций.
	if err := deliver(t, bus, domain.EventPaymentFailed, correlationID, &domain.PaymentFailedData{
		Reason: "late failure",
	}); err != nil {
		t.Fatalf("event after terminal must be acked, got: %v", err)
	}
	inst, _ = store.Load(ctx, correlationID)
	if inst.CurrentState != StateCompleted || inst.FailureReason != "" {
		t.Error("terminal instance was mutated")
	}
}

func TestOrchestratorNormalizesUSD(t *testing.T) {
	_, bus, store := newTestOrchestrator(t, nil)
	correlationID := uuid.New().String()

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 12.5, Currency: "USD",
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	inst, err := store.Load(context.Background(), correlationID)
	if err != nil {
		t.Fatalf("instance not created: %v", err)
	}
	if inst.Amount != 312500 {
		t.Errorf("amount = %d, want 312500", inst.Amount)
	}
	if inst.Currency != "VND" {
		t.Errorf("currency = %s, want VND", inst.Currency)
	}

	var cmd domain.CreatePaymentURLData
	msgs := bus.publishedOfType(domain.EventCreatePaymentURL)
	if len(msgs) != 1 {
		t.Fatalf("create command published %d times", len(msgs))
	}
	env, err := domain.ParseEnvelope(msgs[0])
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if err := env.Decode(&cmd); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if cmd.Amount != 312500 || cmd.Currency != "VND" {
		t.Errorf("command carries %d %s, want 312500 VND", cmd.Amount, cmd.Currency)
	}
}

func TestOrchestratorUnknownCurrencyRejected(t *testing.T) {
	_, bus, store := newTestOrchestrator(t, nil)
	correlationID := uuid.New().String()

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 100, Currency: "EUR",
	}); err != nil {
		t.Fatalf("invalid currency must be acked, got: %v", err)
	}
	if _, err := store.Load(context.Background(), correlationID); !core.HasCode(err, core.ErrNotFound) {
		t.Error("saga must not be created for unsupported currency")
	}
}

func TestOrchestratorUnknownSagaDiscarded(t *testing.T) {
	_, bus, _ := newTestOrchestrator(t, nil)
	err := deliver(t, bus, domain.EventPaymentCompleted, uuid.New().String(), &domain.PaymentCompletedData{
		TransactionID: "TXN9",
	})
	if err != nil {
		t.Fatalf("event for unknown saga must be acked, got: %v", err)
	}
	if len(bus.publishedOfType(domain.EventActivateUserSubscription)) != 0 {
		t.Error("no commands must be emitted for unknown saga")
	}
}

func TestOrchestratorActiveSubscriptionGuard(t *testing.T) {
	_, bus, store := newTestOrchestrator(t, &staticChecker{hasActive: true})
	correlationID := uuid.New().String()

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 299000, Currency: "VND",
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	inst, err := store.Load(context.Background(), correlationID)
	if err != nil {
		t.Fatalf("instance not created: %v", err)
	}
	if inst.CurrentState != StateFailed {
		t.Errorf("state = %s, want Failed", inst.CurrentState)
	}
	if len(bus.publishedOfType(domain.EventCreatePaymentURL)) != 0 {
		t.Error("payment url must not be requested for a user with active subscription")
	}
	if len(bus.publishedOfType(domain.EventPaymentFailed)) != 1 {
		t.Error("rejection must publish payment_failed for the projection")
	}
}

func TestOrchestratorGuardBeforeActivation(t *testing.T) {
	checker := &staticChecker{hasActive: false}
	_, bus, store := newTestOrchestrator(t, checker)
	ctx := context.Background()
	correlationID := uuid.New().String()

	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 299000, Currency: "VND",
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := deliver(t, bus, domain.EventPaymentURLCreated, correlationID, &domain.PaymentURLCreatedData{
		PaymentURL: "https://pay/abc",
	}); err != nil {
		t.Fatalf("payment url created failed: %v", err)
	}

	// Пока сага ждала оплату, завершилась другая сага того же
	// пользователя и подписка стала активной.
	checker.hasActive = true

	if err := deliver(t, bus, domain.EventPaymentCompleted, correlationID, &domain.PaymentCompletedData{
		TransactionID: "TXN2", CompletedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("payment completed failed: %v", err)
	}

	if got := len(bus.publishedOfType(domain.EventActivateUserSubscription)); got != 0 {
		t.Errorf("activate command published %d times, want 0", got)
	}
	if got := len(bus.publishedOfType(domain.EventPaymentFailed)); got != 1 {
		t.Errorf("payment_failed published %d times, want 1", got)
	}

	inst, err := store.Load(ctx, correlationID)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if inst.CurrentState != StateFailed {
		t.Errorf("state = %s, want Failed", inst.CurrentState)
	}
	if !inst.PaymentCompleted || inst.TransactionID != "TXN2" {
		t.Error("captured payment must stay recorded on the failed saga")
	}
	if inst.FailureReason == "" || inst.FailedAt == nil {
		t.Error("failure fields not recorded")
	}

	// Сага с захваченной оплатой без активации видна ручному разбору.
	captured, err := store.ListFailedCaptured(ctx, 10)
	if err != nil {
		t.Fatalf("ListFailedCaptured failed: %v", err)
	}
	found := false
	for _, c := range captured {
		if c.CorrelationID == correlationID {
			found = true
		}
	}
	if !found {
		t.Error("failed saga with captured payment missing from manual review list")
	}
}

// conflictingStore возвращает VERSION_CONFLICT на первый Save,
// имитируя конкурентную доставку.
type conflictingStore struct {
	Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) Save(ctx context.Context, inst *Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts > 0 {
		s.conflicts--
		return core.NewError(core.ErrVersionConflict, "version conflict for saga "+inst.CorrelationID)
	}
	return s.Store.Save(ctx, inst, expectedVersion)
}

func TestOrchestratorVersionConflictRedelivered(t *testing.T) {
	bus := &mockBus{}
	store := &conflictingStore{Store: NewInMemoryStore(), conflicts: 1}
	orch, err := NewOrchestrator(DefaultOrchestratorConfig(), bus, store, nil, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	correlationID := uuid.New().String()
	if err := deliver(t, bus, domain.EventPaymentRequested, correlationID, &domain.PaymentRequestedData{
		UserID: "user-1", SubscriptionID: "sub-premium",
		Amount: 299000, Currency: "VND",
	}); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Первая доставка ловит конфликт и просит redelivery.
	err = deliver(t, bus, domain.EventPaymentURLCreated, correlationID, &domain.PaymentURLCreatedData{
		PaymentURL: "https://pay/abc",
	})
	if !core.HasCode(err, core.ErrVersionConflict) {
		t.Fatalf("conflicting save error = %v, want VERSION_CONFLICT", err)
	}

	// Повторная доставка проходит и фиксирует число конфликтов.
	if err := deliver(t, bus, domain.EventPaymentURLCreated, correlationID, &domain.PaymentURLCreatedData{
		PaymentURL: "https://pay/abc",
	}); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	inst, _ := store.Load(context.Background(), correlationID)
	if inst.CurrentState != StatePaymentPending {
		t.Errorf("state = %s, want PaymentPending", inst.CurrentState)
	}
	if inst.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1 after one version conflict", inst.RetryCount)
	}
}

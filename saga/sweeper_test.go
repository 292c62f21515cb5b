package saga

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/domain"
)

func TestSweeperExpiresOnlyStalePending(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	bus := &mockBus{}

	now := time.Now().UTC()
	stale := newTestInstance(StatePaymentPending)
	stale.CorrelationID = uuid.New().String()
	stale.UpdatedAt = now.Add(-25 * time.Hour)
	fresh := newTestInstance(StatePaymentPending)
	fresh.CorrelationID = uuid.New().String()
	fresh.UpdatedAt = now.Add(-1 * time.Hour)
	completed := newTestInstance(StateCompleted)
	completed.CorrelationID = uuid.New().String()
	completed.UpdatedAt = now.Add(-48 * time.Hour)
	for _, inst := range []*Instance{stale, fresh, completed} {
		if err := store.Create(ctx, inst); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	sweeper, err := NewSweeper(DefaultSweeperConfig(), store, bus)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	failed := bus.publishedOfType(domain.EventPaymentFailed)
	if len(failed) != 1 {
		t.Fatalf("payment_failed published %d times, want 1", len(failed))
	}
	env, err := domain.ParseEnvelope(failed[0])
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if env.CorrelationID != stale.CorrelationID {
		t.Errorf("expired saga = %s, want %s", env.CorrelationID, stale.CorrelationID)
	}
	var data domain.PaymentFailedData
	if err := env.Decode(&data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if data.Reason != "payment expired" {
		t.Errorf("reason = %q, want %q", data.Reason, "payment expired")
	}
}

func TestSweeperLifecycle(t *testing.T) {
	sweeper, err := NewSweeper(&SweeperConfig{
		Interval:      time.Hour,
		PendingExpiry: 24 * time.Hour,
		BatchSize:     10,
	}, NewInMemoryStore(), &mockBus{})
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !sweeper.IsRunning() {
		t.Error("sweeper must be running after Start")
	}
	if err := sweeper.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sweeper.IsRunning() {
		t.Error("sweeper must not be running after Stop")
	}
}

func TestSweeperConfigValidation(t *testing.T) {
	bad := []*SweeperConfig{
		{Interval: 0, PendingExpiry: time.Hour, BatchSize: 10},
		{Interval: time.Minute, PendingExpiry: 0, BatchSize: 10},
		{Interval: time.Minute, PendingExpiry: time.Hour, BatchSize: 0},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate accepted invalid config %+v", cfg)
		}
	}
}

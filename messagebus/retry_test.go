package messagebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

func fastPolicy(maxAttempts int) *transport.ExponentialBackoffRetryPolicy {
	return &transport.ExponentialBackoffRetryPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
	}
}

func TestDeliverWithRetryRecovers(t *testing.T) {
	calls := 0
	handler := func(ctx context.Context, msg *transport.Message) error {
		calls++
		if calls < 3 {
			return errors.New("transient failure")
		}
		return nil
	}

	err := deliverWithRetry(context.Background(), fastPolicy(5), handler, &transport.Message{Subject: "s"})
	if err != nil {
		t.Fatalf("deliverWithRetry failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}
}

func TestDeliverWithRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	failure := errors.New("persistent failure")
	handler := func(ctx context.Context, msg *transport.Message) error {
		calls++
		return failure
	}

	err := deliverWithRetry(context.Background(), fastPolicy(3), handler, &transport.Message{Subject: "s"})
	if !errors.Is(err, failure) {
		t.Fatalf("error = %v, want the handler failure after exhausted attempts", err)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}
}

func TestDeliverWithRetryWithoutPolicy(t *testing.T) {
	calls := 0
	failure := errors.New("failure")
	handler := func(ctx context.Context, msg *transport.Message) error {
		calls++
		return failure
	}

	err := deliverWithRetry(context.Background(), nil, handler, &transport.Message{Subject: "s"})
	if !errors.Is(err, failure) {
		t.Fatalf("error = %v, want the handler failure", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want exactly 1 without a policy", calls)
	}
}

func TestDeliverWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	handler := func(ctx context.Context, msg *transport.Message) error {
		calls++
		cancel()
		return errors.New("failure")
	}

	err := deliverWithRetry(ctx, fastPolicy(5), handler, &transport.Message{Subject: "s"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("handler called %d times, want 1 before cancellation", calls)
	}
}

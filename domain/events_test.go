package domain

import (
	"testing"

	"github.com/google/uuid"

	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/core"
	"github.com/VKev/GoodMeal-AI-Food-Recommendation-Web-App-sub001/transport"
)

func TestEnvelopeToMessage(t *testing.T) {
	correlationID := uuid.New().String()
	env, err := NewEnvelope(EventPaymentCompleted, correlationID, &PaymentCompletedData{TransactionID: "TXN1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.EventID == "" || env.OccurredAt.IsZero() {
		t.Error("envelope must carry event id and timestamp")
	}

	msg, err := env.ToMessage()
	if err != nil {
		t.Fatalf("ToMessage failed: %v", err)
	}
	if msg.Subject != "goodmeal.subscription.payment_completed" {
		t.Errorf("subject = %s", msg.Subject)
	}
	if msg.Headers["event_type"] != EventPaymentCompleted ||
		msg.Headers["correlation_id"] != correlationID ||
		msg.Headers["event_id"] != env.EventID {
		t.Errorf("headers do not mirror the envelope: %v", msg.Headers)
	}

	parsed, err := ParseEnvelope(msg)
	if err != nil {
		t.Fatalf("ParseEnvelope failed: %v", err)
	}
	if parsed.EventType != EventPaymentCompleted || parsed.CorrelationID != correlationID {
		t.Errorf("parsed envelope = %+v", parsed)
	}
	var data PaymentCompletedData
	if err := parsed.Decode(&data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if data.TransactionID != "TXN1" {
		t.Errorf("transaction_id = %s", data.TransactionID)
	}
}

func TestParseEnvelopeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("not json at all")},
		{name: "missing event type", data: []byte(`{"correlation_id":"abc","data":{}}`)},
		{name: "missing correlation id", data: []byte(`{"event_type":"payment_completed","data":{}}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEnvelope(&transport.Message{Subject: SubjectFor(EventPaymentCompleted), Data: tc.data})
			if !core.HasCode(err, core.ErrDecodeFailed) {
				t.Errorf("error = %v, want DECODE_FAILED", err)
			}
		})
	}
}

func TestEventTypeFromSubject(t *testing.T) {
	if got := EventTypeFromSubject("goodmeal.subscription.payment_requested"); got != EventPaymentRequested {
		t.Errorf("got %q", got)
	}
	if got := EventTypeFromSubject("goodmeal.orders.created"); got != "" {
		t.Errorf("foreign subject yielded %q", got)
	}
}

package app

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/lumenpay/onramp-service/internal/domain"
)

func TestHandleMessageAcksOnDefiniteOutcome(t *testing.T) {
	venue := &stubVenue{balance: 1_000_000, transferRef: "tx_ok"}
	svc, _ := newTestService(venue, &stubPayments{}, &recordingPublisher{})
	consumer := NewPaymentEventConsumer(svc, time.Second)

	body, _ := json.Marshal(paymentEvent("sess_c1", 5_000))
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a completed settlement")
	}
	if venue.transferCalls != 1 {
		t.Errorf("expected 1 transfer, got %d", venue.transferCalls)
	}
}

func TestHandleMessageAcksFailedOutcome(t *testing.T) {
	venue := &stubVenue{balance: 1_000_000, transferErr: errors.New("rejected")}
	svc, _ := newTestService(venue, &stubPayments{refundRef: "rf_1"}, &recordingPublisher{})
	consumer := NewPaymentEventConsumer(svc, time.Second)

	body, _ := json.Marshal(paymentEvent("sess_c2", 5_000))
	// A failed settlement is terminal; the message must not be redelivered.
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a failed settlement")
	}
}

func TestHandleMessageRequeuesWhenNoOutcome(t *testing.T) {
	venue := &stubVenue{balanceErr: errors.New("venue down")}
	svc, _ := newTestService(venue, &stubPayments{}, &recordingPublisher{})
	consumer := NewPaymentEventConsumer(svc, time.Second)

	body, _ := json.Marshal(paymentEvent("sess_c3", 5_000))
	if consumer.HandleMessage(body) {
		t.Fatal("expected nack when headroom is unverifiable")
	}
}

func TestHandleMessageDropsPoison(t *testing.T) {
	svc, _ := newTestService(&stubVenue{balance: 1}, &stubPayments{}, &recordingPublisher{})
	consumer := NewPaymentEventConsumer(svc, time.Second)

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Error("malformed body should be acked and dropped")
	}

	invalid, _ := json.Marshal(domain.PaymentCompletedEvent{SessionID: "sess_c4"})
	if !consumer.HandleMessage(invalid) {
		t.Error("structurally invalid event should be acked and dropped")
	}
}

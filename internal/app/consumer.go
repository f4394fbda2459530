/**
 * @description
 * This file contains the consumer-side handler for payment provider events
 * arriving over RabbitMQ. It deserializes `payment.checkout.completed`
 * messages and hands them to the settlement service, translating the result
 * into the ack decision the transport expects.
 *
 * Ack discipline:
 * - true (ack): settlement reached a definite outcome, or the message is
 *   poison and a redelivery could never help.
 * - false (nack + requeue): settlement could not reach an outcome yet, for
 *   example the venue balance was unverifiable.
 *
 * @dependencies
 * - encoding/json, context, log: Standard Go libraries.
 * - internal/domain: The inbound event model.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/lumenpay/onramp-service/internal/domain"
)

// PaymentEventConsumer adapts raw queue deliveries to the settlement service.
type PaymentEventConsumer struct {
	service *Service
	timeout time.Duration
}

// NewPaymentEventConsumer creates a consumer handler around the service. Each
// delivery gets its own bounded context so a hung upstream cannot stall the
// queue forever.
func NewPaymentEventConsumer(service *Service, timeout time.Duration) *PaymentEventConsumer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PaymentEventConsumer{service: service, timeout: timeout}
}

// HandleMessage processes one payment.checkout.completed delivery. The return
// value is the ack decision.
func (c *PaymentEventConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentCompletedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=payment_consumer msg=\"malformed event; dropping\" err=%v", err)
		return true // poison message, requeueing cannot fix it
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	outcome, err := c.service.Settle(ctx, event)
	if err != nil {
		if errors.Is(err, ErrInvalidSettlementRequest) {
			log.Printf("level=error component=payment_consumer session_id=%s msg=\"invalid event; dropping\" err=%v", event.SessionID, err)
			return true
		}
		log.Printf("level=warn component=payment_consumer session_id=%s msg=\"no outcome yet; re-queuing\" err=%v", event.SessionID, err)
		return false
	}

	log.Printf("level=info component=payment_consumer session_id=%s status=%s", outcome.SessionID, outcome.Status)
	return true
}

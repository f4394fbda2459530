/**
 * @description
 * This file contains the core business logic for the onramp-service: the
 * deposit-settlement state machine. The `Service` struct turns a confirmed
 * card payment into an idempotent, balance-checked stablecoin transfer on the
 * settlement venue, with a compensating refund when the transfer fails after
 * the card was charged.
 *
 * Key properties:
 * - At-least-once safe: redelivered payment events for a settled session are
 *   answered from the ledger, never by a second venue transfer.
 * - Fail closed: when the venue balance cannot be verified, no transfer is
 *   attempted.
 * - Compensating: a failed transfer triggers exactly one refund attempt; a
 *   failed refund is a stuck-funds condition that is alerted, never swallowed.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/prometheus/client_golang: Settlement metrics.
 * - internal/domain, internal/store: Domain models and the ledger.
 * - pkg/rabbitmq: Outbound lifecycle events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
	"github.com/lumenpay/onramp-service/pkg/rabbitmq"
)

// SettlementVenue is the outbound surface of the settlement venue the
// orchestrator needs: one balance read, one non-idempotent transfer.
type SettlementVenue interface {
	WithdrawableBalance(ctx context.Context) (int64, error)
	Transfer(ctx context.Context, destinationAccount string, amount int64) (string, error)
}

// PaymentProvider is the outbound surface of the card payment provider needed
// for compensation: refund a captured payment.
type PaymentProvider interface {
	Refund(ctx context.Context, captureRef string) (string, error)
}

// ErrInvalidSettlementRequest is returned when the inbound event is missing the
// fields settlement cannot proceed without.
var ErrInvalidSettlementRequest = errors.New("settlement request missing session id, destination or positive amount")

const sessionLockStripes = 64

// sessionLockTable serializes settlement attempts per session id so two
// concurrent deliveries of the same event cannot interleave. Striping bounds
// memory; an occasional cross-session collision only costs latency.
type sessionLockTable struct {
	stripes [sessionLockStripes]sync.Mutex
}

func (t *sessionLockTable) lock(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	m := &t.stripes[h.Sum32()%sessionLockStripes]
	m.Lock()
	return m
}

// Service provides the core business logic for onramp settlements.
type Service struct {
	ledger   store.Ledger
	oracle   *BalanceOracle
	venue    SettlementVenue
	payments PaymentProvider
	producer rabbitmq.Publisher
	locks    sessionLockTable
}

// NewService creates a new settlement service instance.
func NewService(ledger store.Ledger, oracle *BalanceOracle, venue SettlementVenue, payments PaymentProvider, producer rabbitmq.Publisher) *Service {
	return &Service{
		ledger:   ledger,
		oracle:   oracle,
		venue:    venue,
		payments: payments,
		producer: producer,
	}
}

// Settle drives one settlement attempt for a completed card payment. It is
// idempotent per session id: redeliveries of the same event return the stored
// terminal outcome without touching the venue again.
//
// A non-nil error is returned only when no definite outcome exists yet (ledger
// failure, or headroom unverifiable); callers should redeliver later. In every
// other case the returned outcome is final and the inbound event can be acked.
func (s *Service) Settle(ctx context.Context, event domain.PaymentCompletedEvent) (domain.SettlementOutcome, error) {
	if event.SessionID == "" || event.DestinationAddress == "" || event.Amount <= 0 {
		return domain.SettlementOutcome{}, ErrInvalidSettlementRequest
	}

	timer := prometheus.NewTimer(settlementDuration)
	defer timer.ObserveDuration()

	mu := s.locks.lock(event.SessionID)
	defer mu.Unlock()

	intent, err := s.lookupOrCreate(ctx, event)
	if err != nil {
		return domain.SettlementOutcome{}, err
	}

	// Terminal intents answer redeliveries from the ledger. This branch is what
	// makes Settle safe under at-least-once delivery: a duplicated webhook must
	// never cause a second credit.
	if intent.Status.Terminal() {
		log.Printf("level=info component=settlement session_id=%s outcome=duplicate status=%s", event.SessionID, intent.Status)
		settlementsTotal.WithLabelValues("duplicate").Inc()
		return outcomeFromIntent(intent), nil
	}

	if intent.Status == domain.StatusPending {
		intent, err = s.ledger.Transition(ctx, intent.ID, domain.StatusProcessing, store.TransitionParams{})
		if err != nil {
			return domain.SettlementOutcome{}, fmt.Errorf("transition to processing: %w", err)
		}
	}

	// Headroom check. An unverifiable balance fails closed and leaves the
	// intent in processing for a later redelivery; an insufficient one is a
	// terminal failure with no transfer and therefore no refund.
	capacity, err := s.oracle.GetAvailable(ctx)
	if err != nil {
		log.Printf("level=warn component=settlement session_id=%s msg=\"headroom unverifiable; failing closed\" err=%v", event.SessionID, err)
		return outcomeFromIntent(intent), err
	}
	// The intent's own amount is already counted in PendingExposure once it is
	// processing, so add it back before comparing.
	if available := capacity.Balance - (capacity.PendingExposure - intent.Amount); available < intent.Amount {
		reason := fmt.Sprintf("insufficient balance: available %d, required %d", available, intent.Amount)
		return s.failWithoutRefund(ctx, intent, reason)
	}

	// The transfer is non-idempotent and never retried: one call, one outcome.
	transferCallsTotal.Inc()
	ref, err := s.venue.Transfer(ctx, intent.DestinationAddress, intent.Amount)
	if err != nil {
		return s.failWithRefund(ctx, intent, event.PaymentCaptureRef, err)
	}

	intent, err = s.ledger.Transition(ctx, intent.ID, domain.StatusCompleted, store.TransitionParams{SettlementRef: &ref})
	if err != nil {
		// The venue credited but the ledger did not record it. Alert loudly:
		// a redelivery would otherwise re-attempt the transfer.
		log.Printf("level=error component=settlement session_id=%s settlement_ref=%s msg=\"CRITICAL: transfer succeeded but ledger update failed\" err=%v", event.SessionID, ref, err)
		return domain.SettlementOutcome{}, fmt.Errorf("record completed settlement: %w", err)
	}

	log.Printf("level=info component=settlement session_id=%s outcome=completed settlement_ref=%s amount=%d", event.SessionID, ref, intent.Amount)
	settlementsTotal.WithLabelValues("completed").Inc()
	s.publish(ctx, rabbitmq.RouteSettlementCompleted, intent, event.PaymentCaptureRef)
	return outcomeFromIntent(intent), nil
}

// lookupOrCreate returns the single intent for the session, creating it in
// pending when absent. A create race (another process won) falls back to the
// winner's record.
func (s *Service) lookupOrCreate(ctx context.Context, event domain.PaymentCompletedEvent) (*domain.DepositIntent, error) {
	intent, err := s.ledger.FindBySession(ctx, event.SessionID)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, store.ErrIntentNotFound) {
		return nil, fmt.Errorf("lookup intent: %w", err)
	}

	intent, err = s.ledger.Create(ctx, event.SessionID, event.DestinationAddress, event.Amount)
	if err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			return s.ledger.FindBySession(ctx, event.SessionID)
		}
		return nil, fmt.Errorf("create intent: %w", err)
	}
	return intent, nil
}

// failWithoutRefund marks the intent failed for a pre-transfer cause. No money
// moved on the venue, so the card capture is left alone for this path.
func (s *Service) failWithoutRefund(ctx context.Context, intent *domain.DepositIntent, reason string) (domain.SettlementOutcome, error) {
	failed, err := s.ledger.Transition(ctx, intent.ID, domain.StatusFailed, store.TransitionParams{FailureReason: &reason})
	if err != nil {
		return domain.SettlementOutcome{}, fmt.Errorf("record failed settlement: %w", err)
	}

	log.Printf("level=warn component=settlement session_id=%s outcome=failed reason=%q refund=not_applicable", intent.SessionID, reason)
	settlementsTotal.WithLabelValues("failed").Inc()
	s.publish(ctx, rabbitmq.RouteSettlementFailed, failed, "")
	return outcomeFromIntent(failed), nil
}

// failWithRefund marks the intent failed after an attempted transfer and issues
// the compensating refund against the original capture. Refund failure leaves
// the intent failed and raises a stuck-funds alert.
func (s *Service) failWithRefund(ctx context.Context, intent *domain.DepositIntent, captureRef string, transferErr error) (domain.SettlementOutcome, error) {
	reason := transferErr.Error()
	failed, err := s.ledger.Transition(ctx, intent.ID, domain.StatusFailed, store.TransitionParams{FailureReason: &reason})
	if err != nil {
		return domain.SettlementOutcome{}, fmt.Errorf("record failed settlement: %w", err)
	}

	log.Printf("level=warn component=settlement session_id=%s outcome=failed reason=%q refund=attempting", intent.SessionID, reason)
	settlementsTotal.WithLabelValues("failed").Inc()
	s.publish(ctx, rabbitmq.RouteSettlementFailed, failed, captureRef)

	s.compensate(ctx, failed, captureRef)
	return outcomeFromIntent(failed), nil
}

func (s *Service) compensate(ctx context.Context, intent *domain.DepositIntent, captureRef string) {
	if captureRef == "" {
		log.Printf("level=error component=settlement session_id=%s msg=\"STUCK FUNDS: transfer failed and no capture ref to refund\"", intent.SessionID)
		refundsTotal.WithLabelValues("failed").Inc()
		s.publish(ctx, rabbitmq.RouteRefundFailed, intent, captureRef)
		return
	}

	refundRef, err := s.payments.Refund(ctx, captureRef)
	if err != nil {
		log.Printf("level=error component=settlement session_id=%s capture_ref=%s msg=\"STUCK FUNDS: compensating refund failed\" err=%v", intent.SessionID, captureRef, err)
		refundsTotal.WithLabelValues("failed").Inc()
		s.publish(ctx, rabbitmq.RouteRefundFailed, intent, captureRef)
		return
	}

	log.Printf("level=info component=settlement session_id=%s capture_ref=%s refund_ref=%s msg=\"compensating refund issued\"", intent.SessionID, captureRef, refundRef)
	refundsTotal.WithLabelValues("issued").Inc()
}

func (s *Service) publish(ctx context.Context, routingKey string, intent *domain.DepositIntent, captureRef string) {
	if s.producer == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		SessionID:          intent.SessionID,
		DestinationAddress: intent.DestinationAddress,
		Amount:             intent.Amount,
		PaymentCaptureRef:  captureRef,
		Timestamp:          time.Now().UTC(),
	}
	if intent.SettlementRef != nil {
		event.SettlementRef = *intent.SettlementRef
	}
	if intent.FailureReason != nil {
		event.FailureReason = *intent.FailureReason
	}
	if err := s.producer.Publish(ctx, rabbitmq.EventsExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=settlement session_id=%s msg=\"event publish failed\" routing_key=%s err=%v", intent.SessionID, routingKey, err)
	}
}

func outcomeFromIntent(intent *domain.DepositIntent) domain.SettlementOutcome {
	outcome := domain.SettlementOutcome{
		SessionID: intent.SessionID,
		Status:    intent.Status,
	}
	if intent.SettlementRef != nil {
		outcome.SettlementRef = *intent.SettlementRef
	}
	if intent.FailureReason != nil {
		outcome.FailureReason = *intent.FailureReason
	}
	return outcome
}

// GetTransactionStatus returns the intent for a session id.
func (s *Service) GetTransactionStatus(ctx context.Context, sessionID string) (*domain.DepositIntent, error) {
	return s.ledger.FindBySession(ctx, sessionID)
}

// GetAllTransactionStatuses returns every retained intent, newest first.
func (s *Service) GetAllTransactionStatuses(ctx context.Context) ([]domain.DepositIntent, error) {
	return s.ledger.ListAll(ctx)
}

// GetCapacity reports current onramp headroom.
func (s *Service) GetCapacity(ctx context.Context) (*domain.CapacityReport, error) {
	return s.oracle.GetAvailable(ctx)
}

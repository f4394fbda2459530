/**
 * @description
 * This file defines the core domain models for the onramp-service. A DepositIntent
 * is the ledger record created the first time a paid checkout session is seen; it
 * carries the settlement lifecycle for that session.
 *
 * @notes
 * - Amounts are stored as `int64` in stablecoin minor units (1 unit = 1e-6 USD
 *   stablecoin), which avoids floating-point inaccuracies with financial data.
 * - A checkout session maps to at most one DepositIntent. The session id is the
 *   idempotency key for the whole settlement path.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DepositStatus is the lifecycle state of a DepositIntent.
type DepositStatus string

const (
	StatusPending    DepositStatus = "pending"
	StatusProcessing DepositStatus = "processing"
	StatusCompleted  DepositStatus = "completed"
	StatusFailed     DepositStatus = "failed"
)

// Terminal reports whether the settlement path never transitions out of s.
func (s DepositStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidTransition reports whether the deposit state machine permits from -> to.
// Allowed: pending -> processing, processing -> completed, processing -> failed,
// and pending -> failed (a settlement attempt rejected before any transfer).
func ValidTransition(from, to DepositStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// DepositIntent is the central ledger record for one card-to-stablecoin deposit.
// Exactly one intent exists per checkout session that reached "paid".
type DepositIntent struct {
	ID                 uuid.UUID     `json:"id"`
	SessionID          string        `json:"session_id"`
	DestinationAddress string        `json:"destination_address"`
	Amount             int64         `json:"amount"` // stablecoin minor units
	Status             DepositStatus `json:"status"`
	SettlementRef      *string       `json:"settlement_ref,omitempty"`
	FailureReason      *string       `json:"failure_reason,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// EventTypeCheckoutCompleted identifies the only provider event that triggers
// settlement.
const EventTypeCheckoutCompleted = "payment.checkout.completed"

// PaymentCompletedEvent is the inbound "payment completed" notification, either
// decoded from the provider webhook or consumed from the payment events queue.
// Delivery is at-least-once; the caller has already verified authenticity.
type PaymentCompletedEvent struct {
	EventID            string    `json:"event_id"`
	EventType          string    `json:"event_type"`
	SessionID          string    `json:"session_id"`
	DestinationAddress string    `json:"destination_address"`
	Amount             int64     `json:"amount"` // stablecoin minor units
	PaymentCaptureRef  string    `json:"payment_capture_ref"`
	OccurredAt         time.Time `json:"occurred_at"`
}

// SettlementOutcome is the definite result of one Settle call. The caller can
// acknowledge the inbound payment event as soon as it has an outcome, whether
// or not the settlement succeeded.
type SettlementOutcome struct {
	SessionID     string        `json:"session_id"`
	Status        DepositStatus `json:"status"`
	SettlementRef string        `json:"settlement_ref,omitempty"`
	FailureReason string        `json:"failure_reason,omitempty"`
}

// Succeeded reports whether the deposit was credited on the settlement venue.
func (o SettlementOutcome) Succeeded() bool {
	return o.Status == StatusCompleted
}

// CapacityReport describes how much onramp volume the operator can currently
// accept: the venue balance minus amounts already committed to in-flight intents.
type CapacityReport struct {
	Balance            int64     `json:"balance"`
	PendingExposure    int64     `json:"pending_exposure"`
	AvailableForOnramp int64     `json:"available_for_onramp"`
	FetchedAt          time.Time `json:"fetched_at"`
}

// FeeBreakdown is the deterministic fee math shown to the user before checkout.
type FeeBreakdown struct {
	GrossAmount   int64 `json:"gross_amount"`   // card charge, minor units
	ProcessingFee int64 `json:"processing_fee"` // bps of gross + fixed fee
	NetAmount     int64 `json:"net_amount"`     // stablecoin credited on settlement
}

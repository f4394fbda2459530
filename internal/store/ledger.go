/**
 * @description
 * This file defines the `Ledger` interface, the single source of truth for
 * deposit intents. By defining an interface, we decouple the settlement logic
 * from the backing store: the reference deployment keeps intents in process
 * memory, while a Postgres implementation can be swapped in without touching
 * the orchestrator.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For intent identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lumenpay/onramp-service/internal/domain"
)

var (
	// ErrIntentNotFound is returned when no intent exists for a lookup key.
	ErrIntentNotFound = errors.New("deposit intent not found")
	// ErrSessionExists is returned by Create when the session already has an intent.
	ErrSessionExists = errors.New("deposit intent already exists for session")
	// ErrInvalidTransition is returned when a status change violates the state machine.
	ErrInvalidTransition = errors.New("invalid deposit status transition")
)

// TransitionParams carries the optional fields applied alongside a status change.
type TransitionParams struct {
	SettlementRef *string
	FailureReason *string
}

// Ledger is the registry of deposit intents keyed by checkout session id.
//
// Implementations must make FindBySession/Create/Transition individually atomic:
// two concurrent Create calls for the same session id must not both succeed, and
// Transition must reject changes out of a terminal status.
type Ledger interface {
	// FindBySession returns the intent for a session id, or ErrIntentNotFound.
	FindBySession(ctx context.Context, sessionID string) (*domain.DepositIntent, error)

	// Create registers a new intent in StatusPending. Returns ErrSessionExists
	// if an intent for the session id is already present.
	Create(ctx context.Context, sessionID, destinationAddress string, amount int64) (*domain.DepositIntent, error)

	// FindByID returns the intent with the given id, or ErrIntentNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*domain.DepositIntent, error)

	// Transition applies a status change plus any of params, refreshing
	// UpdatedAt. Changes that violate domain.ValidTransition are rejected with
	// ErrInvalidTransition and leave the intent untouched.
	Transition(ctx context.Context, id uuid.UUID, newStatus domain.DepositStatus, params TransitionParams) (*domain.DepositIntent, error)

	// ListAll returns every retained intent, newest first.
	ListAll(ctx context.Context) ([]domain.DepositIntent, error)

	// ListByStatusOlderThan returns intents in the given status whose last
	// update is before cutoff. Used by the stuck-processing sweep.
	ListByStatusOlderThan(ctx context.Context, status domain.DepositStatus, cutoff time.Time) ([]domain.DepositIntent, error)

	// SumExposure sums Amount over intents in any of the given statuses,
	// computed over a consistent snapshot of the ledger.
	SumExposure(ctx context.Context, statuses ...domain.DepositStatus) (int64, error)

	// PurgeOlderThan removes intents in any of the given terminal statuses whose
	// last update is older than retention, returning the number removed.
	// Non-terminal statuses are never purged regardless of the arguments.
	PurgeOlderThan(ctx context.Context, retention time.Duration, statuses ...domain.DepositStatus) (int, error)
}

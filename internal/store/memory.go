package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenpay/onramp-service/internal/domain"
)

// MemoryLedger is the reference Ledger implementation: a process-local registry
// guarded by a single mutex. Settlement volume is low enough that a global lock
// around ledger mutation is acceptable; outbound network calls never run under it.
type MemoryLedger struct {
	mu        sync.RWMutex
	bySession map[string]*domain.DepositIntent
	byID      map[uuid.UUID]*domain.DepositIntent
	nowFunc   func() time.Time
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		bySession: make(map[string]*domain.DepositIntent),
		byID:      make(map[uuid.UUID]*domain.DepositIntent),
		nowFunc:   time.Now,
	}
}

// clone returns a copy so callers never hold a reference into the ledger's maps.
func clone(intent *domain.DepositIntent) *domain.DepositIntent {
	cp := *intent
	if intent.SettlementRef != nil {
		ref := *intent.SettlementRef
		cp.SettlementRef = &ref
	}
	if intent.FailureReason != nil {
		reason := *intent.FailureReason
		cp.FailureReason = &reason
	}
	return &cp
}

func (l *MemoryLedger) FindBySession(ctx context.Context, sessionID string) (*domain.DepositIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	intent, ok := l.bySession[sessionID]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return clone(intent), nil
}

func (l *MemoryLedger) Create(ctx context.Context, sessionID, destinationAddress string, amount int64) (*domain.DepositIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bySession[sessionID]; ok {
		return nil, ErrSessionExists
	}

	now := l.nowFunc().UTC()
	intent := &domain.DepositIntent{
		ID:                 uuid.New(),
		SessionID:          sessionID,
		DestinationAddress: destinationAddress,
		Amount:             amount,
		Status:             domain.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	l.bySession[sessionID] = intent
	l.byID[intent.ID] = intent
	return clone(intent), nil
}

func (l *MemoryLedger) FindByID(ctx context.Context, id uuid.UUID) (*domain.DepositIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	intent, ok := l.byID[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return clone(intent), nil
}

func (l *MemoryLedger) Transition(ctx context.Context, id uuid.UUID, newStatus domain.DepositStatus, params TransitionParams) (*domain.DepositIntent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	intent, ok := l.byID[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if !domain.ValidTransition(intent.Status, newStatus) {
		return nil, ErrInvalidTransition
	}

	intent.Status = newStatus
	if params.SettlementRef != nil {
		ref := *params.SettlementRef
		intent.SettlementRef = &ref
	}
	if params.FailureReason != nil {
		reason := *params.FailureReason
		intent.FailureReason = &reason
	}
	intent.UpdatedAt = l.nowFunc().UTC()
	return clone(intent), nil
}

func (l *MemoryLedger) ListAll(ctx context.Context) ([]domain.DepositIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	intents := make([]domain.DepositIntent, 0, len(l.byID))
	for _, intent := range l.byID {
		intents = append(intents, *clone(intent))
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].CreatedAt.After(intents[j].CreatedAt)
	})
	return intents, nil
}

func (l *MemoryLedger) ListByStatusOlderThan(ctx context.Context, status domain.DepositStatus, cutoff time.Time) ([]domain.DepositIntent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var intents []domain.DepositIntent
	for _, intent := range l.byID {
		if intent.Status == status && intent.UpdatedAt.Before(cutoff) {
			intents = append(intents, *clone(intent))
		}
	}
	sort.Slice(intents, func(i, j int) bool {
		return intents[i].UpdatedAt.Before(intents[j].UpdatedAt)
	})
	return intents, nil
}

func (l *MemoryLedger) SumExposure(ctx context.Context, statuses ...domain.DepositStatus) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total int64
	for _, intent := range l.byID {
		for _, status := range statuses {
			if intent.Status == status {
				total += intent.Amount
				break
			}
		}
	}
	return total, nil
}

func (l *MemoryLedger) PurgeOlderThan(ctx context.Context, retention time.Duration, statuses ...domain.DepositStatus) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.nowFunc().UTC().Add(-retention)
	removed := 0
	for id, intent := range l.byID {
		if !intent.Status.Terminal() {
			continue
		}
		match := false
		for _, status := range statuses {
			if intent.Status == status {
				match = true
				break
			}
		}
		if !match || !intent.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(l.byID, id)
		delete(l.bySession, intent.SessionID)
		removed++
	}
	return removed, nil
}

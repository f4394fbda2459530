package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
)

// ErrUpstreamUnavailable means the venue balance could not be fetched. Callers
// must treat this as "cannot verify headroom" and fail closed; it never implies
// the balance is sufficient.
var ErrUpstreamUnavailable = errors.New("settlement venue balance unavailable")

// BalanceOracle serves the operator's withdrawable venue balance with a short
// TTL cache to bound upstream call rate. Stale reads up to the TTL are
// acceptable by design; the cache is advisory, not a source of truth.
type BalanceOracle struct {
	venue  SettlementVenue
	ledger store.Ledger
	ttl    time.Duration

	mu        sync.Mutex
	balance   int64
	fetchedAt time.Time
	nowFunc   func() time.Time
}

// NewBalanceOracle returns an oracle with an empty cache.
func NewBalanceOracle(venue SettlementVenue, ledger store.Ledger, ttl time.Duration) *BalanceOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &BalanceOracle{
		venue:   venue,
		ledger:  ledger,
		ttl:     ttl,
		nowFunc: time.Now,
	}
}

// GetAvailable reports the venue balance, the exposure committed to in-flight
// intents, and the headroom left for new onramp volume. A cache-miss race may
// cause a harmless duplicate upstream fetch.
func (o *BalanceOracle) GetAvailable(ctx context.Context) (*domain.CapacityReport, error) {
	balance, fetchedAt, ok := o.cachedBalance()
	if !ok {
		fresh, err := o.venue.WithdrawableBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		balance = fresh
		fetchedAt = o.now()
		o.storeBalance(fresh, fetchedAt)
	}

	exposure, err := o.ledger.SumExposure(ctx, domain.StatusPending, domain.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("sum ledger exposure: %w", err)
	}

	available := balance - exposure
	if available < 0 {
		available = 0
	}
	availableForOnramp.Set(float64(available))

	return &domain.CapacityReport{
		Balance:            balance,
		PendingExposure:    exposure,
		AvailableForOnramp: available,
		FetchedAt:          fetchedAt,
	}, nil
}

func (o *BalanceOracle) cachedBalance() (int64, time.Time, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fetchedAt.IsZero() || o.now().Sub(o.fetchedAt) >= o.ttl {
		return 0, time.Time{}, false
	}
	return o.balance, o.fetchedAt, true
}

func (o *BalanceOracle) storeBalance(balance int64, fetchedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.balance = balance
	o.fetchedAt = fetchedAt
}

func (o *BalanceOracle) now() time.Time {
	return o.nowFunc()
}

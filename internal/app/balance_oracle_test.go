package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
)

func TestOracleCachesBalanceWithinTTL(t *testing.T) {
	venue := &stubVenue{balance: 500_000}
	ledger := store.NewMemoryLedger()
	oracle := NewBalanceOracle(venue, ledger, 30*time.Second)

	base := time.Now()
	oracle.nowFunc = func() time.Time { return base }

	first, err := oracle.GetAvailable(context.Background())
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if first.Balance != 500_000 {
		t.Fatalf("balance = %d", first.Balance)
	}

	// Balance changes upstream but the cache is still fresh.
	venue.mu.Lock()
	venue.balance = 1
	venue.mu.Unlock()

	oracle.nowFunc = func() time.Time { return base.Add(10 * time.Second) }
	cached, err := oracle.GetAvailable(context.Background())
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if cached.Balance != 500_000 {
		t.Errorf("expected cached balance 500000, got %d", cached.Balance)
	}

	// Past the TTL the fresh value is fetched.
	oracle.nowFunc = func() time.Time { return base.Add(31 * time.Second) }
	fresh, err := oracle.GetAvailable(context.Background())
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if fresh.Balance != 1 {
		t.Errorf("expected refreshed balance 1, got %d", fresh.Balance)
	}
}

func TestOracleSubtractsInFlightExposure(t *testing.T) {
	venue := &stubVenue{balance: 100}
	ledger := store.NewMemoryLedger()
	ctx := context.Background()

	a, _ := ledger.Create(ctx, "sess_a", "GDESTA", 80)
	ledger.Transition(ctx, a.ID, domain.StatusProcessing, store.TransitionParams{})
	ledger.Create(ctx, "sess_b", "GDESTB", 15) // pending counts too

	oracle := NewBalanceOracle(venue, ledger, time.Second)
	report, err := oracle.GetAvailable(ctx)
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if report.PendingExposure != 95 {
		t.Errorf("exposure = %d, want 95", report.PendingExposure)
	}
	if report.AvailableForOnramp != 5 {
		t.Errorf("available = %d, want 5", report.AvailableForOnramp)
	}
}

func TestOracleClampsNegativeHeadroomToZero(t *testing.T) {
	venue := &stubVenue{balance: 10}
	ledger := store.NewMemoryLedger()
	ctx := context.Background()

	a, _ := ledger.Create(ctx, "sess_a", "GDESTA", 50)
	ledger.Transition(ctx, a.ID, domain.StatusProcessing, store.TransitionParams{})

	oracle := NewBalanceOracle(venue, ledger, time.Second)
	report, err := oracle.GetAvailable(ctx)
	if err != nil {
		t.Fatalf("GetAvailable: %v", err)
	}
	if report.AvailableForOnramp != 0 {
		t.Errorf("available = %d, want 0", report.AvailableForOnramp)
	}
}

func TestOracleFailsClosedOnFetchError(t *testing.T) {
	venue := &stubVenue{balanceErr: errors.New("503")}
	oracle := NewBalanceOracle(venue, store.NewMemoryLedger(), time.Second)

	if _, err := oracle.GetAvailable(context.Background()); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

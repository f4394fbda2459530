/**
 * @description
 * This file contains the background maintenance loop for the deposit ledger:
 * purging terminal intents past the retention window and flagging intents
 * stuck in processing for operator reconciliation.
 *
 * A stuck-processing intent usually means the process died between the venue
 * transfer and the ledger update. That ambiguity (did money move?) cannot be
 * resolved automatically, so the reaper only surfaces it.
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - internal/domain, internal/store: Status model and ledger access.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/lumenpay/onramp-service/internal/domain"
	"github.com/lumenpay/onramp-service/internal/store"
)

// Reaper periodically prunes terminal intents and reports stuck ones.
type Reaper struct {
	ledger         store.Ledger
	retention      time.Duration
	stuckThreshold time.Duration
	interval       time.Duration
	nowFunc        func() time.Time
}

// NewReaper builds a reaper with sane defaults for zero-valued durations.
func NewReaper(ledger store.Ledger, retention, stuckThreshold time.Duration) *Reaper {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if stuckThreshold <= 0 {
		stuckThreshold = 15 * time.Minute
	}
	return &Reaper{
		ledger:         ledger,
		retention:      retention,
		stuckThreshold: stuckThreshold,
		interval:       time.Minute,
		nowFunc:        time.Now,
	}
}

// Run blocks, sweeping on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("level=info component=reaper msg=\"stopping\"")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass. Exposed separately so the admin surface and
// tests can trigger it on demand.
func (r *Reaper) Sweep(ctx context.Context) {
	purged, err := r.ledger.PurgeOlderThan(ctx, r.retention, domain.StatusCompleted, domain.StatusFailed)
	if err != nil {
		log.Printf("level=warn component=reaper msg=\"purge failed\" err=%v", err)
	} else if purged > 0 {
		log.Printf("level=info component=reaper msg=\"purged terminal intents\" count=%d retention=%s", purged, r.retention)
	}

	stuck, err := r.StuckProcessing(ctx)
	if err != nil {
		log.Printf("level=warn component=reaper msg=\"stuck sweep failed\" err=%v", err)
		return
	}
	stuckProcessingIntents.Set(float64(len(stuck)))
	for _, intent := range stuck {
		log.Printf("level=error component=reaper session_id=%s msg=\"RECONCILE: intent stuck in processing\" age=%s amount=%d",
			intent.SessionID, r.nowFunc().Sub(intent.UpdatedAt).Round(time.Second), intent.Amount)
	}
}

// StuckProcessing lists intents sitting in processing past the threshold.
func (r *Reaper) StuckProcessing(ctx context.Context) ([]domain.DepositIntent, error) {
	cutoff := r.nowFunc().Add(-r.stuckThreshold)
	return r.ledger.ListByStatusOlderThan(ctx, domain.StatusProcessing, cutoff)
}

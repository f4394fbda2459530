/**
 * @description
 * This file provides the PostgreSQL implementation of the `Ledger` interface,
 * for deployments that want intents to survive process restarts. It relies on
 * the unique index on session_id for the create-once guarantee and encodes the
 * state machine guard directly in the transition UPDATE.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumenpay/onramp-service/internal/domain"
)

// PostgresLedger is a concrete implementation of the Ledger interface backed by
// a deposit_intents table:
//
//	CREATE TABLE deposit_intents (
//	    id                  UUID PRIMARY KEY,
//	    session_id          TEXT NOT NULL UNIQUE,
//	    destination_address TEXT NOT NULL,
//	    amount              BIGINT NOT NULL,
//	    status              TEXT NOT NULL,
//	    settlement_ref      TEXT,
//	    failure_reason      TEXT,
//	    created_at          TIMESTAMPTZ NOT NULL,
//	    updated_at          TIMESTAMPTZ NOT NULL
//	);
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger creates a new instance of PostgresLedger.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const intentColumns = `id, session_id, destination_address, amount, status, settlement_ref, failure_reason, created_at, updated_at`

func scanIntent(row pgx.Row) (*domain.DepositIntent, error) {
	var intent domain.DepositIntent
	err := row.Scan(
		&intent.ID,
		&intent.SessionID,
		&intent.DestinationAddress,
		&intent.Amount,
		&intent.Status,
		&intent.SettlementRef,
		&intent.FailureReason,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (l *PostgresLedger) FindBySession(ctx context.Context, sessionID string) (*domain.DepositIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM deposit_intents WHERE session_id = $1`
	intent, err := scanIntent(l.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

func (l *PostgresLedger) Create(ctx context.Context, sessionID, destinationAddress string, amount int64) (*domain.DepositIntent, error) {
	query := `
		INSERT INTO deposit_intents (id, session_id, destination_address, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		RETURNING ` + intentColumns
	intent, err := scanIntent(l.db.QueryRow(ctx, query, uuid.New(), sessionID, destinationAddress, amount, domain.StatusPending))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("insert deposit intent: %w", err)
	}
	return intent, nil
}

func (l *PostgresLedger) FindByID(ctx context.Context, id uuid.UUID) (*domain.DepositIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM deposit_intents WHERE id = $1`
	intent, err := scanIntent(l.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}
	return intent, nil
}

func (l *PostgresLedger) Transition(ctx context.Context, id uuid.UUID, newStatus domain.DepositStatus, params TransitionParams) (*domain.DepositIntent, error) {
	// The status guard lives in the WHERE clause so concurrent transitions
	// cannot both win: only rows currently in a permitted source status match.
	var allowedFrom []string
	switch newStatus {
	case domain.StatusProcessing:
		allowedFrom = []string{string(domain.StatusPending)}
	case domain.StatusCompleted:
		allowedFrom = []string{string(domain.StatusProcessing)}
	case domain.StatusFailed:
		allowedFrom = []string{string(domain.StatusPending), string(domain.StatusProcessing)}
	default:
		return nil, ErrInvalidTransition
	}

	query := `
		UPDATE deposit_intents
		SET status = $2,
		    settlement_ref = COALESCE($3, settlement_ref),
		    failure_reason = COALESCE($4, failure_reason),
		    updated_at = now()
		WHERE id = $1 AND status = ANY($5)
		RETURNING ` + intentColumns
	intent, err := scanIntent(l.db.QueryRow(ctx, query, id, newStatus, params.SettlementRef, params.FailureReason, allowedFrom))
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition deposit intent: %w", err)
	}

	// No row matched: distinguish a missing intent from a rejected transition.
	if _, lookupErr := l.FindByID(ctx, id); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, ErrInvalidTransition
}

func (l *PostgresLedger) ListAll(ctx context.Context) ([]domain.DepositIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM deposit_intents ORDER BY created_at DESC`
	rows, err := l.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (l *PostgresLedger) ListByStatusOlderThan(ctx context.Context, status domain.DepositStatus, cutoff time.Time) ([]domain.DepositIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM deposit_intents WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := l.db.Query(ctx, query, status, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIntents(rows)
}

func (l *PostgresLedger) SumExposure(ctx context.Context, statuses ...domain.DepositStatus) (int64, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM deposit_intents WHERE status = ANY($1)`
	var total int64
	if err := l.db.QueryRow(ctx, query, statusStrings(statuses)).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (l *PostgresLedger) PurgeOlderThan(ctx context.Context, retention time.Duration, statuses ...domain.DepositStatus) (int, error) {
	terminal := make([]string, 0, len(statuses))
	for _, status := range statuses {
		if status.Terminal() {
			terminal = append(terminal, string(status))
		}
	}
	if len(terminal) == 0 {
		return 0, nil
	}

	query := `DELETE FROM deposit_intents WHERE status = ANY($1) AND updated_at < $2`
	result, err := l.db.Exec(ctx, query, terminal, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

func collectIntents(rows pgx.Rows) ([]domain.DepositIntent, error) {
	var intents []domain.DepositIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *intent)
	}
	return intents, rows.Err()
}

func statusStrings(statuses []domain.DepositStatus) []string {
	out := make([]string, len(statuses))
	for i, status := range statuses {
		out[i] = string(status)
	}
	return out
}

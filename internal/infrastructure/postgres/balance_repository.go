package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"finlink/internal/domain/balance"
)

type BalanceRepository struct {
	db *DB
}

var _ balance.Repository = (*BalanceRepository)(nil)

func NewBalanceRepository(db *DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Get(ctx context.Context, accountID string) (*balance.Snapshot, error) {
	query := `
		SELECT account_id, current, available, currency, observed_at, fetched_at, invalidated
		FROM balance_snapshots
		WHERE account_id = $1
	`

	var s balance.Snapshot
	err := r.db.QueryRowContext(ctx, query, accountID).Scan(
		&s.AccountID, &s.Current, &s.Available, &s.Currency, &s.ObservedAt, &s.FetchedAt, &s.Invalidated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, balance.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance snapshot: %w", err)
	}
	return &s, nil
}

func (r *BalanceRepository) Put(ctx context.Context, s *balance.Snapshot) error {
	query := `
		INSERT INTO balance_snapshots (account_id, current, available, currency, observed_at, fetched_at, invalidated)
		VALUES ($1, $2, $3, $4, $5, $6, false)
		ON CONFLICT (account_id) DO UPDATE
			SET current = EXCLUDED.current,
			    available = EXCLUDED.available,
			    currency = EXCLUDED.currency,
			    observed_at = EXCLUDED.observed_at,
			    fetched_at = EXCLUDED.fetched_at,
			    invalidated = false
	`

	if _, err := r.db.ExecContext(ctx, query,
		s.AccountID, s.Current, s.Available, s.Currency, s.ObservedAt, s.FetchedAt,
	); err != nil {
		return fmt.Errorf("failed to store balance snapshot: %w", err)
	}
	return nil
}

func (r *BalanceRepository) Invalidate(ctx context.Context, accountID string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE balance_snapshots SET invalidated = true WHERE account_id = $1`,
		accountID,
	); err != nil {
		return fmt.Errorf("failed to invalidate balance snapshot: %w", err)
	}
	return nil
}

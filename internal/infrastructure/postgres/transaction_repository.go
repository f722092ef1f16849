package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/transaction"
)

const transactionColumns = `id, account_id, dedup_key, source, provider_id, amount, currency,
	description, category, posted_at, checksum, state, removed_at, created_at, updated_at`

type TransactionRepository struct {
	db *DB
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func scanTransaction(s rowScanner) (*transaction.Transaction, error) {
	var (
		t         transaction.Transaction
		removedAt sql.NullTime
	)
	err := s.Scan(
		&t.ID, &t.AccountID, &t.DedupKey, &t.Source, &t.ProviderID, &t.Amount, &t.Currency,
		&t.Description, &t.Category, &t.PostedAt, &t.Checksum, &t.State, &removedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if removedAt.Valid {
		t.RemovedAt = &removedAt.Time
	}
	return &t, nil
}

func (r *TransactionRepository) GetByDedupKeys(ctx context.Context, accountID string, keys []string) (map[string]*transaction.Transaction, error) {
	out := make(map[string]*transaction.Transaction, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 AND dedup_key = ANY($2)`
	rows, err := r.db.QueryContext(ctx, query, accountID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions by dedup key: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out[t.DedupKey] = t
	}
	return out, rows.Err()
}

// Insert relies on the (account_id, dedup_key) constraint, so a concurrent
// ingest of the same key stores exactly one row.
func (r *TransactionRepository) Insert(ctx context.Context, t *transaction.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (id, account_id, dedup_key, source, provider_id, amount, currency,
			description, category, posted_at, checksum, state, removed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (account_id, dedup_key) DO NOTHING
	`

	n, err := r.db.execAffected(ctx, query,
		t.ID, t.AccountID, t.DedupKey, t.Source, t.ProviderID, t.Amount, t.Currency,
		t.Description, t.Category, t.PostedAt, t.Checksum, t.State, t.RemovedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return n == 1, nil
}

func (r *TransactionRepository) Amend(ctx context.Context, t *transaction.Transaction) error {
	query := `
		UPDATE transactions
		SET amount = $2, currency = $3, description = $4, category = $5, posted_at = $6,
		    checksum = $7, state = $8, removed_at = $9, updated_at = $10
		WHERE id = $1
	`

	n, err := r.db.execAffected(ctx, query,
		t.ID, t.Amount, t.Currency, t.Description, t.Category, t.PostedAt,
		t.Checksum, t.State, t.RemovedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to amend transaction: %w", err)
	}
	if n == 0 {
		return transaction.ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) Tombstone(ctx context.Context, id string, at time.Time) error {
	n, err := r.db.execAffected(ctx,
		`UPDATE transactions SET state = $2, removed_at = $3, updated_at = $3 WHERE id = $1`,
		id, transaction.StateRemoved, at,
	)
	if err != nil {
		return fmt.Errorf("failed to remove transaction: %w", err)
	}
	if n == 0 {
		return transaction.ErrTransactionNotFound
	}
	return nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1 AND state = $2
		ORDER BY posted_at DESC, id DESC
		OFFSET $3
	`
	args := []any{accountID, transaction.StateActive, offset}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	txns := []*transaction.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"finlink/internal/domain/account"
)

const accountColumns = `id, user_id, name, account_type, institution, institution_logo, currency,
	integration, status, last_synced_at, provider_ref, mask, notes, manual_balance,
	created_at, updated_at, removed_at`

type AccountRepository struct {
	db *DB
}

var _ account.Repository = (*AccountRepository)(nil)

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// rowScanner is satisfied by both *sql.Rows and *tracedRow.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(s rowScanner) (*account.Account, error) {
	var (
		a            account.Account
		lastSyncedAt sql.NullTime
		providerRef  sql.NullString
		removedAt    sql.NullTime
	)
	err := s.Scan(
		&a.ID, &a.UserID, &a.Name, &a.Type, &a.Institution, &a.InstitutionLogo, &a.Currency,
		&a.Integration, &a.Status, &lastSyncedAt, &providerRef, &a.Mask, &a.Notes, &a.ManualBalance,
		&a.CreatedAt, &a.UpdatedAt, &removedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSyncedAt.Valid {
		a.LastSyncedAt = &lastSyncedAt.Time
	}
	if removedAt.Valid {
		a.RemovedAt = &removedAt.Time
	}
	a.ProviderRef = providerRef.String
	return &a, nil
}

func (r *AccountRepository) CreateIfNotExists(ctx context.Context, a *account.Account) (*account.Account, bool, error) {
	query := `
		INSERT INTO accounts (id, user_id, name, account_type, institution, institution_logo, currency,
			integration, status, last_synced_at, provider_ref, mask, notes, manual_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + accountColumns

	var providerRef sql.NullString
	if a.ProviderRef != "" {
		providerRef = sql.NullString{String: a.ProviderRef, Valid: true}
	}

	stored, err := scanAccount(r.db.QueryRowContext(ctx, query,
		a.ID, a.UserID, a.Name, a.Type, a.Institution, a.InstitutionLogo, a.Currency,
		a.Integration, a.Status, a.LastSyncedAt, providerRef, a.Mask, a.Notes, a.ManualBalance,
		a.CreatedAt, a.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	// Conflict: the account already exists, possibly removed.
	existing, err := scanAccount(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, a.ID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to get existing account: %w", err)
	}
	return existing, false, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 AND removed_at IS NULL`

	a, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE user_id = $1 AND removed_at IS NULL
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) Update(ctx context.Context, a *account.Account) error {
	query := `
		UPDATE accounts
		SET name = $2, notes = $3, manual_balance = $4, currency = $5,
		    account_type = $6, institution = $7, updated_at = $8
		WHERE id = $1 AND removed_at IS NULL
	`

	n, err := r.db.execAffected(ctx, query,
		a.ID, a.Name, a.Notes, a.ManualBalance, a.Currency, a.Type, a.Institution, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, from, to account.Status, syncedAt *time.Time) error {
	query := `
		UPDATE accounts
		SET status = $3, last_synced_at = COALESCE($4, last_synced_at), updated_at = NOW()
		WHERE id = $1 AND status = $2 AND removed_at IS NULL
	`

	n, err := r.db.execAffected(ctx, query, id, from, to, syncedAt)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return account.ErrStatusConflict
}

func (r *AccountRepository) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	n, err := r.db.execAffected(ctx,
		`UPDATE accounts SET removed_at = $2, updated_at = $2 WHERE id = $1 AND removed_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to remove account: %w", err)
	}
	if n == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

func (r *AccountRepository) ListUserIDsWithLinkedAccounts(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT user_id
		FROM accounts
		WHERE integration = $1 AND status <> $2 AND removed_at IS NULL
		ORDER BY user_id
	`

	rows, err := r.db.QueryContext(ctx, query, account.IntegrationProviderLinked, account.StatusDisconnected)
	if err != nil {
		return nil, fmt.Errorf("failed to list linked users: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

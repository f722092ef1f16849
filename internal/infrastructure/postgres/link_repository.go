package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/link"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

type LinkSessionRepository struct {
	db *DB
}

var _ link.Repository = (*LinkSessionRepository)(nil)

func NewLinkSessionRepository(db *DB) *LinkSessionRepository {
	return &LinkSessionRepository{db: db}
}

func (r *LinkSessionRepository) Create(ctx context.Context, s *link.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_sessions (token, user_id, created_at, expires_at) VALUES ($1, $2, $3, $4)`,
		s.Token, s.UserID, s.CreatedAt, s.ExpiresAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return link.ErrDuplicateToken
	}
	if err != nil {
		return fmt.Errorf("failed to create link session: %w", err)
	}
	return nil
}

func (r *LinkSessionRepository) Get(ctx context.Context, token string) (*link.Session, error) {
	query := `
		SELECT token, user_id, created_at, expires_at, claimed_at, consumed_at, credential_hash, account_ids
		FROM link_sessions
		WHERE token = $1
	`

	var (
		s          link.Session
		claimedAt  sql.NullTime
		consumedAt sql.NullTime
		credHash   sql.NullString
		accountIDs pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, query, token).Scan(
		&s.Token, &s.UserID, &s.CreatedAt, &s.ExpiresAt, &claimedAt, &consumedAt, &credHash, &accountIDs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, link.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get link session: %w", err)
	}

	if claimedAt.Valid {
		s.ClaimedAt = &claimedAt.Time
	}
	if consumedAt.Valid {
		s.ConsumedAt = &consumedAt.Time
	}
	s.CredentialHash = credHash.String
	s.AccountIDs = []string(accountIDs)
	return &s, nil
}

// Claim is a conditional UPDATE so concurrent exchanges race in the database.
func (r *LinkSessionRepository) Claim(ctx context.Context, token, credentialHash string, now, staleBefore time.Time) (bool, error) {
	query := `
		UPDATE link_sessions
		SET claimed_at = $3, credential_hash = $2
		WHERE token = $1
		  AND consumed_at IS NULL
		  AND expires_at > $3
		  AND (claimed_at IS NULL OR claimed_at < $4)
	`

	n, err := r.db.execAffected(ctx, query, token, credentialHash, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to claim link session: %w", err)
	}
	if n == 1 {
		return true, nil
	}
	if err := r.exists(ctx, token); err != nil {
		return false, err
	}
	return false, nil
}

func (r *LinkSessionRepository) Release(ctx context.Context, token string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE link_sessions SET claimed_at = NULL, credential_hash = NULL WHERE token = $1 AND consumed_at IS NULL`,
		token,
	); err != nil {
		return fmt.Errorf("failed to release link session: %w", err)
	}
	return r.exists(ctx, token)
}

func (r *LinkSessionRepository) Complete(ctx context.Context, token string, accountIDs []string, at time.Time) error {
	n, err := r.db.execAffected(ctx,
		`UPDATE link_sessions SET consumed_at = $2, account_ids = $3 WHERE token = $1`,
		token, at, pq.Array(accountIDs),
	)
	if err != nil {
		return fmt.Errorf("failed to complete link session: %w", err)
	}
	if n == 0 {
		return link.ErrSessionNotFound
	}
	return nil
}

func (r *LinkSessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := r.db.execAffected(ctx,
		`DELETE FROM link_sessions WHERE consumed_at IS NULL AND expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired link sessions: %w", err)
	}
	return int(n), nil
}

func (r *LinkSessionRepository) exists(ctx context.Context, token string) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM link_sessions WHERE token = $1`, token).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return link.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check link session: %w", err)
	}
	return nil
}

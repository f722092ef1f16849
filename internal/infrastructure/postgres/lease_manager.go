package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"finlink/internal/domain/openfinance"
)

// LeaseManager hands out sync leases shared by every process using the
// database. Expiry is judged by the database clock.
type LeaseManager struct {
	db *DB
}

var _ openfinance.Leaser = (*LeaseManager)(nil)

func NewLeaseManager(db *DB) *LeaseManager {
	return &LeaseManager{db: db}
}

func (m *LeaseManager) TryAcquire(ctx context.Context, accountID string, ttl time.Duration) (openfinance.Lease, error) {
	query := `
		INSERT INTO sync_leases (account_id, holder, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (account_id) DO UPDATE
			SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
			WHERE sync_leases.expires_at <= NOW()
		RETURNING holder
	`

	holder := uuid.NewString()
	var got string
	err := m.db.QueryRowContext(ctx, query, accountID, holder, ttl.Seconds()).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, openfinance.ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	return &lease{db: m.db, accountID: accountID, holder: holder}, nil
}

type lease struct {
	db        *DB
	accountID string
	holder    string
	once      sync.Once
	err       error
}

// Release deletes the lease only while this holder still owns it.
func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if _, err := l.db.ExecContext(ctx,
			`DELETE FROM sync_leases WHERE account_id = $1 AND holder = $2`,
			l.accountID, l.holder,
		); err != nil {
			l.err = fmt.Errorf("failed to release sync lease: %w", err)
		}
	})
	return l.err
}

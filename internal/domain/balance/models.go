// Package balance keeps the latest observed balance of each account.
package balance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"finlink/internal/shared/apperr"
)

var (
	ErrNoSnapshot          = apperr.New(apperr.ErrNotFound, "no balance snapshot")
	ErrAccountDisconnected = apperr.New(apperr.ErrConflict, "account is disconnected")
)

// Snapshot is the live balance of one account. FetchedAt is local time of
// the fetch and drives staleness; ObservedAt is what the provider reported.
type Snapshot struct {
	AccountID   string              `json:"accountId"`
	Current     decimal.Decimal     `json:"current"`
	Available   decimal.NullDecimal `json:"available"`
	Currency    string              `json:"currency"`
	ObservedAt  time.Time           `json:"observedAt"`
	FetchedAt   time.Time           `json:"fetchedAt"`
	Invalidated bool                `json:"-"`
}

// Age returns how long ago the snapshot was fetched.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Fresh reports whether the snapshot can be served without a fetch. A
// non-positive maxStaleness means nothing is fresh.
func (s *Snapshot) Fresh(now time.Time, maxStaleness time.Duration) bool {
	return !s.Invalidated && maxStaleness > 0 && s.Age(now) <= maxStaleness
}

// Reading is the result of a best-effort balance read. Warning carries a
// fetch failure when Snapshot is stale or missing.
type Reading struct {
	Snapshot *Snapshot `json:"snapshot"`
	Stale    bool      `json:"stale"`
	Warning  error     `json:"-"`
}

type Repository interface {
	// Get returns ErrNoSnapshot when the account has never been fetched.
	Get(ctx context.Context, accountID string) (*Snapshot, error)

	// Put replaces the account's snapshot and clears invalidation.
	Put(ctx context.Context, s *Snapshot) error

	// Invalidate forces the next read to fetch. Missing snapshots are ignored.
	Invalidate(ctx context.Context, accountID string) error
}

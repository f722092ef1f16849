// Package openfinance coordinates account synchronization against the
// upstream provider.
package openfinance

import (
	"context"
	"time"

	"finlink/internal/shared/apperr"
)

var (
	ErrSyncInProgress      = apperr.New(apperr.ErrConflict, "sync already in progress")
	ErrManualAccount       = apperr.New(apperr.ErrValidation, "manual accounts are not synced")
	ErrAccountDisconnected = apperr.New(apperr.ErrConflict, "account is disconnected")
	ErrLeaseHeld           = apperr.New(apperr.ErrConflict, "lease held by another worker")
)

type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomePartial    Outcome = "partial"
	OutcomeFailed     Outcome = "failed"
	OutcomeInProgress Outcome = "in_progress"
	// OutcomeSkipped is used by bulk refresh for accounts it never started.
	OutcomeSkipped Outcome = "skipped"
)

// Error kinds reported on a SyncResult besides the provider kinds.
const (
	ErrorKindInternal  = "internal"
	ErrorKindCancelled = "cancelled"
)

// SyncResult describes one refresh attempt of one account.
type SyncResult struct {
	AccountID           string    `json:"accountId"`
	StartedAt           time.Time `json:"startedAt"`
	FinishedAt          time.Time `json:"finishedAt"`
	Outcome             Outcome   `json:"outcome"`
	TransactionsAdded   int       `json:"transactionsAdded"`
	TransactionsAmended int       `json:"transactionsAmended"`
	TransactionsRemoved int       `json:"transactionsRemoved"`
	BalanceUpdated      bool      `json:"balanceUpdated"`
	ErrorKind           string    `json:"errorKind,omitempty"`
	Error               string    `json:"error,omitempty"`
}

// BulkSyncResult aggregates a refresh-all run. Partial results count as
// updated; accounts leased elsewhere or never started count as skipped.
type BulkSyncResult struct {
	UserID          int64        `json:"userId"`
	AccountsUpdated int          `json:"accountsUpdated"`
	AccountsFailed  int          `json:"accountsFailed"`
	AccountsSkipped int          `json:"accountsSkipped"`
	Results         []SyncResult `json:"results"`
}

func (b *BulkSyncResult) add(r SyncResult) {
	switch r.Outcome {
	case OutcomeSuccess, OutcomePartial:
		b.AccountsUpdated++
	case OutcomeFailed:
		b.AccountsFailed++
	default:
		b.AccountsSkipped++
	}
	b.Results = append(b.Results, r)
}

// Lease is exclusive, time-bounded ownership of one account's sync.
type Lease interface {
	Release(ctx context.Context) error
}

// Leaser hands out per-account leases. TryAcquire never blocks on a held
// lease; it returns ErrLeaseHeld instead. An expired lease may be taken.
type Leaser interface {
	TryAcquire(ctx context.Context, accountID string, ttl time.Duration) (Lease, error)
}

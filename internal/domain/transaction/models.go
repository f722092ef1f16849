// Package transaction stores provider and manual transactions at most once
// per dedup key.
package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finlink/internal/domain/provider"
	"finlink/internal/shared/apperr"
)

type Source string

const (
	SourceProvider Source = "provider"
	SourceManual   Source = "manual"
)

type State string

const (
	StateActive  State = "active"
	StateRemoved State = "removed"
)

var (
	ErrTransactionNotFound  = apperr.New(apperr.ErrNotFound, "transaction not found")
	ErrInvalidInput         = apperr.New(apperr.ErrValidation, "invalid transaction")
	ErrMissingIdempotency   = apperr.New(apperr.ErrValidation, "idempotency key is required")
	ErrIdempotencyKeyReused = apperr.New(apperr.ErrConflict, "idempotency key was used with a different transaction")
)

type Transaction struct {
	ID          string          `json:"id"`
	AccountID   string          `json:"accountId"`
	DedupKey    string          `json:"-"`
	Source      Source          `json:"source"`
	ProviderID  string          `json:"providerId,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	PostedAt    time.Time       `json:"postedAt"`
	Checksum    string          `json:"-"`
	State       State           `json:"state"`
	RemovedAt   *time.Time      `json:"removedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IngestResult counts what one ingest pass did. Added is the number of
// newly stored transactions; amendments and tombstones are not included.
type IngestResult struct {
	Added     int `json:"added"`
	Amended   int `json:"amended"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

// ManualParams describes a user-entered transaction.
type ManualParams struct {
	AccountID      string
	IdempotencyKey string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	Category       string
	PostedAt       time.Time
}

func (p ManualParams) Validate() error {
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		return ErrMissingIdempotency
	}
	if p.AccountID == "" || len(p.Currency) != 3 || p.PostedAt.IsZero() {
		return ErrInvalidInput
	}
	if strings.TrimSpace(p.Description) == "" {
		return ErrInvalidInput
	}
	return nil
}

type Repository interface {
	// GetByDedupKeys returns stored transactions of the account, tombstones
	// included, keyed by dedup key.
	GetByDedupKeys(ctx context.Context, accountID string, keys []string) (map[string]*Transaction, error)

	// Insert stores t unless (account, dedup key) already exists and
	// reports whether it was inserted.
	Insert(ctx context.Context, t *Transaction) (bool, error)

	// Amend overwrites the provider fields and state of a stored transaction.
	Amend(ctx context.Context, t *Transaction) error

	// Tombstone marks a stored transaction removed.
	Tombstone(ctx context.Context, id string, at time.Time) error

	// ListByAccount returns active transactions, newest first.
	ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
}

func ProviderKey(providerID string) string {
	return "provider:" + providerID
}

func ManualKey(idempotencyKey string) string {
	return "manual:" + idempotencyKey
}

// Checksum hashes the canonical provider-visible fields of a transaction.
func Checksum(amount decimal.Decimal, currency, description, category string, postedAt time.Time) string {
	h := sha256.New()
	for _, part := range []string{
		amount.String(),
		strings.ToUpper(currency),
		description,
		category,
		postedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func providerChecksum(p provider.Transaction) string {
	return Checksum(p.Amount, p.Currency, p.Description, p.Category, p.PostedAt)
}

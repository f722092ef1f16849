package transaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"finlink/internal/domain/provider"
)

// Deduper maps provider and manual transactions onto stored records so
// that each dedup key is stored at most once.
type Deduper struct {
	repo Repository
	now  func() time.Time
}

func NewDeduper(repo Repository) *Deduper {
	return &Deduper{repo: repo, now: time.Now}
}

// Ingest applies a provider batch to the account's stored transactions.
// New keys are inserted, changed checksums amend in place, and provider
// removals become tombstones. Re-ingesting a batch changes nothing.
// Callers must hold the account's sync lease.
func (d *Deduper) Ingest(ctx context.Context, accountID string, batch []provider.Transaction) (IngestResult, error) {
	var res IngestResult
	if len(batch) == 0 {
		return res, nil
	}

	keys := make([]string, 0, len(batch))
	for _, p := range batch {
		keys = append(keys, ProviderKey(p.ID))
	}

	stored, err := d.repo.GetByDedupKeys(ctx, accountID, keys)
	if err != nil {
		return res, fmt.Errorf("failed to load stored transactions: %w", err)
	}

	for _, p := range batch {
		if p.ID == "" {
			zap.L().Warn("skipping provider transaction without id", zap.String("account_id", accountID))
			continue
		}

		key := ProviderKey(p.ID)
		existing := stored[key]
		now := d.now().UTC()

		switch {
		case p.Removed:
			if existing == nil || existing.State == StateRemoved {
				res.Unchanged++
				continue
			}
			if err := d.repo.Tombstone(ctx, existing.ID, now); err != nil {
				return res, fmt.Errorf("failed to tombstone transaction: %w", err)
			}
			existing.State = StateRemoved
			existing.RemovedAt = &now
			res.Removed++

		case existing == nil:
			t := fromProvider(accountID, p, now)
			inserted, err := d.repo.Insert(ctx, t)
			if err != nil {
				return res, fmt.Errorf("failed to insert transaction: %w", err)
			}
			if inserted {
				res.Added++
			} else {
				res.Unchanged++
			}
			stored[key] = t

		default:
			checksum := providerChecksum(p)
			if existing.Checksum == checksum && existing.State == StateActive {
				res.Unchanged++
				continue
			}
			existing.Amount = p.Amount
			existing.Currency = strings.ToUpper(p.Currency)
			existing.Description = p.Description
			existing.Category = p.Category
			existing.PostedAt = p.PostedAt.UTC()
			existing.Checksum = checksum
			existing.State = StateActive
			existing.RemovedAt = nil
			existing.UpdatedAt = now
			if err := d.repo.Amend(ctx, existing); err != nil {
				return res, fmt.Errorf("failed to amend transaction: %w", err)
			}
			res.Amended++
		}
	}

	zap.L().Debug("transactions ingested",
		zap.String("account_id", accountID),
		zap.Int("added", res.Added),
		zap.Int("amended", res.Amended),
		zap.Int("removed", res.Removed),
		zap.Int("unchanged", res.Unchanged),
	)
	return res, nil
}

// AddManual stores a user-entered transaction once per idempotency key.
// A repeated key with the same content returns the stored transaction and
// created=false; with different content it fails.
func (d *Deduper) AddManual(ctx context.Context, params ManualParams) (*Transaction, bool, error) {
	params.Currency = strings.ToUpper(params.Currency)
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	key := ManualKey(params.IdempotencyKey)
	checksum := Checksum(params.Amount, params.Currency, params.Description, params.Category, params.PostedAt)

	existing, err := d.getByKey(ctx, params.AccountID, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.Checksum != checksum {
			return nil, false, ErrIdempotencyKeyReused
		}
		return existing, false, nil
	}

	now := d.now().UTC()
	t := &Transaction{
		ID:          uuid.NewString(),
		AccountID:   params.AccountID,
		DedupKey:    key,
		Source:      SourceManual,
		Amount:      params.Amount,
		Currency:    params.Currency,
		Description: params.Description,
		Category:    params.Category,
		PostedAt:    params.PostedAt.UTC(),
		Checksum:    checksum,
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	inserted, err := d.repo.Insert(ctx, t)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if !inserted {
		// Lost a race with a concurrent request carrying the same key.
		existing, err := d.getByKey(ctx, params.AccountID, key)
		if err != nil {
			return nil, false, err
		}
		if existing == nil || existing.Checksum != checksum {
			return nil, false, ErrIdempotencyKeyReused
		}
		return existing, false, nil
	}
	return t, true, nil
}

// List returns the account's active transactions, newest first.
func (d *Deduper) List(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return d.repo.ListByAccount(ctx, accountID, limit, offset)
}

func (d *Deduper) getByKey(ctx context.Context, accountID, key string) (*Transaction, error) {
	found, err := d.repo.GetByDedupKeys(ctx, accountID, []string{key})
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return found[key], nil
}

func fromProvider(accountID string, p provider.Transaction, now time.Time) *Transaction {
	return &Transaction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		DedupKey:    ProviderKey(p.ID),
		Source:      SourceProvider,
		ProviderID:  p.ID,
		Amount:      p.Amount,
		Currency:    strings.ToUpper(p.Currency),
		Description: p.Description,
		Category:    p.Category,
		PostedAt:    p.PostedAt.UTC(),
		Checksum:    providerChecksum(p),
		State:       StateActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

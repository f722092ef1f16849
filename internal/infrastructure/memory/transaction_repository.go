package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"finlink/internal/domain/transaction"
)

type txnKey struct {
	accountID string
	dedupKey  string
}

type TransactionRepository struct {
	mu    sync.RWMutex
	byKey map[txnKey]*transaction.Transaction
	byID  map[string]*transaction.Transaction
}

var _ transaction.Repository = (*TransactionRepository)(nil)

func NewTransactionRepository() *TransactionRepository {
	return &TransactionRepository{
		byKey: make(map[txnKey]*transaction.Transaction),
		byID:  make(map[string]*transaction.Transaction),
	}
}

func (r *TransactionRepository) GetByDedupKeys(ctx context.Context, accountID string, keys []string) (map[string]*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*transaction.Transaction, len(keys))
	for _, k := range keys {
		if t, ok := r.byKey[txnKey{accountID, k}]; ok {
			out[k] = cloneTransaction(t)
		}
	}
	return out, nil
}

func (r *TransactionRepository) Insert(ctx context.Context, t *transaction.Transaction) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := txnKey{t.AccountID, t.DedupKey}
	if _, ok := r.byKey[k]; ok {
		return false, nil
	}
	stored := cloneTransaction(t)
	r.byKey[k] = stored
	r.byID[stored.ID] = stored
	return true, nil
}

func (r *TransactionRepository) Amend(ctx context.Context, t *transaction.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[t.ID]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	stored.Amount = t.Amount
	stored.Currency = t.Currency
	stored.Description = t.Description
	stored.Category = t.Category
	stored.PostedAt = t.PostedAt
	stored.Checksum = t.Checksum
	stored.State = t.State
	stored.RemovedAt = t.RemovedAt
	stored.UpdatedAt = t.UpdatedAt
	return nil
}

func (r *TransactionRepository) Tombstone(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[id]
	if !ok {
		return transaction.ErrTransactionNotFound
	}
	stored.State = transaction.StateRemoved
	stored.RemovedAt = &at
	stored.UpdatedAt = at
	return nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, limit, offset int) ([]*transaction.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*transaction.Transaction
	for _, t := range r.byID {
		if t.AccountID == accountID && t.State == transaction.StateActive {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})

	if offset >= len(out) {
		return []*transaction.Transaction{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored transactions of the account,
// tombstones included.
func (r *TransactionRepository) Count(accountID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, t := range r.byID {
		if t.AccountID == accountID {
			n++
		}
	}
	return n
}

func cloneTransaction(t *transaction.Transaction) *transaction.Transaction {
	c := *t
	if t.RemovedAt != nil {
		at := *t.RemovedAt
		c.RemovedAt = &at
	}
	return &c
}

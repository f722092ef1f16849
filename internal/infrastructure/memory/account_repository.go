// Package memory provides in-process implementations of the domain
// repositories and the sync lease manager. State lives for the lifetime of
// the process.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"finlink/internal/domain/account"
)

type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]*account.Account
}

var _ account.Repository = (*AccountRepository)(nil)

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[string]*account.Account)}
}

func (r *AccountRepository) CreateIfNotExists(ctx context.Context, a *account.Account) (*account.Account, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.accounts[a.ID]; ok {
		return cloneAccount(existing), false, nil
	}
	r.accounts[a.ID] = cloneAccount(a)
	return cloneAccount(a), true, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, id string) (*account.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok || a.RemovedAt != nil {
		return nil, account.ErrAccountNotFound
	}
	return cloneAccount(a), nil
}

func (r *AccountRepository) ListByUserID(ctx context.Context, userID int64) ([]*account.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*account.Account
	for _, a := range r.accounts {
		if a.UserID == userID && a.RemovedAt == nil {
			out = append(out, cloneAccount(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *AccountRepository) Update(ctx context.Context, a *account.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[a.ID]
	if !ok || stored.RemovedAt != nil {
		return account.ErrAccountNotFound
	}
	stored.Name = a.Name
	stored.Notes = a.Notes
	stored.ManualBalance = a.ManualBalance
	stored.Currency = a.Currency
	stored.Type = a.Type
	stored.Institution = a.Institution
	stored.UpdatedAt = a.UpdatedAt
	return nil
}

func (r *AccountRepository) UpdateStatus(ctx context.Context, id string, from, to account.Status, syncedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[id]
	if !ok || stored.RemovedAt != nil {
		return account.ErrAccountNotFound
	}
	if stored.Status != from {
		return account.ErrStatusConflict
	}
	stored.Status = to
	if syncedAt != nil {
		t := *syncedAt
		stored.LastSyncedAt = &t
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *AccountRepository) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[id]
	if !ok || stored.RemovedAt != nil {
		return account.ErrAccountNotFound
	}
	stored.RemovedAt = &at
	stored.UpdatedAt = at
	return nil
}

func (r *AccountRepository) ListUserIDsWithLinkedAccounts(ctx context.Context) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[int64]struct{})
	var ids []int64
	for _, a := range r.accounts {
		if a.RemovedAt != nil || !a.Syncable() {
			continue
		}
		if _, ok := seen[a.UserID]; !ok {
			seen[a.UserID] = struct{}{}
			ids = append(ids, a.UserID)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func cloneAccount(a *account.Account) *account.Account {
	c := *a
	if a.LastSyncedAt != nil {
		t := *a.LastSyncedAt
		c.LastSyncedAt = &t
	}
	if a.RemovedAt != nil {
		t := *a.RemovedAt
		c.RemovedAt = &t
	}
	return &c
}

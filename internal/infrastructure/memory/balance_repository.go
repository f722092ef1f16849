package memory

import (
	"context"
	"sync"

	"finlink/internal/domain/balance"
)

type BalanceRepository struct {
	mu        sync.RWMutex
	snapshots map[string]balance.Snapshot
}

var _ balance.Repository = (*BalanceRepository)(nil)

func NewBalanceRepository() *BalanceRepository {
	return &BalanceRepository{snapshots: make(map[string]balance.Snapshot)}
}

func (r *BalanceRepository) Get(ctx context.Context, accountID string) (*balance.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.snapshots[accountID]
	if !ok {
		return nil, balance.ErrNoSnapshot
	}
	return &s, nil
}

func (r *BalanceRepository) Put(ctx context.Context, s *balance.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *s
	stored.Invalidated = false
	r.snapshots[s.AccountID] = stored
	return nil
}

func (r *BalanceRepository) Invalidate(ctx context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.snapshots[accountID]; ok {
		s.Invalidated = true
		r.snapshots[accountID] = s
	}
	return nil
}

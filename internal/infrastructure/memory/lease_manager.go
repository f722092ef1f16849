package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"finlink/internal/domain/openfinance"
)

type leaseEntry struct {
	holder    string
	expiresAt time.Time
}

// LeaseManager hands out per-account sync leases within one process.
type LeaseManager struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	now    func() time.Time
}

var _ openfinance.Leaser = (*LeaseManager)(nil)

func NewLeaseManager() *LeaseManager {
	return &LeaseManager{leases: make(map[string]leaseEntry), now: time.Now}
}

func (m *LeaseManager) TryAcquire(ctx context.Context, accountID string, ttl time.Duration) (openfinance.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.leases[accountID]; ok && now.Before(e.expiresAt) {
		return nil, openfinance.ErrLeaseHeld
	}

	holder := uuid.NewString()
	m.leases[accountID] = leaseEntry{holder: holder, expiresAt: now.Add(ttl)}
	return &lease{manager: m, accountID: accountID, holder: holder}, nil
}

// Held reports whether an unexpired lease exists for the account.
func (m *LeaseManager) Held(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.leases[accountID]
	return ok && m.now().Before(e.expiresAt)
}

func (m *LeaseManager) release(accountID, holder string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A lease that expired and was taken over belongs to someone else.
	if e, ok := m.leases[accountID]; ok && e.holder == holder {
		delete(m.leases, accountID)
	}
}

type lease struct {
	manager   *LeaseManager
	accountID string
	holder    string
	once      sync.Once
}

func (l *lease) Release(ctx context.Context) error {
	l.once.Do(func() { l.manager.release(l.accountID, l.holder) })
	return nil
}

package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/link"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/transaction"
)

func TestLeaseManager_Exclusive(t *testing.T) {
	m := NewLeaseManager()
	ctx := context.Background()

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.TryAcquire(ctx, "acc-1", time.Minute); err == nil {
				acquired.Add(1)
			} else {
				assert.ErrorIs(t, err, openfinance.ErrLeaseHeld)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load())
	assert.True(t, m.Held("acc-1"))

	// Other accounts are independent.
	_, err := m.TryAcquire(ctx, "acc-2", time.Minute)
	assert.NoError(t, err)
}

func TestLeaseManager_ReleaseAndExpiry(t *testing.T) {
	m := NewLeaseManager()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	first, err := m.TryAcquire(ctx, "acc-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, first.Release(ctx))
	assert.False(t, m.Held("acc-1"))

	first, err = m.TryAcquire(ctx, "acc-1", time.Minute)
	require.NoError(t, err)

	// Expired leases can be taken over.
	now = now.Add(2 * time.Minute)
	second, err := m.TryAcquire(ctx, "acc-1", time.Minute)
	require.NoError(t, err)

	// The expired holder's release must not drop the new lease.
	require.NoError(t, first.Release(ctx))
	assert.True(t, m.Held("acc-1"))

	require.NoError(t, second.Release(ctx))
	assert.False(t, m.Held("acc-1"))
}

func TestLeaseManager_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLeaseManager().TryAcquire(ctx, "acc-1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAccountRepository_UpdateStatusCAS(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	_, created, err := r.CreateIfNotExists(ctx, &account.Account{
		ID: "acc-1", UserID: 1, Integration: account.IntegrationProviderLinked, Status: account.StatusActive,
	})
	require.NoError(t, err)
	require.True(t, created)

	_, created, err = r.CreateIfNotExists(ctx, &account.Account{ID: "acc-1", UserID: 2})
	require.NoError(t, err)
	assert.False(t, created)

	synced := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.UpdateStatus(ctx, "acc-1", account.StatusActive, account.StatusError, nil))
	assert.ErrorIs(t, r.UpdateStatus(ctx, "acc-1", account.StatusActive, account.StatusError, nil), account.ErrStatusConflict)
	require.NoError(t, r.UpdateStatus(ctx, "acc-1", account.StatusError, account.StatusActive, &synced))

	got, err := r.GetByID(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, account.StatusActive, got.Status)
	assert.Equal(t, int64(1), got.UserID)
	require.NotNil(t, got.LastSyncedAt)
	assert.True(t, synced.Equal(*got.LastSyncedAt))

	// Returned values are copies.
	got.Name = "mutated"
	again, _ := r.GetByID(ctx, "acc-1")
	assert.Empty(t, again.Name)
}

func TestAccountRepository_MarkRemoved(t *testing.T) {
	r := NewAccountRepository()
	ctx := context.Background()

	_, _, err := r.CreateIfNotExists(ctx, &account.Account{ID: "m", UserID: 1, Integration: account.IntegrationManual})
	require.NoError(t, err)
	_, _, err = r.CreateIfNotExists(ctx, &account.Account{
		ID: "l", UserID: 2, Integration: account.IntegrationProviderLinked, Status: account.StatusActive,
	})
	require.NoError(t, err)

	require.NoError(t, r.MarkRemoved(ctx, "m", time.Now()))

	_, err = r.GetByID(ctx, "m")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)

	list, err := r.ListByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, list)

	ids, err := r.ListUserIDsWithLinkedAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestLinkSessionRepository_Claim(t *testing.T) {
	r := NewLinkSessionRepository()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Create(ctx, &link.Session{Token: "tok", UserID: 1, CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
	assert.ErrorIs(t, r.Create(ctx, &link.Session{Token: "tok"}), link.ErrDuplicateToken)

	won, err := r.Claim(ctx, "tok", "hash-a", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = r.Claim(ctx, "tok", "hash-b", now.Add(10*time.Second), now.Add(10*time.Second-time.Minute))
	require.NoError(t, err)
	assert.False(t, won, "fresh claim must not be taken over")

	later := now.Add(5 * time.Minute)
	won, err = r.Claim(ctx, "tok", "hash-c", later, later.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, won, "stale claim can be taken over")

	require.NoError(t, r.Complete(ctx, "tok", []string{"a", "b"}, later))
	s, err := r.Get(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, s.Consumed())
	assert.Equal(t, "hash-c", s.CredentialHash)
	assert.Equal(t, []string{"a", "b"}, s.AccountIDs)

	won, err = r.Claim(ctx, "tok", "hash-d", later, later)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestLinkSessionRepository_DeleteExpired(t *testing.T) {
	r := NewLinkSessionRepository()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, r.Create(ctx, &link.Session{Token: "live", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, r.Create(ctx, &link.Session{Token: "dead", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, r.Create(ctx, &link.Session{Token: "used", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, r.Complete(ctx, "used", []string{"a"}, now.Add(-2*time.Hour)))

	n, err := r.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.Get(ctx, "dead")
	assert.ErrorIs(t, err, link.ErrSessionNotFound)
	_, err = r.Get(ctx, "used")
	assert.NoError(t, err)
}

func TestBalanceRepository(t *testing.T) {
	r := NewBalanceRepository()
	ctx := context.Background()

	_, err := r.Get(ctx, "acc-1")
	assert.ErrorIs(t, err, balance.ErrNoSnapshot)

	require.NoError(t, r.Invalidate(ctx, "acc-1"))
	require.NoError(t, r.Put(ctx, &balance.Snapshot{AccountID: "acc-1", Current: decimal.NewFromInt(10)}))
	require.NoError(t, r.Invalidate(ctx, "acc-1"))

	s, err := r.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.True(t, s.Invalidated)

	require.NoError(t, r.Put(ctx, &balance.Snapshot{AccountID: "acc-1", Current: decimal.NewFromInt(12)}))
	s, err = r.Get(ctx, "acc-1")
	require.NoError(t, err)
	assert.False(t, s.Invalidated)
	assert.Equal(t, "12", s.Current.String())
}

func TestTransactionRepository_InsertAndList(t *testing.T) {
	r := NewTransactionRepository()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"t1", "t2", "t3"} {
		inserted, err := r.Insert(ctx, &transaction.Transaction{
			ID: id, AccountID: "acc-1", DedupKey: transaction.ProviderKey(id),
			PostedAt: base.Add(time.Duration(i) * time.Hour), State: transaction.StateActive,
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	inserted, err := r.Insert(ctx, &transaction.Transaction{ID: "dup", AccountID: "acc-1", DedupKey: transaction.ProviderKey("t1")})
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same key on another account is a different record.
	inserted, err = r.Insert(ctx, &transaction.Transaction{ID: "other", AccountID: "acc-2", DedupKey: transaction.ProviderKey("t1")})
	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, r.Tombstone(ctx, "t2", base))
	assert.Equal(t, 3, r.Count("acc-1"))

	list, err := r.ListByAccount(ctx, "acc-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t3", list[0].ID)
	assert.Equal(t, "t1", list[1].ID)

	list, err = r.ListByAccount(ctx, "acc-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	found, err := r.GetByDedupKeys(ctx, "acc-1", []string{transaction.ProviderKey("t2"), "provider:missing"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, transaction.StateRemoved, found[transaction.ProviderKey("t2")].State)
}

func TestDeviceTokenRepository(t *testing.T) {
	r := NewDeviceTokenRepository()
	ctx := context.Background()

	_, err := r.UpsertDeviceToken(ctx, notification.RegisterDeviceParams{UserID: 1, Token: "a", DeviceType: "ios"})
	require.NoError(t, err)
	_, err = r.UpsertDeviceToken(ctx, notification.RegisterDeviceParams{UserID: 1, Token: "b", DeviceType: "web"})
	require.NoError(t, err)

	// Re-registering moves the token to the new user.
	_, err = r.UpsertDeviceToken(ctx, notification.RegisterDeviceParams{UserID: 2, Token: "b", DeviceType: "web"})
	require.NoError(t, err)
	require.NoError(t, r.DeactivateToken(ctx, "a"))

	tokens, err := r.GetActiveTokensByUserID(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	tokens, err = r.GetActiveTokensByUserID(ctx, 2)
	require.NoError(t, err)
	require.Len(t, tokens, 1)
	assert.Equal(t, "b", tokens[0].Token)
}

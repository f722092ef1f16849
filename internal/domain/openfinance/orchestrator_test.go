package openfinance_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/link"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/provider"
	"finlink/internal/domain/transaction"
	"finlink/internal/infrastructure/memory"
	"finlink/internal/infrastructure/sandbox"
)

// scriptedConnector counts fetches, records fetch windows and can fail or
// block fetches per ref.
type scriptedConnector struct {
	*sandbox.Connector
	balanceCalls atomic.Int32
	txnCalls     atomic.Int32

	mu          sync.Mutex
	fetchErrs   map[string]error
	balanceErrs map[string]error
	sinces      []time.Time
	onBalance   func(ref string)
}

func newScriptedConnector() *scriptedConnector {
	return &scriptedConnector{
		Connector:   sandbox.NewConnector(),
		fetchErrs:   make(map[string]error),
		balanceErrs: make(map[string]error),
	}
}

func (c *scriptedConnector) FetchBalance(ctx context.Context, ref string) (*provider.Balance, error) {
	c.balanceCalls.Add(1)
	c.mu.Lock()
	err, hook := c.balanceErrs[ref], c.onBalance
	if fetchErr, ok := c.fetchErrs[ref]; ok {
		err = fetchErr
	}
	c.mu.Unlock()
	if hook != nil {
		hook(ref)
	}
	if err != nil {
		return nil, err
	}
	return c.Connector.FetchBalance(ctx, ref)
}

func (c *scriptedConnector) FetchTransactions(ctx context.Context, ref string, since time.Time) ([]provider.Transaction, error) {
	c.txnCalls.Add(1)
	c.mu.Lock()
	c.sinces = append(c.sinces, since)
	err := c.fetchErrs[ref]
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.Connector.FetchTransactions(ctx, ref, since)
}

// fail makes every fetch for ref return err until heal is called.
func (c *scriptedConnector) fail(ref string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchErrs[ref] = err
}

func (c *scriptedConnector) heal(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.fetchErrs, ref)
}

func (c *scriptedConnector) failBalance(ref string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balanceErrs[ref] = err
}

func (c *scriptedConnector) lastSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinces[len(c.sinces)-1]
}

type recordingNotifier struct {
	mu       sync.Mutex
	accounts []string
}

func (n *recordingNotifier) NotifyRelinkRequired(ctx context.Context, a *account.Account) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.accounts = append(n.accounts, a.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.accounts)
}

const fixtureOverlap = 72 * time.Hour

type fixture struct {
	orchestrator *openfinance.Orchestrator
	registry     *account.Registry
	links        *link.Manager
	cache        *balance.Cache
	transactions *memory.TransactionRepository
	leases       *memory.LeaseManager
	connector    *scriptedConnector
	notifier     *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := account.NewRegistry(memory.NewAccountRepository(), nil, nil, "USD")
	connector := newScriptedConnector()
	cache := balance.NewCache(memory.NewBalanceRepository(), registry, connector)
	registry.SetBalanceLookup(cache)

	txns := memory.NewTransactionRepository()
	leases := memory.NewLeaseManager()
	notifier := &recordingNotifier{}

	orch := openfinance.NewOrchestrator(
		registry, cache, transaction.NewDeduper(txns), connector, leases, notifier,
		openfinance.Options{
			MaxConcurrency: 3,
			MaxAttempts:    3,
			BaseBackoff:    time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
			SyncTimeout:    5 * time.Second,
			Overlap:        fixtureOverlap,
		},
	)
	cache.OnCredentialFailure(orch.ReportCredentialFailure)
	registry.SetSyncLocker(orch)

	links := link.NewManager(memory.NewLinkSessionRepository(), connector, registry, link.Options{HashCost: bcrypt.MinCost})

	return &fixture{
		orchestrator: orch,
		registry:     registry,
		links:        links,
		cache:        cache,
		transactions: txns,
		leases:       leases,
		connector:    connector,
		notifier:     notifier,
	}
}

// link creates accounts for the user through a full link exchange.
func (f *fixture) link(t *testing.T, userID int64, credential string) []*account.Account {
	t.Helper()
	ctx := context.Background()

	s, err := f.links.CreateSession(ctx, userID)
	require.NoError(t, err)
	res, err := f.links.Exchange(ctx, userID, s.Token, credential)
	require.NoError(t, err)
	return res.Accounts
}

func (f *fixture) status(t *testing.T, id string) account.Status {
	t.Helper()
	a, err := f.registry.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func TestRefreshAccount_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)

	assert.Equal(t, openfinance.OutcomeSuccess, res.Outcome)
	assert.True(t, res.BalanceUpdated)
	assert.Positive(t, res.TransactionsAdded)
	assert.Empty(t, res.ErrorKind)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	stored, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastSyncedAt)
	assert.True(t, res.StartedAt.Equal(*stored.LastSyncedAt))

	assert.False(t, f.leases.Held(a.ID), "lease released after sync")
}

func TestRefreshAccount_LeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	lease, err := f.leases.TryAcquire(ctx, a.ID, time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, false)
	assert.ErrorIs(t, err, openfinance.ErrSyncInProgress)
	require.NotNil(t, res)
	assert.Equal(t, openfinance.OutcomeInProgress, res.Outcome)
	assert.Zero(t, f.connector.balanceCalls.Load())
	assert.Zero(t, f.connector.txnCalls.Load())
}

func TestRefreshAccount_ConcurrentCallsAreExclusive(t *testing.T) {
	f := newFixture(t)
	a := f.link(t, 1, "user_good")[0]

	release := make(chan struct{})
	var once sync.Once
	entered := make(chan struct{})
	f.connector.onBalance = func(ref string) {
		once.Do(func() { close(entered) })
		<-release
	}

	done := make(chan *openfinance.SyncResult, 1)
	go func() {
		res, err := f.orchestrator.RefreshAccount(context.Background(), a.ID, true)
		assert.NoError(t, err)
		done <- res
	}()

	<-entered
	res, err := f.orchestrator.RefreshAccount(context.Background(), a.ID, true)
	assert.ErrorIs(t, err, openfinance.ErrSyncInProgress)
	assert.Equal(t, openfinance.OutcomeInProgress, res.Outcome)

	close(release)
	first := <-done
	assert.Equal(t, openfinance.OutcomeSuccess, first.Outcome)
	assert.Equal(t, int32(1), f.connector.balanceCalls.Load())
}

func TestRefreshAccount_CredentialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	f.connector.fail(a.ProviderRef, provider.CredentialError("fetch", errors.New("login required")))

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeFailed, res.Outcome)
	assert.Equal(t, string(provider.KindCredential), res.ErrorKind)
	assert.Equal(t, account.StatusError, f.status(t, a.ID))
	assert.Equal(t, 1, f.notifier.count())

	// Credential failures are not retried.
	assert.Equal(t, int32(1), f.connector.balanceCalls.Load())

	stored, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LastSyncedAt, "failures never advance the checkpoint")

	// Already in error: no second notification.
	_, err = f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.count())

	// A later successful sync clears the error.
	f.connector.heal(a.ProviderRef)
	res, err = f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeSuccess, res.Outcome)
	assert.Equal(t, account.StatusActive, f.status(t, a.ID))
}

func TestRefreshAccount_TransientFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	f.connector.fail(a.ProviderRef, provider.TransientError("fetch", errors.New("503")))

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeFailed, res.Outcome)
	assert.Equal(t, string(provider.KindTransient), res.ErrorKind)
	assert.NotEmpty(t, res.Error)

	assert.Equal(t, account.StatusActive, f.status(t, a.ID), "transient failures leave status alone")
	assert.Equal(t, int32(3), f.connector.balanceCalls.Load())
	assert.Equal(t, int32(3), f.connector.txnCalls.Load())
	assert.Zero(t, f.notifier.count())
	assert.Zero(t, f.transactions.Count(a.ID))
}

func TestRefreshAccount_FailureKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	require.Equal(t, openfinance.OutcomeSuccess, res.Outcome)

	synced, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, synced.LastSyncedAt)
	checkpoint := *synced.LastSyncedAt
	window := checkpoint.Add(-fixtureOverlap)

	f.connector.fail(a.ProviderRef, provider.TransientError("fetch", errors.New("503")))
	res, err = f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeFailed, res.Outcome)
	assert.True(t, window.Equal(f.connector.lastSince()), "failed attempt fetches from the checkpoint")

	failed, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, failed.LastSyncedAt)
	assert.True(t, checkpoint.Equal(*failed.LastSyncedAt), "checkpoint unchanged after failure")

	f.connector.heal(a.ProviderRef)
	res, err = f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeSuccess, res.Outcome)
	assert.True(t, window.Equal(f.connector.lastSince()), "retry re-fetches the same window")

	healed, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, healed.LastSyncedAt)
	assert.True(t, res.StartedAt.Equal(*healed.LastSyncedAt))
	assert.True(t, healed.LastSyncedAt.After(checkpoint))
}

func TestRefreshAccount_ProviderRemovalsTombstoneAndRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_reversal")[0]

	first, err := f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	require.Equal(t, openfinance.OutcomeSuccess, first.Outcome)
	require.Positive(t, first.TransactionsAdded)
	stored := f.transactions.Count(a.ID)

	listed := func() int {
		txns, err := f.transactions.ListByAccount(ctx, a.ID, 0, 0)
		require.NoError(t, err)
		return len(txns)
	}
	active := listed()

	second, err := f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeSuccess, second.Outcome)
	assert.Equal(t, 1, second.TransactionsRemoved)
	assert.Zero(t, second.TransactionsAdded)
	assert.Equal(t, stored, f.transactions.Count(a.ID), "removal keeps a tombstone")
	assert.Equal(t, active-1, listed())

	third, err := f.orchestrator.RefreshAccount(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, third.TransactionsAmended, "reported again, the record is restored")
	assert.Zero(t, third.TransactionsAdded)
	assert.Equal(t, stored, f.transactions.Count(a.ID))
	assert.Equal(t, active, listed())
}

func TestSoftDelete_WaitsForSyncLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	lease, err := f.leases.TryAcquire(ctx, a.ID, time.Minute)
	require.NoError(t, err)

	err = f.registry.SoftDelete(ctx, a.ID, 1)
	assert.ErrorIs(t, err, openfinance.ErrSyncInProgress)
	assert.Equal(t, account.StatusActive, f.status(t, a.ID))

	require.NoError(t, lease.Release(ctx))
	require.NoError(t, f.registry.SoftDelete(ctx, a.ID, 1))
	assert.Equal(t, account.StatusDisconnected, f.status(t, a.ID))
	assert.False(t, f.leases.Held(a.ID), "lease released after disconnect")
}

func TestRefreshAccount_RetriesRecover(t *testing.T) {
	f := newFixture(t)
	a := f.link(t, 1, "user_flaky")[0]

	res, err := f.orchestrator.RefreshAccount(context.Background(), a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(2), f.connector.balanceCalls.Load())
	assert.Equal(t, int32(2), f.connector.txnCalls.Load())
}

func TestRefreshAccount_Partial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	f.connector.failBalance(a.ProviderRef, provider.TransientError("fetch_balance", errors.New("503")))

	res, err := f.orchestrator.RefreshAccount(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, openfinance.OutcomePartial, res.Outcome)
	assert.False(t, res.BalanceUpdated)
	assert.Positive(t, res.TransactionsAdded)
	assert.Equal(t, string(provider.KindTransient), res.ErrorKind)

	stored, err := f.registry.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastSyncedAt)
	assert.Equal(t, account.StatusActive, stored.Status)
}

func TestRefreshAccount_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	manual, err := f.registry.CreateManual(ctx, account.ManualParams{
		UserID: 1, Name: "Cash", Type: account.TypeOther, Currency: "USD", Balance: decimal.NewFromInt(5),
	})
	require.NoError(t, err)
	_, err = f.orchestrator.RefreshAccount(ctx, manual.ID, false)
	assert.ErrorIs(t, err, openfinance.ErrManualAccount)

	linked := f.link(t, 1, "user_good")[0]
	require.NoError(t, f.registry.SoftDelete(ctx, linked.ID, 1))
	_, err = f.orchestrator.RefreshAccount(ctx, linked.ID, false)
	assert.ErrorIs(t, err, openfinance.ErrAccountDisconnected)

	_, err = f.orchestrator.RefreshAccount(ctx, "missing", false)
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestRefreshBalance_CredentialFailureMarksError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	f.connector.failBalance(a.ProviderRef, provider.CredentialError("fetch_balance", errors.New("login required")))

	r, err := f.orchestrator.RefreshBalance(ctx, a.ID, true)
	require.NoError(t, err)
	assert.True(t, r.Stale)
	assert.True(t, provider.IsCredential(r.Warning))

	assert.Equal(t, account.StatusError, f.status(t, a.ID))
	assert.Equal(t, 1, f.notifier.count())
}

func TestRefreshBalance_UsesCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.link(t, 1, "user_good")[0]

	_, err := f.orchestrator.RefreshBalance(ctx, a.ID, false)
	require.NoError(t, err)
	_, err = f.orchestrator.RefreshBalance(ctx, a.ID, false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.connector.balanceCalls.Load())

	_, err = f.orchestrator.RefreshBalance(ctx, a.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.connector.balanceCalls.Load())
}

func TestRefreshAll_PartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := f.link(t, 1, "user_accounts:5")

	broken := []string{accounts[1].ID, accounts[3].ID}
	for _, i := range []int{1, 3} {
		f.connector.fail(accounts[i].ProviderRef, provider.CredentialError("fetch", errors.New("login required")))
	}

	bulk, err := f.orchestrator.RefreshAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, bulk.AccountsUpdated)
	assert.Equal(t, 2, bulk.AccountsFailed)
	assert.Zero(t, bulk.AccountsSkipped)
	assert.Len(t, bulk.Results, 5)

	for _, id := range broken {
		assert.Equal(t, account.StatusError, f.status(t, id))
	}
	assert.Equal(t, 2, f.notifier.count())
}

func TestRefreshAll_SkipsUnsyncableAndLeased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	accounts := f.link(t, 1, "user_accounts:4")

	_, err := f.registry.CreateManual(ctx, account.ManualParams{
		UserID: 1, Name: "Cash", Type: account.TypeOther, Currency: "USD",
	})
	require.NoError(t, err)
	require.NoError(t, f.registry.SoftDelete(ctx, accounts[0].ID, 1))

	lease, err := f.leases.TryAcquire(ctx, accounts[1].ID, time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)

	bulk, err := f.orchestrator.RefreshAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, bulk.AccountsUpdated)
	assert.Equal(t, 1, bulk.AccountsSkipped)
	assert.Len(t, bulk.Results, 3)

	for _, r := range bulk.Results {
		if r.AccountID == accounts[1].ID {
			assert.Equal(t, openfinance.OutcomeInProgress, r.Outcome)
		}
	}
}

func TestRefreshAll_Cancelled(t *testing.T) {
	f := newFixture(t)
	f.link(t, 1, "user_accounts:3")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bulk, err := f.orchestrator.RefreshAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, bulk.AccountsSkipped)
	for _, r := range bulk.Results {
		assert.Equal(t, openfinance.OutcomeSkipped, r.Outcome)
		assert.Equal(t, openfinance.ErrorKindCancelled, r.ErrorKind)
	}
	assert.Zero(t, f.connector.balanceCalls.Load())
}

func TestRefreshAll_CancelLetsRunningSyncsFinish(t *testing.T) {
	registry := account.NewRegistry(memory.NewAccountRepository(), nil, nil, "USD")
	connector := newScriptedConnector()
	cache := balance.NewCache(memory.NewBalanceRepository(), registry, connector)
	leases := memory.NewLeaseManager()
	orch := openfinance.NewOrchestrator(
		registry, cache, transaction.NewDeduper(memory.NewTransactionRepository()), connector, leases, nil,
		openfinance.Options{MaxConcurrency: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	)
	links := link.NewManager(memory.NewLinkSessionRepository(), connector, registry, link.Options{HashCost: bcrypt.MinCost})

	ctx := context.Background()
	s, err := links.CreateSession(ctx, 1)
	require.NoError(t, err)
	_, err = links.Exchange(ctx, 1, s.Token, "user_accounts:3")
	require.NoError(t, err)

	bulkCtx, cancel := context.WithCancel(ctx)
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	connector.onBalance = func(ref string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan *openfinance.BulkSyncResult, 1)
	go func() {
		bulk, err := orch.RefreshAll(bulkCtx, 1)
		assert.NoError(t, err)
		done <- bulk
	}()

	<-entered
	cancel()
	close(release)
	bulk := <-done

	assert.Equal(t, 1, bulk.AccountsUpdated)
	assert.Equal(t, 2, bulk.AccountsSkipped)
	for _, r := range bulk.Results {
		assert.False(t, leases.Held(r.AccountID))
	}
}

func TestScenario_LinkRefreshAndBulkFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s, err := f.links.CreateSession(ctx, 1)
	require.NoError(t, err)
	assert.True(t, s.ExpiresAt.After(s.CreatedAt))
	assert.Equal(t, 4*time.Hour, s.ExpiresAt.Sub(s.CreatedAt))

	res, err := f.links.Exchange(ctx, 1, s.Token, "user_good")
	require.NoError(t, err)
	require.Len(t, res.Accounts, 3)
	for _, a := range res.Accounts {
		assert.Equal(t, account.StatusActive, a.Status)
	}

	first, err := f.orchestrator.RefreshAccount(ctx, res.Accounts[0].ID, false)
	require.NoError(t, err)
	assert.Positive(t, first.TransactionsAdded)

	second, err := f.orchestrator.RefreshAccount(ctx, res.Accounts[0].ID, false)
	require.NoError(t, err)
	assert.Zero(t, second.TransactionsAdded)

	more := f.link(t, 1, "user_accounts:2")
	all := append(res.Accounts, more...)
	require.Len(t, all, 5)

	failing := []*account.Account{all[2], all[4]}
	for _, a := range failing {
		f.connector.fail(a.ProviderRef, provider.CredentialError("fetch", errors.New("login required")))
	}

	bulk, err := f.orchestrator.RefreshAll(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, bulk.AccountsUpdated)
	assert.Equal(t, 2, bulk.AccountsFailed)

	for _, a := range failing {
		assert.Equal(t, account.StatusError, f.status(t, a.ID))
	}
}

package openfinance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/provider"
	"finlink/internal/domain/transaction"
)

var (
	syncTracer   = otel.Tracer("finlink/sync")
	syncMeter    = otel.Meter("finlink/sync")
	syncTotal, _ = syncMeter.Int64Counter("sync.account.total",
		metric.WithDescription("Account syncs by outcome"),
	)
	syncDuration, _ = syncMeter.Float64Histogram("sync.account.duration",
		metric.WithDescription("Account sync duration in seconds"),
		metric.WithUnit("s"),
	)
	syncTxnsAdded, _ = syncMeter.Int64Counter("sync.transactions.added",
		metric.WithDescription("Transactions newly stored by sync"),
	)
)

// AccountStore is the account registry surface used by sync.
type AccountStore interface {
	GetByID(ctx context.Context, id string) (*account.Account, error)
	ListByUser(ctx context.Context, userID int64) ([]*account.Account, error)
	SetStatus(ctx context.Context, id string, to account.Status) (*account.Account, error)
	RecordSyncSuccess(ctx context.Context, id string, syncedAt time.Time) error
}

// BalanceStore is the balance cache surface used by sync.
type BalanceStore interface {
	Load(ctx context.Context, accountID string, maxStaleness time.Duration, force bool) (*balance.Snapshot, error)
	Get(ctx context.Context, accountID string, maxStaleness time.Duration) (balance.Reading, error)
}

// Ingester stores fetched transactions.
type Ingester interface {
	Ingest(ctx context.Context, accountID string, batch []provider.Transaction) (transaction.IngestResult, error)
}

// Notifier is told when an account needs to be linked again.
type Notifier interface {
	NotifyRelinkRequired(ctx context.Context, a *account.Account) error
}

type Options struct {
	MaxConcurrency      int
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	SyncTimeout         time.Duration
	LeaseTTL            time.Duration
	BalanceMaxStaleness time.Duration
	InitialLookback     time.Duration
	Overlap             time.Duration
}

func (o *Options) setDefaults() {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Second
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 3 * time.Minute
	}
	if o.LeaseTTL <= o.SyncTimeout {
		o.LeaseTTL = o.SyncTimeout + time.Minute
	}
	if o.BalanceMaxStaleness <= 0 {
		o.BalanceMaxStaleness = 15 * time.Minute
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = 90 * 24 * time.Hour
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
}

// Orchestrator refreshes accounts one at a time or in bulk. At most one
// sync runs per account, enforced by the Leaser for both paths, and only
// the lease holder writes an account's status and checkpoint.
type Orchestrator struct {
	accounts  AccountStore
	balances  BalanceStore
	ingester  Ingester
	connector provider.Connector
	leaser    Leaser
	notifier  Notifier
	opts      Options
	now       func() time.Time
}

func NewOrchestrator(
	accounts AccountStore,
	balances BalanceStore,
	ingester Ingester,
	connector provider.Connector,
	leaser Leaser,
	notifier Notifier,
	opts Options,
) *Orchestrator {
	opts.setDefaults()
	return &Orchestrator{
		accounts:  accounts,
		balances:  balances,
		ingester:  ingester,
		connector: connector,
		leaser:    leaser,
		notifier:  notifier,
		opts:      opts,
		now:       time.Now,
	}
}

// RefreshAccount syncs one account's balance and transactions. If another
// sync holds the account it returns ErrSyncInProgress together with an
// in_progress result. Provider failures are reported in the result, not
// as an error.
func (o *Orchestrator) RefreshAccount(ctx context.Context, accountID string, force bool) (*SyncResult, error) {
	res := &SyncResult{AccountID: accountID, StartedAt: o.now().UTC()}

	a, err := o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.IsManual() {
		return nil, ErrManualAccount
	}
	if a.Status == account.StatusDisconnected {
		return nil, ErrAccountDisconnected
	}

	lease, err := o.leaser.TryAcquire(ctx, accountID, o.opts.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		res.Outcome = OutcomeInProgress
		res.FinishedAt = o.now().UTC()
		return res, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Error("failed to release sync lease", zap.String("account_id", accountID), zap.Error(err))
		}
	}()

	// Re-read under the lease: status may have changed while we waited.
	a, err = o.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status == account.StatusDisconnected {
		return nil, ErrAccountDisconnected
	}

	sctx, cancel := context.WithTimeout(ctx, o.opts.SyncTimeout)
	defer cancel()

	sctx, span := syncTracer.Start(sctx, "sync.refresh_account")
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Bool("sync.force", force),
	)
	defer span.End()

	o.sync(sctx, a, force, res)

	res.FinishedAt = o.now().UTC()
	span.SetAttributes(
		attribute.String("sync.outcome", string(res.Outcome)),
		attribute.Int("sync.transactions_added", res.TransactionsAdded),
	)
	if res.Outcome == OutcomeFailed {
		span.SetStatus(codes.Error, res.Error)
	}
	o.record(ctx, res)
	return res, nil
}

// sync runs one lease-holding pass. The checkpoint only advances when the
// transactions were fetched and stored.
func (o *Orchestrator) sync(ctx context.Context, a *account.Account, force bool, res *SyncResult) {
	balanceErr := o.retry(ctx, "fetch_balance", a.ID, func(ctx context.Context) error {
		_, err := o.balances.Load(ctx, a.ID, o.opts.BalanceMaxStaleness, force)
		return err
	})
	if balanceErr == nil {
		res.BalanceUpdated = true
	} else if provider.IsCredential(balanceErr) {
		o.markCredentialFailure(ctx, a, res, balanceErr)
		return
	}

	since := o.since(a)
	var batch []provider.Transaction
	err := o.retry(ctx, "fetch_transactions", a.ID, func(ctx context.Context) error {
		var err error
		batch, err = o.connector.FetchTransactions(ctx, a.ProviderRef, since)
		return err
	})
	if err != nil {
		if provider.IsCredential(err) {
			o.markCredentialFailure(ctx, a, res, err)
			return
		}
		o.fail(res, err)
		zap.L().Warn("account sync failed",
			zap.String("account_id", a.ID),
			zap.String("error_kind", res.ErrorKind),
			zap.Error(err),
		)
		return
	}

	ingested, err := o.ingester.Ingest(ctx, a.ID, batch)
	if err != nil {
		o.fail(res, err)
		zap.L().Error("failed to ingest transactions", zap.String("account_id", a.ID), zap.Error(err))
		return
	}
	res.TransactionsAdded = ingested.Added
	res.TransactionsAmended = ingested.Amended
	res.TransactionsRemoved = ingested.Removed

	if err := o.accounts.RecordSyncSuccess(ctx, a.ID, res.StartedAt); err != nil {
		o.fail(res, err)
		zap.L().Error("failed to record sync success", zap.String("account_id", a.ID), zap.Error(err))
		return
	}

	res.Outcome = OutcomeSuccess
	if balanceErr != nil {
		res.Outcome = OutcomePartial
		res.ErrorKind = errorKind(balanceErr)
		res.Error = balanceErr.Error()
	}

	zap.L().Info("account synced",
		zap.String("account_id", a.ID),
		zap.String("outcome", string(res.Outcome)),
		zap.Int("added", res.TransactionsAdded),
		zap.Int("amended", res.TransactionsAmended),
		zap.Int("removed", res.TransactionsRemoved),
	)
}

// since is the start of the fetch window: the checkpoint minus an overlap
// for late-posting transactions, or the initial lookback when never synced.
func (o *Orchestrator) since(a *account.Account) time.Time {
	if a.LastSyncedAt == nil {
		return o.now().UTC().Add(-o.opts.InitialLookback)
	}
	return a.LastSyncedAt.Add(-o.opts.Overlap)
}

func (o *Orchestrator) markCredentialFailure(ctx context.Context, a *account.Account, res *SyncResult, cause error) {
	o.fail(res, cause)

	// Status writes must survive the sync deadline that may have caused
	// this failure path.
	wctx := context.WithoutCancel(ctx)
	if _, err := o.accounts.SetStatus(wctx, a.ID, account.StatusError); err != nil {
		zap.L().Error("failed to mark account as error", zap.String("account_id", a.ID), zap.Error(err))
		return
	}

	zap.L().Warn("account link broken",
		zap.String("account_id", a.ID),
		zap.Int64("user_id", a.UserID),
		zap.Error(cause),
	)
	if a.Status != account.StatusError {
		o.notify(wctx, a)
	}
}

// ReportCredentialFailure flips an account to error after a credential
// failure seen outside a sync. It does nothing when another worker holds
// the account's lease, since that worker will observe the failure itself.
func (o *Orchestrator) ReportCredentialFailure(ctx context.Context, accountID string) {
	a, err := o.accounts.GetByID(ctx, accountID)
	if err != nil || !a.Syncable() || a.Status == account.StatusError {
		return
	}

	lease, err := o.leaser.TryAcquire(ctx, accountID, o.opts.LeaseTTL)
	if err != nil {
		return
	}
	defer lease.Release(context.WithoutCancel(ctx))

	if _, err := o.accounts.SetStatus(ctx, accountID, account.StatusError); err != nil {
		zap.L().Error("failed to mark account as error", zap.String("account_id", accountID), zap.Error(err))
		return
	}
	o.notify(ctx, a)
}

// LockAccount takes the account's sync lease for a status write made
// outside a sync. It returns ErrSyncInProgress while a sync holds it.
func (o *Orchestrator) LockAccount(ctx context.Context, accountID string) (func(), error) {
	lease, err := o.leaser.TryAcquire(ctx, accountID, o.opts.LeaseTTL)
	if errors.Is(err, ErrLeaseHeld) {
		return nil, ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync lease: %w", err)
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			zap.L().Error("failed to release sync lease", zap.String("account_id", accountID), zap.Error(err))
		}
	}, nil
}

var _ account.SyncLocker = (*Orchestrator)(nil)

// RefreshBalance is the best-effort balance read behind the
// refresh-account-balance operation. force bypasses the cached snapshot.
func (o *Orchestrator) RefreshBalance(ctx context.Context, accountID string, force bool) (balance.Reading, error) {
	maxStaleness := o.opts.BalanceMaxStaleness
	if force {
		maxStaleness = 0
	}
	return o.balances.Get(ctx, accountID, maxStaleness)
}

// RefreshAll syncs every syncable account of the user with at most
// MaxConcurrency syncs in flight. It never fails because of an account.
// Cancelling ctx stops new syncs from starting; running syncs finish and
// release their leases.
func (o *Orchestrator) RefreshAll(ctx context.Context, userID int64) (*BulkSyncResult, error) {
	ctx, span := syncTracer.Start(ctx, "sync.refresh_all")
	span.SetAttributes(attribute.Int64("user.id", userID))
	defer span.End()

	accounts, err := o.accounts.ListByUser(ctx, userID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	var targets []*account.Account
	for _, a := range accounts {
		if a.Syncable() {
			targets = append(targets, a)
		}
	}

	results := make([]SyncResult, len(targets))
	var g errgroup.Group
	g.SetLimit(o.opts.MaxConcurrency)

	for i, a := range targets {
		if ctx.Err() != nil {
			results[i] = o.skipped(a.ID, ErrorKindCancelled, ctx.Err())
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				results[i] = o.skipped(a.ID, ErrorKindCancelled, ctx.Err())
				return nil
			}
			results[i] = o.refreshOne(context.WithoutCancel(ctx), a.ID)
			return nil
		})
	}
	_ = g.Wait()

	bulk := &BulkSyncResult{UserID: userID, Results: make([]SyncResult, 0, len(results))}
	for _, r := range results {
		bulk.add(r)
	}

	span.SetAttributes(
		attribute.Int("sync.accounts_updated", bulk.AccountsUpdated),
		attribute.Int("sync.accounts_failed", bulk.AccountsFailed),
		attribute.Int("sync.accounts_skipped", bulk.AccountsSkipped),
	)
	zap.L().Info("refresh all complete",
		zap.Int64("user_id", userID),
		zap.Int("updated", bulk.AccountsUpdated),
		zap.Int("failed", bulk.AccountsFailed),
		zap.Int("skipped", bulk.AccountsSkipped),
	)
	return bulk, nil
}

func (o *Orchestrator) refreshOne(ctx context.Context, accountID string) SyncResult {
	res, err := o.RefreshAccount(ctx, accountID, false)
	switch {
	case errors.Is(err, ErrSyncInProgress):
		return *res
	case err != nil:
		r := SyncResult{AccountID: accountID, StartedAt: o.now().UTC()}
		o.fail(&r, err)
		r.FinishedAt = r.StartedAt
		return r
	default:
		return *res
	}
}

func (o *Orchestrator) skipped(accountID, kind string, cause error) SyncResult {
	now := o.now().UTC()
	return SyncResult{
		AccountID:  accountID,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    OutcomeSkipped,
		ErrorKind:  kind,
		Error:      cause.Error(),
	}
}

func (o *Orchestrator) fail(res *SyncResult, err error) {
	res.Outcome = OutcomeFailed
	res.ErrorKind = errorKind(err)
	res.Error = err.Error()
}

func (o *Orchestrator) notify(ctx context.Context, a *account.Account) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.NotifyRelinkRequired(ctx, a); err != nil {
		zap.L().Warn("failed to send re-link notification", zap.String("account_id", a.ID), zap.Error(err))
	}
}

func (o *Orchestrator) record(ctx context.Context, res *SyncResult) {
	attrs := metric.WithAttributes(attribute.String("outcome", string(res.Outcome)))
	syncTotal.Add(ctx, 1, attrs)
	syncDuration.Record(ctx, res.FinishedAt.Sub(res.StartedAt).Seconds(), attrs)
	if res.TransactionsAdded > 0 {
		syncTxnsAdded.Add(ctx, int64(res.TransactionsAdded))
	}
}

func errorKind(err error) string {
	if k := provider.KindOf(err); k != "" {
		return string(k)
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCancelled
	}
	return ErrorKindInternal
}

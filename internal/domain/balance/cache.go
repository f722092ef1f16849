package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"finlink/internal/domain/account"
	"finlink/internal/domain/provider"
)

var (
	cacheMeter       = otel.Meter("finlink/balance")
	cacheRequests, _ = cacheMeter.Int64Counter("balance.cache.requests.total",
		metric.WithDescription("Balance reads by result (hit, fetched, stale, manual)"),
	)
)

// AccountSource resolves accounts for the cache.
type AccountSource interface {
	GetByID(ctx context.Context, id string) (*account.Account, error)
}

// CredentialFailureHandler is told when a best-effort read hits a broken link.
type CredentialFailureHandler func(ctx context.Context, accountID string)

// Cache serves balances from storage and collapses concurrent fetches of
// the same account into one provider call.
type Cache struct {
	repo                Repository
	accounts            AccountSource
	connector           provider.Connector
	group               singleflight.Group
	onCredentialFailure CredentialFailureHandler
	now                 func() time.Time
}

func NewCache(repo Repository, accounts AccountSource, connector provider.Connector) *Cache {
	return &Cache{
		repo:      repo,
		accounts:  accounts,
		connector: connector,
		now:       time.Now,
	}
}

// OnCredentialFailure registers the handler for credential failures seen by Get.
func (c *Cache) OnCredentialFailure(fn CredentialFailureHandler) {
	c.onCredentialFailure = fn
}

// Get returns the account's balance, fetching it when the cached snapshot
// is older than maxStaleness or invalidated. A failed fetch is reported in
// Reading.Warning and the stale snapshot, if any, is returned. The error
// result is reserved for unknown accounts and storage failures.
func (c *Cache) Get(ctx context.Context, accountID string, maxStaleness time.Duration) (Reading, error) {
	a, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return Reading{}, err
	}
	if a.IsManual() {
		c.count(ctx, "manual")
		return Reading{Snapshot: manualSnapshot(a)}, nil
	}

	cached, err := c.cached(ctx, accountID)
	if err != nil {
		return Reading{}, err
	}
	if cached != nil && cached.Fresh(c.now(), maxStaleness) {
		c.count(ctx, "hit")
		return Reading{Snapshot: cached}, nil
	}

	if a.Status == account.StatusDisconnected {
		c.count(ctx, "stale")
		return Reading{Snapshot: cached, Stale: true, Warning: ErrAccountDisconnected}, nil
	}

	snap, err := c.fetch(ctx, a)
	if err != nil {
		if provider.IsCredential(err) && c.onCredentialFailure != nil {
			c.onCredentialFailure(ctx, accountID)
		}
		zap.L().Warn("serving stale balance",
			zap.String("account_id", accountID),
			zap.Bool("has_snapshot", cached != nil),
			zap.Error(err),
		)
		c.count(ctx, "stale")
		return Reading{Snapshot: cached, Stale: true, Warning: err}, nil
	}

	c.count(ctx, "fetched")
	return Reading{Snapshot: snap}, nil
}

// Load is the strict variant of Get used by sync: fetch failures are
// returned. With force the cached snapshot is ignored.
func (c *Cache) Load(ctx context.Context, accountID string, maxStaleness time.Duration, force bool) (*Snapshot, error) {
	a, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.IsManual() {
		return manualSnapshot(a), nil
	}

	if !force {
		cached, err := c.cached(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if cached != nil && cached.Fresh(c.now(), maxStaleness) {
			c.count(ctx, "hit")
			return cached, nil
		}
	}

	snap, err := c.fetch(ctx, a)
	if err != nil {
		return nil, err
	}
	c.count(ctx, "fetched")
	return snap, nil
}

func (c *Cache) Invalidate(ctx context.Context, accountID string) error {
	if err := c.repo.Invalidate(ctx, accountID); err != nil {
		return fmt.Errorf("failed to invalidate balance: %w", err)
	}
	return nil
}

// CurrentBalance returns the stored balance without contacting the provider.
func (c *Cache) CurrentBalance(ctx context.Context, accountID string) (decimal.Decimal, bool, error) {
	snap, err := c.cached(ctx, accountID)
	if err != nil || snap == nil {
		return decimal.Zero, false, err
	}
	return snap.Current, true, nil
}

func (c *Cache) cached(ctx context.Context, accountID string) (*Snapshot, error) {
	snap, err := c.repo.Get(ctx, accountID)
	if errors.Is(err, ErrNoSnapshot) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return snap, nil
}

// fetch performs at most one provider call per account at a time. The call
// is detached from the first caller's cancellation so that the other
// waiters still get its result; the connector bounds its duration.
func (c *Cache) fetch(ctx context.Context, a *account.Account) (*Snapshot, error) {
	ch := c.group.DoChan(a.ID, func() (any, error) {
		fctx := context.WithoutCancel(ctx)

		b, err := c.connector.FetchBalance(fctx, a.ProviderRef)
		if err != nil {
			return nil, err
		}

		now := c.now().UTC()
		snap := &Snapshot{
			AccountID:  a.ID,
			Current:    b.Current,
			Available:  b.Available,
			Currency:   a.Currency,
			ObservedAt: b.ObservedAt,
			FetchedAt:  now,
		}
		if snap.ObservedAt.IsZero() {
			snap.ObservedAt = now
		}
		if err := c.repo.Put(fctx, snap); err != nil {
			return nil, fmt.Errorf("failed to store balance: %w", err)
		}
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Snapshot), nil
	}
}

func (c *Cache) count(ctx context.Context, result string) {
	cacheRequests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func manualSnapshot(a *account.Account) *Snapshot {
	return &Snapshot{
		AccountID:  a.ID,
		Current:    a.ManualBalance.Decimal,
		Currency:   a.Currency,
		ObservedAt: a.UpdatedAt,
		FetchedAt:  a.UpdatedAt,
	}
}

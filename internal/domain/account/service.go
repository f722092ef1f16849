package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceLookup returns the latest known balance of a linked account
// without contacting the provider.
type BalanceLookup interface {
	CurrentBalance(ctx context.Context, accountID string) (decimal.Decimal, bool, error)
}

// Converter converts amounts between currencies.
type Converter interface {
	Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// SyncLocker holds an account's sync lease for a status write made outside
// a sync. LockAccount fails while a sync runs.
type SyncLocker interface {
	LockAccount(ctx context.Context, accountID string) (unlock func(), err error)
}

// Registry owns the canonical set of accounts and their status machine.
// Every status write goes through SetStatus or RecordSyncSuccess.
type Registry struct {
	repo              Repository
	balances          BalanceLookup
	converter         Converter
	locker            SyncLocker
	reportingCurrency string
	now               func() time.Time
}

// NewRegistry creates a new account registry. balances and converter may be
// nil, in which case linked accounts and foreign currencies are excluded
// from grouped totals.
func NewRegistry(repo Repository, balances BalanceLookup, converter Converter, reportingCurrency string) *Registry {
	return &Registry{
		repo:              repo,
		balances:          balances,
		converter:         converter,
		reportingCurrency: reportingCurrency,
		now:               time.Now,
	}
}

// SetBalanceLookup wires the balance source after construction, since the
// balance cache itself depends on the registry.
func (r *Registry) SetBalanceLookup(b BalanceLookup) {
	r.balances = b
}

// SetSyncLocker makes user-initiated disconnects wait for no sync to hold
// the account.
func (r *Registry) SetSyncLocker(l SyncLocker) {
	r.locker = l
}

func (r *Registry) CreateManual(ctx context.Context, params ManualParams) (*Account, error) {
	params.Currency = strings.ToUpper(params.Currency)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	a := &Account{
		ID:            uuid.NewString(),
		UserID:        params.UserID,
		Name:          strings.TrimSpace(params.Name),
		Type:          params.Type,
		Institution:   params.Institution,
		Currency:      params.Currency,
		Integration:   IntegrationManual,
		Status:        StatusActive,
		Notes:         params.Notes,
		ManualBalance: decimal.NewNullDecimal(params.Balance),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, _, err := r.repo.CreateIfNotExists(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to create manual account: %w", err)
	}
	return stored, nil
}

// CreateLinked registers a provider-linked account. It is idempotent on
// params.ID: a second call returns the account created by the first.
func (r *Registry) CreateLinked(ctx context.Context, params LinkedParams) (*Account, error) {
	params.Currency = strings.ToUpper(params.Currency)
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	a := &Account{
		ID:              params.ID,
		UserID:          params.UserID,
		Name:            params.Name,
		Type:            params.Type,
		Institution:     params.Institution,
		InstitutionLogo: params.InstitutionLogo,
		Currency:        params.Currency,
		Integration:     IntegrationProviderLinked,
		Status:          StatusActive,
		ProviderRef:     params.ProviderRef,
		Mask:            params.Mask,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	stored, created, err := r.repo.CreateIfNotExists(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("failed to create linked account: %w", err)
	}
	if !created && stored.UserID != params.UserID {
		return nil, ErrForbidden
	}
	return stored, nil
}

// Get retrieves an account by ID and verifies user ownership
func (r *Registry) Get(ctx context.Context, accountID string, userID int64) (*Account, error) {
	a, err := r.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, ErrForbidden
	}
	return a, nil
}

func (r *Registry) GetByID(ctx context.Context, accountID string) (*Account, error) {
	return r.repo.GetByID(ctx, accountID)
}

func (r *Registry) ListByUser(ctx context.Context, userID int64) ([]*Account, error) {
	if userID <= 0 {
		return nil, ErrInvalidInput
	}
	return r.repo.ListByUserID(ctx, userID)
}

func (r *Registry) ListUserIDsWithLinkedAccounts(ctx context.Context) ([]int64, error) {
	return r.repo.ListUserIDsWithLinkedAccounts(ctx)
}

// Update applies user edits. Provider-owned fields are rejected on linked
// accounts.
func (r *Registry) Update(ctx context.Context, accountID string, userID int64, params UpdateParams) (*Account, error) {
	a, err := r.Get(ctx, accountID, userID)
	if err != nil {
		return nil, err
	}

	if !a.IsManual() && params.touchesProviderFields() {
		return nil, ErrProviderOwnedField
	}

	if params.Name != nil {
		name := strings.TrimSpace(*params.Name)
		if name == "" {
			return nil, ErrInvalidInput
		}
		a.Name = name
	}
	if params.Notes != nil {
		a.Notes = *params.Notes
	}
	if params.ManualBalance != nil {
		a.ManualBalance = decimal.NewNullDecimal(*params.ManualBalance)
	}
	if params.Currency != nil {
		c := strings.ToUpper(*params.Currency)
		if !IsValidCurrency(c) {
			return nil, ErrInvalidCurrency
		}
		a.Currency = c
	}
	if params.Type != nil {
		if !IsValidType(*params.Type) {
			return nil, ErrInvalidAccountType
		}
		a.Type = *params.Type
	}
	if params.Institution != nil {
		a.Institution = *params.Institution
	}
	a.UpdatedAt = r.now().UTC()

	if err := r.repo.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return a, nil
}

// SetStatus moves an account through the status machine. Writing the
// current status is a no-op.
func (r *Registry) SetStatus(ctx context.Context, accountID string, to Status) (*Account, error) {
	a, err := r.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if !CanTransition(a.Integration, a.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	if err := r.repo.UpdateStatus(ctx, a.ID, a.Status, to, nil); err != nil {
		return nil, err
	}

	zap.L().Info("account status changed",
		zap.String("account_id", a.ID),
		zap.String("from", string(a.Status)),
		zap.String("to", string(to)),
	)
	a.Status = to
	return a, nil
}

// RecordSyncSuccess marks the account active and advances its checkpoint.
func (r *Registry) RecordSyncSuccess(ctx context.Context, accountID string, syncedAt time.Time) error {
	a, err := r.repo.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !CanTransition(a.Integration, a.Status, StatusActive) || a.IsManual() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, StatusActive)
	}

	syncedAt = syncedAt.UTC()
	return r.repo.UpdateStatus(ctx, a.ID, a.Status, StatusActive, &syncedAt)
}

// SoftDelete disconnects a linked account or removes a manual one.
// Stored transactions are retained. A linked account is disconnected under
// its sync lease when a SyncLocker is set.
func (r *Registry) SoftDelete(ctx context.Context, accountID string, userID int64) error {
	a, err := r.Get(ctx, accountID, userID)
	if err != nil {
		return err
	}

	if a.IsManual() {
		return r.repo.MarkRemoved(ctx, a.ID, r.now().UTC())
	}

	if r.locker != nil {
		unlock, err := r.locker.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		defer unlock()
	}
	_, err = r.SetStatus(ctx, a.ID, StatusDisconnected)
	return err
}

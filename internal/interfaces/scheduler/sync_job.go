package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"finlink/internal/domain/openfinance"
)

// Refresher is the sync surface the jobs drive.
type Refresher interface {
	RefreshAll(ctx context.Context, userID int64) (*openfinance.BulkSyncResult, error)
	RefreshAccount(ctx context.Context, accountID string, force bool) (*openfinance.SyncResult, error)
}

// RefreshUserJob refreshes every syncable account of one user.
type RefreshUserJob struct {
	userID    int64
	refresher Refresher
}

func NewRefreshUserJob(userID int64, refresher Refresher) *RefreshUserJob {
	return &RefreshUserJob{userID: userID, refresher: refresher}
}

// Execute fails when any account failed, so the run shows up in job metrics.
func (j *RefreshUserJob) Execute(ctx context.Context) error {
	bulk, err := j.refresher.RefreshAll(ctx, j.userID)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}
	if bulk.AccountsFailed > 0 {
		return fmt.Errorf("refresh completed with %d failed accounts", bulk.AccountsFailed)
	}
	return nil
}

func (j *RefreshUserJob) UserID() string {
	return strconv.FormatInt(j.userID, 10)
}

func (j *RefreshUserJob) Description() string {
	return fmt.Sprintf("Refresh accounts for user %d", j.userID)
}

// SyncNotifier tells a user their newly linked accounts are ready.
type SyncNotifier interface {
	NotifySyncComplete(ctx context.Context, userID int64, institution string) error
}

// InitialSyncJob pulls the first balance and transaction history of
// freshly linked accounts.
type InitialSyncJob struct {
	userID      int64
	accountIDs  []string
	institution string
	refresher   Refresher
	notifier    SyncNotifier
}

func NewInitialSyncJob(userID int64, accountIDs []string, refresher Refresher) *InitialSyncJob {
	return &InitialSyncJob{userID: userID, accountIDs: accountIDs, refresher: refresher}
}

// WithNotifier sends a sync-complete notice naming institution once at
// least one account synced.
func (j *InitialSyncJob) WithNotifier(n SyncNotifier, institution string) *InitialSyncJob {
	j.notifier = n
	j.institution = institution
	return j
}

func (j *InitialSyncJob) Execute(ctx context.Context) error {
	failed, synced := 0, 0
	for _, id := range j.accountIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		res, err := j.refresher.RefreshAccount(ctx, id, true)
		switch {
		case errors.Is(err, openfinance.ErrSyncInProgress):
			continue
		case err != nil:
			zap.L().Warn("initial sync skipped account", zap.String("account_id", id), zap.Error(err))
			failed++
		case res.Outcome == openfinance.OutcomeFailed:
			failed++
		default:
			synced++
		}
	}
	if synced > 0 && j.notifier != nil {
		if err := j.notifier.NotifySyncComplete(ctx, j.userID, j.institution); err != nil {
			zap.L().Warn("failed to send sync complete notice", zap.Int64("user_id", j.userID), zap.Error(err))
		}
	}
	if failed > 0 {
		return fmt.Errorf("initial sync failed for %d of %d accounts", failed, len(j.accountIDs))
	}
	return nil
}

// SyncRounds is the number of accounts synced one after another.
func (j *InitialSyncJob) SyncRounds() int {
	return len(j.accountIDs)
}

func (j *InitialSyncJob) UserID() string {
	return strconv.FormatInt(j.userID, 10)
}

func (j *InitialSyncJob) Description() string {
	return fmt.Sprintf("Initial sync of %d accounts for user %d", len(j.accountIDs), j.userID)
}

// Package scheduler runs periodic account refreshes, the initial sync of
// newly linked accounts and link-session cleanup.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"finlink/internal/domain/account"
)

// UserLister returns the users that have accounts to refresh.
type UserLister interface {
	ListUserIDsWithLinkedAccounts(ctx context.Context) ([]int64, error)
}

// Sweeper deletes expired link sessions.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// ScheduleTime is a time of day in HH:MM.
type ScheduleTime struct {
	Hour   int
	Minute int
}

func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// CronSpec returns the daily cron expression for the time.
func (st ScheduleTime) CronSpec() string {
	return fmt.Sprintf("%d %d * * *", st.Minute, st.Hour)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}
	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}
	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

type Config struct {
	ScheduleTimes []string
	// SweepSchedule is a cron expression; empty disables the sweep.
	SweepSchedule string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool

	// JobTimeout bounds one job. It must cover a whole RefreshAll, which
	// syncs MaxConcurrency accounts at a time.
	JobTimeout time.Duration

	// AccountTimeout is the budget of one account sync. Initial sync jobs
	// get at least AccountTimeout per account.
	AccountTimeout time.Duration
}

// Scheduler enqueues refresh jobs at fixed times of day on a worker pool.
type Scheduler struct {
	cron         *cron.Cron
	pool         *WorkerPool
	refresher    Refresher
	users        UserLister
	sweeper      Sweeper
	notifier     SyncNotifier
	runOnStartup bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, refresher Refresher, users UserLister, sweeper Sweeper) (*Scheduler, error) {
	if len(cfg.ScheduleTimes) == 0 {
		return nil, errors.New("at least one schedule time is required")
	}

	c := cron.New()
	s := &Scheduler{
		cron:         c,
		pool:         NewWorkerPool(cfg.WorkerCount, cfg.JobDelay, cfg.JobTimeout, cfg.QueueSize),
		refresher:    refresher,
		users:        users,
		sweeper:      sweeper,
		runOnStartup: cfg.RunOnStartup,
	}
	s.pool.roundTimeout = cfg.AccountTimeout
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, raw := range cfg.ScheduleTimes {
		st, err := ParseScheduleTime(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", raw, err)
		}
		if _, err := c.AddFunc(st.CronSpec(), s.runRefresh); err != nil {
			return nil, fmt.Errorf("failed to schedule refresh at %s: %w", st, err)
		}
	}

	if cfg.SweepSchedule != "" && sweeper != nil {
		if _, err := c.AddFunc(cfg.SweepSchedule, s.runSweep); err != nil {
			return nil, fmt.Errorf("failed to schedule session sweep %q: %w", cfg.SweepSchedule, err)
		}
	}

	zap.L().Info("scheduler initialized",
		zap.Strings("schedule_times", cfg.ScheduleTimes),
		zap.String("sweep_schedule", cfg.SweepSchedule),
		zap.Int("workers", cfg.WorkerCount),
		zap.Duration("job_delay", cfg.JobDelay),
	)
	return s, nil
}

// SetSyncNotifier enables sync-complete notices after initial syncs.
func (s *Scheduler) SetSyncNotifier(n SyncNotifier) {
	s.notifier = n
}

func (s *Scheduler) Start() {
	s.pool.Start()
	s.cron.Start()

	if s.runOnStartup {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runRefresh()
		}()
	}
	zap.L().Info("scheduler started")
}

func (s *Scheduler) runRefresh() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
	defer cancel()

	if _, err := s.EnqueueRefreshAll(ctx); err != nil {
		zap.L().Error("failed to enqueue refresh jobs", zap.Error(err))
	}
}

// EnqueueRefreshAll queues one refresh job per user with linked accounts
// and returns how many were accepted.
func (s *Scheduler) EnqueueRefreshAll(ctx context.Context) (int, error) {
	userIDs, err := s.users.ListUserIDsWithLinkedAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	jobs := make([]Job, 0, len(userIDs))
	for _, id := range userIDs {
		jobs = append(jobs, NewRefreshUserJob(id, s.refresher))
	}
	return s.pool.SubmitBatch(jobs), nil
}

// EnqueueInitialSync queues the first sync of newly linked accounts. Its
// signature matches link.ExchangeHook.
func (s *Scheduler) EnqueueInitialSync(ctx context.Context, userID int64, accounts []*account.Account) {
	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.ID)
	}
	if len(ids) == 0 {
		return
	}
	job := NewInitialSyncJob(userID, ids, s.refresher)
	if s.notifier != nil {
		job = job.WithNotifier(s.notifier, accounts[0].Institution)
	}
	if err := s.pool.Submit(job); err != nil {
		zap.L().Warn("initial sync not queued", zap.Int64("user_id", userID), zap.Error(err))
	}
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	n, err := s.sweeper.SweepExpired(ctx)
	if err != nil {
		zap.L().Error("link session sweep failed", zap.Error(err))
		return
	}
	zap.L().Info("link session sweep complete", zap.Int("deleted", n))
}

// Shutdown stops scheduling, then drains the worker pool within timeout.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
	case <-time.After(timeout):
		zap.L().Warn("timed out waiting for scheduled runs to stop")
	}
	s.wg.Wait()

	s.pool.Shutdown(timeout)
	zap.L().Info("scheduler stopped")
}

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/link"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/provider"
	"finlink/internal/domain/transaction"
	"finlink/internal/infrastructure/firebase"
	"finlink/internal/infrastructure/fx"
	"finlink/internal/infrastructure/memory"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/sandbox"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
	"finlink/internal/shared/middleware"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB *postgres.DB

	// Handlers
	LinkHandler         *httphandlers.LinkHandler
	AccountHandler      *httphandlers.AccountHandler
	TransactionHandler  *httphandlers.TransactionHandler
	NotificationHandler *httphandlers.NotificationHandler

	Verifier *middleware.TokenVerifier

	// Services used by the scheduler and admin commands
	Registry      *account.Registry
	Orchestrator  *openfinance.Orchestrator
	LinkManager   *link.Manager
	Notifications *notification.Service
}

// stores groups the repositories of one storage driver.
type stores struct {
	db           *postgres.DB
	accounts     account.Repository
	balances     balance.Repository
	transactions transaction.Repository
	links        link.Repository
	leases       openfinance.Leaser
	devices      notification.Repository
}

func newStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Storage.Driver == "memory" {
		zap.L().Warn("using in-memory storage, data will not survive a restart")
		return &stores{
			accounts:     memory.NewAccountRepository(),
			balances:     memory.NewBalanceRepository(),
			transactions: memory.NewTransactionRepository(),
			links:        memory.NewLinkSessionRepository(),
			leases:       memory.NewLeaseManager(),
			devices:      memory.NewDeviceTokenRepository(),
		}, nil
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	zap.L().Info("connected to database", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	return &stores{
		db:           db,
		accounts:     postgres.NewAccountRepository(db),
		balances:     postgres.NewBalanceRepository(db),
		transactions: postgres.NewTransactionRepository(db),
		links:        postgres.NewLinkSessionRepository(db),
		leases:       postgres.NewLeaseManager(db),
		devices:      postgres.NewDeviceTokenRepository(db),
	}, nil
}

func newConnector(cfg *config.Config) provider.Connector {
	var next provider.Connector
	switch cfg.Provider.Mode {
	case "http":
		next = ofclient.NewClient(cfg.Provider.BaseURL, cfg.Provider.ClientID, cfg.Provider.Secret)
	default:
		zap.L().Warn("using sandbox bank connector")
		next = sandbox.NewConnector()
	}
	return provider.NewGuard(next, cfg.Sync.ProviderTimeout)
}

func newConverter(cfg *config.Config) (*fx.Table, error) {
	if cfg.Currency.RatesFile == "" {
		zap.L().Warn("no FX rates file configured, only same-currency totals are available")
		return fx.NewTable(cfg.Currency.ReportingCurrency, nil), nil
	}
	table, err := fx.Load(cfg.Currency.RatesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load FX rates: %w", err)
	}
	return table, nil
}

func loadMessages(path string) messages.Messages {
	if path == "" {
		return messages.Default()
	}
	msgs, err := messages.Load(path)
	if err != nil {
		zap.L().Warn("using default notification messages", zap.String("path", path), zap.Error(err))
		return messages.Default()
	}
	return *msgs
}

func newMessenger(ctx context.Context, cfg *config.Config, devices notification.Repository) notification.Messenger {
	if cfg.Firebase.CredentialsFile == "" {
		zap.L().Info("push notifications disabled, no Firebase credentials configured")
		return nil
	}
	client, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, devices.DeactivateToken)
	if err != nil {
		zap.L().Warn("push notifications disabled", zap.Error(err))
		return nil
	}
	return client
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	st, err := newStores(ctx, cfg)
	if err != nil {
		return nil, err
	}

	converter, err := newConverter(cfg)
	if err != nil {
		st.close()
		return nil, err
	}
	connector := newConnector(cfg)

	registry := account.NewRegistry(st.accounts, nil, converter, cfg.Currency.ReportingCurrency)
	cache := balance.NewCache(st.balances, registry, connector)
	registry.SetBalanceLookup(cache)

	deduper := transaction.NewDeduper(st.transactions)

	messenger := newMessenger(ctx, cfg, st.devices)
	notifications := notification.NewService(st.devices, messenger, loadMessages(cfg.Firebase.MessagesFile))

	orch := openfinance.NewOrchestrator(
		registry, cache, deduper, connector, st.leases, notifications,
		openfinance.Options{
			MaxConcurrency:      cfg.Sync.MaxConcurrency,
			MaxAttempts:         cfg.Sync.MaxAttempts,
			BaseBackoff:         cfg.Sync.BaseBackoff,
			MaxBackoff:          cfg.Sync.MaxBackoff,
			SyncTimeout:         cfg.Sync.SyncTimeout,
			LeaseTTL:            cfg.Sync.LeaseTTL,
			BalanceMaxStaleness: cfg.Sync.BalanceMaxStaleness,
			InitialLookback:     cfg.Sync.InitialLookback,
			Overlap:             cfg.Sync.Overlap,
		},
	)
	cache.OnCredentialFailure(orch.ReportCredentialFailure)
	registry.SetSyncLocker(orch)

	links := link.NewManager(st.links, connector, registry, link.Options{SessionTTL: cfg.Link.SessionTTL})

	return &Dependencies{
		DB:                  st.db,
		LinkHandler:         httphandlers.NewLinkHandler(links),
		AccountHandler:      httphandlers.NewAccountHandler(registry, orch),
		TransactionHandler:  httphandlers.NewTransactionHandler(registry, deduper),
		NotificationHandler: httphandlers.NewNotificationHandler(notifications),
		Verifier:            middleware.NewTokenVerifier(cfg.JWT.Secret),
		Registry:            registry,
		Orchestrator:        orch,
		LinkManager:         links,
		Notifications:       notifications,
	}, nil
}

// NewScheduler builds the refresh scheduler and hooks it to link exchanges
// so newly linked accounts get their first sync right away.
func (d *Dependencies) NewScheduler(cfg *config.Config) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(scheduler.Config{
		ScheduleTimes:  cfg.Scheduler.ScheduleTimes,
		SweepSchedule:  cfg.Scheduler.SweepSchedule,
		WorkerCount:    cfg.Scheduler.WorkerCount,
		JobDelay:       cfg.Scheduler.JobDelay,
		JobTimeout:     cfg.Sync.JobTimeout,
		AccountTimeout: cfg.Sync.SyncTimeout,
		QueueSize:      cfg.Scheduler.QueueSize,
		RunOnStartup:   cfg.Scheduler.RunOnStartup,
	}, d.Orchestrator, d.Registry, d.LinkManager)
	if err != nil {
		return nil, err
	}
	sched.SetSyncNotifier(d.Notifications)
	d.LinkManager.OnExchanged(sched.EnqueueInitialSync)
	return sched, nil
}

func (s *stores) close() {
	if s.db != nil {
		s.db.Close()
	}
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.DB != nil {
		d.DB.Close()
	}
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"finlink/internal/domain/account"
	"finlink/internal/domain/balance"
	"finlink/internal/domain/link"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/openfinance"
	"finlink/internal/domain/provider"
	"finlink/internal/domain/transaction"
	"finlink/internal/infrastructure/fx"
	ofclient "finlink/internal/infrastructure/openfinance"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/sandbox"
	"finlink/internal/shared/config"
	"finlink/internal/shared/logger"
	"finlink/internal/shared/messages"
)

const usage = `finlink admin - maintenance commands for the finlink API

Usage:
  admin <command> [options]

Commands:
  refresh-all      Refresh balances and transactions of linked accounts
  sweep-sessions   Delete expired link sessions

Examples:
  # Refresh every account of one user
  admin refresh-all --user-id=1

  # Refresh several users
  admin refresh-all --user-id=1,2,3

  # Refresh every user with linked accounts, four users at a time
  admin refresh-all --all --workers=4 --timeout=1h

  # Remove link sessions past their horizon
  admin sweep-sessions
`

const defaultWorkers = 4

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	var err error
	switch command := os.Args[1]; command {
	case "refresh-all":
		err = runRefreshAll(os.Args[2:])
	case "sweep-sessions":
		err = runSweepSessions(os.Args[2:])
	case "help", "-h", "--help":
		fmt.Print(usage + "\n")
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		fmt.Print(usage + "\n")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setup loads configuration, installs the logger and opens the database.
// The returned func closes both.
func setup() (*config.Config, *postgres.DB, func(), error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	_, flush, err := logger.Init(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		flush()
		return nil, nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	zap.L().Info("connected to database")

	return cfg, db, func() {
		db.Close()
		flush()
	}, nil
}

func runRefreshAll(args []string) error {
	fs := flag.NewFlagSet("refresh-all", flag.ExitOnError)

	userIDStr := fs.String("user-id", "", "User ID(s) to refresh (comma-separated for multiple)")
	allUsers := fs.Bool("all", false, "Refresh all users with linked accounts")
	workers := fs.Int("workers", defaultWorkers, "Number of users refreshed concurrently")
	timeout := fs.Duration("timeout", 30*time.Minute, "Timeout for the operation (e.g., 5m, 1h)")

	fs.Usage = func() {
		fmt.Println("Usage: admin refresh-all [options]")
		fmt.Println("\nOptions:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userIDStr == "" && !*allUsers {
		fs.Usage()
		return fmt.Errorf("must specify --user-id or --all")
	}

	var userIDs []int64
	if !*allUsers {
		ids, err := parseUserIDs(*userIDStr)
		if err != nil {
			return err
		}
		userIDs = ids
	}

	cfg, db, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	registry, orch, err := newSyncServices(cfg, db)
	if err != nil {
		return err
	}

	if *allUsers {
		userIDs, err = registry.ListUserIDsWithLinkedAccounts(ctx)
		if err != nil {
			return fmt.Errorf("failed to list users: %w", err)
		}
		zap.L().Info("found users with linked accounts", zap.Int("count", len(userIDs)))
	}
	if len(userIDs) == 0 {
		fmt.Println("No users to process")
		return nil
	}

	start := time.Now()
	results := refreshUsers(ctx, orch, userIDs, *workers)
	for _, id := range userIDs {
		printRefreshResult(id, results[id])
	}
	zap.L().Info("refresh completed", zap.Int("users", len(userIDs)), zap.Duration("elapsed", time.Since(start)))
	return nil
}

type userRefresh struct {
	bulk *openfinance.BulkSyncResult
	err  error
}

// refreshUsers runs RefreshAll for each user with at most workers users in
// flight. One user's failure does not stop the others.
func refreshUsers(ctx context.Context, orch *openfinance.Orchestrator, userIDs []int64, workers int) map[int64]userRefresh {
	if workers < 1 {
		workers = 1
	}
	var (
		mu      sync.Mutex
		results = make(map[int64]userRefresh, len(userIDs))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, id := range userIDs {
		g.Go(func() error {
			bulk, err := orch.RefreshAll(gctx, id)
			mu.Lock()
			results[id] = userRefresh{bulk: bulk, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func newSyncServices(cfg *config.Config, db *postgres.DB) (*account.Registry, *openfinance.Orchestrator, error) {
	var next provider.Connector = sandbox.NewConnector()
	if cfg.Provider.Mode == "http" {
		next = ofclient.NewClient(cfg.Provider.BaseURL, cfg.Provider.ClientID, cfg.Provider.Secret)
	}
	connector := provider.NewGuard(next, cfg.Sync.ProviderTimeout)

	converter := fx.NewTable(cfg.Currency.ReportingCurrency, nil)
	if cfg.Currency.RatesFile != "" {
		table, err := fx.Load(cfg.Currency.RatesFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load FX rates: %w", err)
		}
		converter = table
	}

	registry := account.NewRegistry(postgres.NewAccountRepository(db), nil, converter, cfg.Currency.ReportingCurrency)
	cache := balance.NewCache(postgres.NewBalanceRepository(db), registry, connector)
	registry.SetBalanceLookup(cache)

	// Push delivery is left to the API process.
	notifications := notification.NewService(postgres.NewDeviceTokenRepository(db), nil, messages.Default())

	orch := openfinance.NewOrchestrator(
		registry, cache, transaction.NewDeduper(postgres.NewTransactionRepository(db)),
		connector, postgres.NewLeaseManager(db), notifications,
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
	return registry, orch, nil
}

func runSweepSessions(args []string) error {
	fs := flag.NewFlagSet("sweep-sessions", flag.ExitOnError)
	timeout := fs.Duration("timeout", time.Minute, "Timeout for the operation")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, db, cleanup, err := setup()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// The sweep never calls the provider.
	manager := link.NewManager(postgres.NewLinkSessionRepository(db), sandbox.NewConnector(), nil, link.Options{SessionTTL: cfg.Link.SessionTTL})
	n, err := manager.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deleted %d expired link session(s)\n", n)
	return nil
}

func parseUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user ID %q", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printRefreshResult(userID int64, r userRefresh) {
	fmt.Printf("\n=== User %d ===\n", userID)
	if r.err != nil {
		fmt.Printf("  Error: %v\n", r.err)
		return
	}
	fmt.Printf("  Accounts updated: %d\n", r.bulk.AccountsUpdated)
	fmt.Printf("  Accounts failed:  %d\n", r.bulk.AccountsFailed)
	fmt.Printf("  Accounts skipped: %d\n", r.bulk.AccountsSkipped)

	failed := make([]openfinance.SyncResult, 0)
	for _, res := range r.bulk.Results {
		if res.Outcome == openfinance.OutcomeFailed {
			failed = append(failed, res)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].AccountID < failed[j].AccountID })
	for i, res := range failed {
		if i >= 5 {
			fmt.Printf("    ... and %d more failures\n", len(failed)-5)
			break
		}
		fmt.Printf("    - %s: %s %s\n", res.AccountID, res.ErrorKind, res.Error)
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	TLS       TLSConfig
	Database  DatabaseConfig
	Storage   StorageConfig
	JWT       JWTConfig
	Scheduler SchedulerConfig
	Sync      SyncConfig
	Link      LinkConfig
	Provider  ProviderConfig
	Currency  CurrencyConfig
	Firebase  FirebaseConfig
	Telemetry TelemetryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port         string
	Host         string
	AllowedHosts []string
}

type TLSConfig struct {
	Enabled      bool
	CertPath     string
	KeyPath      string
	RedirectHTTP bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// StorageConfig selects the persistence backend: "postgres" or "memory".
type StorageConfig struct {
	Driver string
}

type JWTConfig struct {
	Secret string
}

type SchedulerConfig struct {
	Enabled       bool
	ScheduleTimes []string
	WorkerCount   int
	JobDelay      time.Duration
	QueueSize     int
	RunOnStartup  bool
	SweepSchedule string
}

type SyncConfig struct {
	MaxConcurrency      int
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	ProviderTimeout     time.Duration
	SyncTimeout         time.Duration
	JobTimeout          time.Duration
	LeaseTTL            time.Duration
	BalanceMaxStaleness time.Duration
	InitialLookback     time.Duration
	Overlap             time.Duration
}

type LinkConfig struct {
	SessionTTL time.Duration
}

// ProviderConfig selects the BankConnector: "sandbox" or "http".
type ProviderConfig struct {
	Mode     string
	BaseURL  string
	ClientID string
	Secret   string
}

type CurrencyConfig struct {
	ReportingCurrency string
	RatesFile         string
}

type FirebaseConfig struct {
	CredentialsFile string
	MessagesFile    string
}

type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	MetricsPort  string
}

type LogConfig struct {
	Level       string
	Development bool
}

// LoadDotEnv loads a .env file into the environment when one exists.
// Variables already set in the environment take precedence.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func Load() (*Config, error) {
	dbPort, err := getIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	// Scheduler configuration
	schedulerWorkers, err := getIntEnv("SCHEDULER_WORKERS", 4)
	if err != nil {
		return nil, err
	}
	schedulerJobDelay, err := getDurationEnv("SCHEDULER_JOB_DELAY", time.Second)
	if err != nil {
		return nil, err
	}
	schedulerQueueSize, err := getIntEnv("SCHEDULER_QUEUE_SIZE", 100)
	if err != nil {
		return nil, err
	}

	// Sync engine configuration
	maxConcurrency, err := getIntEnv("SYNC_MAX_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	maxAttempts, err := getIntEnv("SYNC_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}
	baseBackoff, err := getDurationEnv("SYNC_BASE_BACKOFF", 500*time.Millisecond)
	if err != nil {
		return nil, err
	}
	maxBackoff, err := getDurationEnv("SYNC_MAX_BACKOFF", 10*time.Second)
	if err != nil {
		return nil, err
	}
	providerTimeout, err := getDurationEnv("PROVIDER_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	syncTimeout, err := getDurationEnv("SYNC_TIMEOUT", 3*time.Minute)
	if err != nil {
		return nil, err
	}
	jobTimeout, err := getDurationEnv("SYNC_JOB_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, err
	}
	leaseTTL, err := getDurationEnv("SYNC_LEASE_TTL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	balanceStaleness, err := getDurationEnv("BALANCE_MAX_STALENESS", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	initialLookback, err := getDurationEnv("SYNC_INITIAL_LOOKBACK", 90*24*time.Hour)
	if err != nil {
		return nil, err
	}
	overlap, err := getDurationEnv("SYNC_OVERLAP", 72*time.Hour)
	if err != nil {
		return nil, err
	}

	sessionTTL, err := getDurationEnv("LINK_SESSION_TTL", 4*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Host:         getEnv("HOST", "0.0.0.0"),
			AllowedHosts: splitList(getEnv("ALLOWED_HOSTS", "")),
		},
		TLS: TLSConfig{
			Enabled:      getBoolEnv("TLS_ENABLED", false),
			CertPath:     getEnv("TLS_CERT_PATH", ""),
			KeyPath:      getEnv("TLS_KEY_PATH", ""),
			RedirectHTTP: getBoolEnv("TLS_REDIRECT_HTTP", false),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("DB_USER", "finlink"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "finlink"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Storage: StorageConfig{
			Driver: strings.ToLower(getEnv("STORAGE_DRIVER", "postgres")),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getBoolEnv("SCHEDULER_ENABLED", true),
			ScheduleTimes: splitList(getEnv("SCHEDULER_TIMES", "05:00,10:00,14:00,20:00")),
			WorkerCount:   schedulerWorkers,
			JobDelay:      schedulerJobDelay,
			QueueSize:     schedulerQueueSize,
			RunOnStartup:  getBoolEnv("SCHEDULER_RUN_ON_STARTUP", false),
			SweepSchedule: getEnv("SCHEDULER_SWEEP_SCHEDULE", "@every 30m"),
		},
		Sync: SyncConfig{
			MaxConcurrency:      maxConcurrency,
			MaxAttempts:         maxAttempts,
			BaseBackoff:         baseBackoff,
			MaxBackoff:          maxBackoff,
			ProviderTimeout:     providerTimeout,
			SyncTimeout:         syncTimeout,
			JobTimeout:          jobTimeout,
			LeaseTTL:            leaseTTL,
			BalanceMaxStaleness: balanceStaleness,
			InitialLookback:     initialLookback,
			Overlap:             overlap,
		},
		Link: LinkConfig{
			SessionTTL: sessionTTL,
		},
		Provider: ProviderConfig{
			Mode:     strings.ToLower(getEnv("PROVIDER_MODE", "sandbox")),
			BaseURL:  getEnv("PROVIDER_BASE_URL", ""),
			ClientID: getEnv("PROVIDER_CLIENT_ID", ""),
			Secret:   getEnv("PROVIDER_SECRET", ""),
		},
		Currency: CurrencyConfig{
			ReportingCurrency: strings.ToUpper(getEnv("REPORTING_CURRENCY", "USD")),
			RatesFile:         getEnv("FX_RATES_FILE", ""),
		},
		Firebase: FirebaseConfig{
			CredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
			MessagesFile:    getEnv("NOTIFICATION_MESSAGES_FILE", "messages.json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      getBoolEnv("OTEL_ENABLED", false),
			ServiceName:  getEnv("OTEL_SERVICE_NAME", "finlink-api"),
			Environment:  getEnv("OTEL_ENVIRONMENT", "development"),
			OTLPEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
			MetricsPort:  getEnv("METRICS_PORT", "9464"),
		},
		Log: LogConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Development: getBoolEnv("LOG_DEVELOPMENT", false),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if c.TLS.Enabled {
		if c.TLS.CertPath == "" {
			return fmt.Errorf("TLS_CERT_PATH is required when TLS_ENABLED=true")
		}
		if c.TLS.KeyPath == "" {
			return fmt.Errorf("TLS_KEY_PATH is required when TLS_ENABLED=true")
		}
	}

	switch c.Storage.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORAGE_DRIVER must be postgres or memory, got %q", c.Storage.Driver)
	}

	switch c.Provider.Mode {
	case "sandbox":
	case "http":
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("PROVIDER_BASE_URL is required when PROVIDER_MODE=http")
		}
	default:
		return fmt.Errorf("PROVIDER_MODE must be sandbox or http, got %q", c.Provider.Mode)
	}

	if c.Sync.MaxConcurrency < 1 {
		return fmt.Errorf("SYNC_MAX_CONCURRENCY must be at least 1")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("SYNC_MAX_ATTEMPTS must be at least 1")
	}
	if c.Sync.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	// The lease must outlive the sync it protects.
	if c.Sync.LeaseTTL <= c.Sync.SyncTimeout {
		return fmt.Errorf("SYNC_LEASE_TTL (%v) must exceed SYNC_TIMEOUT (%v)", c.Sync.LeaseTTL, c.Sync.SyncTimeout)
	}
	if c.Sync.JobTimeout < c.Sync.SyncTimeout {
		return fmt.Errorf("SYNC_JOB_TIMEOUT (%v) must be at least SYNC_TIMEOUT (%v)", c.Sync.JobTimeout, c.Sync.SyncTimeout)
	}
	if c.Link.SessionTTL <= 0 {
		return fmt.Errorf("LINK_SESSION_TTL must be positive")
	}
	if len(c.Currency.ReportingCurrency) != 3 {
		return fmt.Errorf("REPORTING_CURRENCY must be an ISO 4217 code")
	}

	return nil
}

func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	// Accept: true, false, 1, 0, yes, no (case-insensitive)
	switch strings.ToLower(value) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}

func getIntEnv(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

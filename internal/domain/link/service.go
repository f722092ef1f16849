package link

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"

	"finlink/internal/domain/account"
	"finlink/internal/domain/provider"
)

var (
	linkMeter        = otel.Meter("finlink/link")
	linkExchanges, _ = linkMeter.Int64Counter("link.exchanges.total",
		metric.WithDescription("Link token exchanges by outcome"),
	)
)

// accountNamespace seeds deterministic ids for exchanged accounts.
var accountNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("finlink:linked-account"))

// AccountCreator is the subset of the account registry used by exchanges.
type AccountCreator interface {
	CreateLinked(ctx context.Context, params account.LinkedParams) (*account.Account, error)
	GetByID(ctx context.Context, id string) (*account.Account, error)
}

// ExchangeHook runs after a successful first exchange.
type ExchangeHook func(ctx context.Context, userID int64, accounts []*account.Account)

type Options struct {
	// SessionTTL is the link horizon from creation.
	SessionTTL time.Duration
	// ClaimTimeout bounds one exchange attempt; an older claim is
	// considered abandoned.
	ClaimTimeout time.Duration
	HashCost     int
}

func (o *Options) setDefaults() {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 4 * time.Hour
	}
	if o.ClaimTimeout <= 0 {
		o.ClaimTimeout = 2 * time.Minute
	}
	if o.HashCost == 0 {
		o.HashCost = bcrypt.DefaultCost
	}
}

// Manager creates link sessions and exchanges them at most once.
type Manager struct {
	repo        Repository
	connector   provider.Connector
	accounts    AccountCreator
	opts        Options
	group       singleflight.Group
	onExchanged ExchangeHook
	now         func() time.Time
}

func NewManager(repo Repository, connector provider.Connector, accounts AccountCreator, opts Options) *Manager {
	opts.setDefaults()
	return &Manager{
		repo:      repo,
		connector: connector,
		accounts:  accounts,
		opts:      opts,
		now:       time.Now,
	}
}

// OnExchanged registers a hook for newly linked accounts.
func (m *Manager) OnExchanged(hook ExchangeHook) {
	m.onExchanged = hook
}

// AccountID derives the id of an account created from a link exchange, so
// that a retried exchange resolves to the same accounts.
func AccountID(token, providerRef string) string {
	return uuid.NewSHA1(accountNamespace, []byte(token+"\x00"+providerRef)).String()
}

// CreateSession obtains a link token and stores a session that expires
// after the configured horizon, or earlier if the provider says so.
func (m *Manager) CreateSession(ctx context.Context, userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, account.ErrInvalidInput
	}

	lt, err := m.connector.CreateLinkSession(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create link token: %w: %w", ErrExchangeFailed, err)
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.opts.SessionTTL)
	if !lt.ExpiresAt.IsZero() && lt.ExpiresAt.Before(expiresAt) {
		expiresAt = lt.ExpiresAt.UTC()
	}

	s := &Session{
		Token:     lt.Token,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	if err := m.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store link session: %w", err)
	}

	zap.L().Info("link session created",
		zap.Int64("user_id", userID),
		zap.Time("expires_at", expiresAt),
	)
	return s, nil
}

// Exchange converts a completed authorization into accounts. Retrying with
// the same token and credential returns the original accounts without
// calling the provider again.
func (m *Manager) Exchange(ctx context.Context, userID int64, token, credential string) (*ExchangeResult, error) {
	if credential == "" {
		return nil, ErrInvalidCredential
	}

	s, err := m.repo.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, ErrForbidden
	}
	if s.Consumed() {
		return m.replay(ctx, s, credential)
	}
	if s.Expired(m.now()) {
		return nil, ErrSessionExpired
	}

	digest := credentialDigest(credential)
	ch := m.group.DoChan(token+":"+digest, func() (any, error) {
		// Detached so that one caller giving up does not abort an exchange
		// the provider may already have accepted.
		xctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ClaimTimeout)
		defer cancel()
		return m.exchange(xctx, s, credential, digest)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			recordExchange(ctx, res.Err)
			return nil, res.Err
		}
		result := res.Val.(*ExchangeResult)
		recordExchange(ctx, nil)
		return result, nil
	}
}

func (m *Manager) exchange(ctx context.Context, s *Session, credential, digest string) (*ExchangeResult, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(digest), m.opts.HashCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	now := m.now().UTC()
	won, err := m.repo.Claim(ctx, s.Token, string(hash), now, now.Add(-m.opts.ClaimTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to claim link session: %w", err)
	}
	if !won {
		current, err := m.repo.Get(ctx, s.Token)
		if err != nil {
			return nil, err
		}
		switch {
		case current.Consumed():
			return m.replay(ctx, current, credential)
		case current.Expired(now):
			return nil, ErrSessionExpired
		default:
			return nil, ErrExchangeInProgress
		}
	}

	result, err := m.complete(ctx, s, credential)
	if err != nil {
		if rerr := m.repo.Release(ctx, s.Token); rerr != nil {
			zap.L().Error("failed to release link session claim",
				zap.Int64("user_id", s.UserID),
				zap.Error(rerr),
			)
		}
		return nil, err
	}
	return result, nil
}

func (m *Manager) complete(ctx context.Context, s *Session, credential string) (*ExchangeResult, error) {
	granted, err := m.connector.ExchangePublicToken(ctx, s.Token, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeFailed, err)
	}
	if len(granted) == 0 {
		return nil, fmt.Errorf("%w: no accounts granted", ErrExchangeFailed)
	}

	accounts := make([]*account.Account, 0, len(granted))
	for _, pa := range granted {
		a, err := m.accounts.CreateLinked(ctx, account.LinkedParams{
			ID:              AccountID(s.Token, pa.Ref),
			UserID:          s.UserID,
			ProviderRef:     pa.Ref,
			Name:            pa.Name,
			Type:            account.ParseType(pa.Type),
			Institution:     pa.Institution,
			InstitutionLogo: pa.InstitutionLogo,
			Currency:        pa.Currency,
			Mask:            pa.Mask,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register account %q: %w", pa.Name, err)
		}
		accounts = append(accounts, a)
	}

	result := &ExchangeResult{Accounts: accounts}
	if err := m.repo.Complete(ctx, s.Token, result.AccountIDs(), m.now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to complete link session: %w", err)
	}

	zap.L().Info("link session exchanged",
		zap.Int64("user_id", s.UserID),
		zap.Int("accounts_created", len(accounts)),
	)

	if m.onExchanged != nil {
		m.onExchanged(context.WithoutCancel(ctx), s.UserID, accounts)
	}
	return result, nil
}

func (m *Manager) replay(ctx context.Context, s *Session, credential string) (*ExchangeResult, error) {
	if !credentialMatches(s.CredentialHash, credential) {
		return nil, ErrSessionConsumed
	}

	accounts := make([]*account.Account, 0, len(s.AccountIDs))
	for _, id := range s.AccountIDs {
		a, err := m.accounts.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load exchanged account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return &ExchangeResult{Accounts: accounts, Replayed: true}, nil
}

// SweepExpired deletes sessions that expired without being exchanged.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.repo.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep link sessions: %w", err)
	}
	if n > 0 {
		zap.L().Info("expired link sessions swept", zap.Int("count", n))
	}
	return n, nil
}

// bcrypt only reads 72 bytes, so the credential is pre-hashed.
func credentialDigest(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func credentialMatches(hash, credential string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(credentialDigest(credential))) == nil
}

func recordExchange(ctx context.Context, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failed"
	}
	linkExchanges.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Package sandbox is a deterministic provider.Connector for local
// development and tests. Account data is derived from the link token and
// never changes between calls, so repeated syncs ingest the same records.
//
// The public credential selects the scenario:
//
//	user_good          three accounts (default for any other value)
//	user_accounts:N    N accounts, 1 to 10
//	user_bad           the exchange fails with a credential error
//	user_broken        accounts whose fetches fail with a credential error
//	user_flaky         accounts whose first fetch of each kind is transient
//	user_reversal      accounts whose newest transaction is reported removed
//	                   on every second transaction fetch and back otherwise
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"finlink/internal/domain/provider"
)

const (
	modeOK       = "ok"
	modeBroken   = "broken"
	modeFlaky    = "flaky"
	modeReversal = "reversal"

	maxAccounts = 10
	maxHistory  = 90 * 24 * time.Hour
)

var errLoginRequired = errors.New("ITEM_LOGIN_REQUIRED: the login details of this item have changed")

type institution struct {
	name string
	logo string
}

var institutions = []institution{
	{name: "First Sandbox Bank", logo: "https://sandbox.finlink.dev/logos/first-sandbox.png"},
	{name: "Tartan Credit Union", logo: "https://sandbox.finlink.dev/logos/tartan.png"},
	{name: "Houndstooth Savings", logo: "https://sandbox.finlink.dev/logos/houndstooth.png"},
}

type accountTemplate struct {
	name        string
	kind        string
	currency    string
	baseBalance int64
}

var templates = []accountTemplate{
	{name: "Everyday Checking", kind: "depository", currency: "USD", baseBalance: 2500},
	{name: "High Yield Savings", kind: "savings_account", currency: "USD", baseBalance: 12000},
	{name: "Rewards Credit Card", kind: "credit_card", currency: "USD", baseBalance: -850},
	{name: "Brokerage", kind: "brokerage", currency: "USD", baseBalance: 30000},
	{name: "Euro Current", kind: "current", currency: "EUR", baseBalance: 1400},
}

var merchants = []struct {
	name     string
	category string
}{
	{"Blue Bottle Coffee", "food_and_drink"},
	{"Whole Foods Market", "groceries"},
	{"Shell", "transportation"},
	{"Netflix", "entertainment"},
	{"Uber", "transportation"},
	{"Amazon", "shopping"},
	{"Con Edison", "utilities"},
	{"Chipotle", "food_and_drink"},
}

// Connector implements provider.Connector without any network access.
type Connector struct {
	mu      sync.Mutex
	seen    map[string]bool
	fetches map[string]int
	now     func() time.Time
}

var _ provider.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{
		seen:    make(map[string]bool),
		fetches: make(map[string]int),
		now:     time.Now,
	}
}

func (c *Connector) CreateLinkSession(ctx context.Context, userID int64) (*provider.LinkToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &provider.LinkToken{Token: "link-sandbox-" + uuid.NewString()}, nil
}

func (c *Connector) ExchangePublicToken(ctx context.Context, token, publicCredential string) ([]provider.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode, count, err := parseCredential(publicCredential)
	if err != nil {
		return nil, provider.CredentialError("exchange_public_token", err)
	}

	digest := tokenDigest(token)
	inst := institutions[hashOf(digest)%uint64(len(institutions))]

	accounts := make([]provider.Account, count)
	for i := range count {
		tpl := templates[i%len(templates)]
		name := tpl.name
		if i >= len(templates) {
			name = fmt.Sprintf("%s %d", tpl.name, i/len(templates)+1)
		}
		accounts[i] = provider.Account{
			Ref:             fmt.Sprintf("%s.%s.%d", mode, digest, i),
			Name:            name,
			Type:            tpl.kind,
			Institution:     inst.name,
			InstitutionLogo: inst.logo,
			Currency:        tpl.currency,
			Mask:            fmt.Sprintf("%04d", hashOf(digest, strconv.Itoa(i))%10000),
		}
	}
	return accounts, nil
}

func (c *Connector) FetchBalance(ctx context.Context, ref string) (*provider.Balance, error) {
	const op = "fetch_balance"
	if err := c.check(ctx, op, ref); err != nil {
		return nil, err
	}

	tpl, err := templateOf(ref)
	if err != nil {
		return nil, provider.CredentialError(op, err)
	}

	cents := int64(hashOf(ref, "balance") % 100000)
	current := decimal.NewFromInt(tpl.baseBalance).Add(decimal.New(cents, -2))
	b := &provider.Balance{
		Current:    current,
		ObservedAt: c.now().UTC().Truncate(time.Minute),
	}
	if tpl.baseBalance > 0 {
		b.Available = decimal.NewNullDecimal(current)
	}
	return b, nil
}

// FetchTransactions returns one transaction per day since the given time,
// capped at 90 days of history. Ids are stable per account and day.
func (c *Connector) FetchTransactions(ctx context.Context, ref string, since time.Time) ([]provider.Transaction, error) {
	const op = "fetch_transactions"
	if err := c.check(ctx, op, ref); err != nil {
		return nil, err
	}

	tpl, err := templateOf(ref)
	if err != nil {
		return nil, provider.CredentialError(op, err)
	}

	now := c.now().UTC()
	if earliest := now.Add(-maxHistory); since.Before(earliest) {
		since = earliest
	}

	var out []provider.Transaction
	for day := truncateDay(since); !day.After(now); day = day.AddDate(0, 0, 1) {
		posted := day.Add(12 * time.Hour)
		if posted.Before(since) || posted.After(now) {
			continue
		}
		out = append(out, dailyTransaction(ref, tpl.currency, day, posted))
	}

	if modeOf(ref) == modeReversal && len(out) > 0 && c.countFetch(ref)%2 == 0 {
		out[len(out)-1].Removed = true
	}
	return out, nil
}

// countFetch records a transaction fetch of ref and returns its ordinal.
func (c *Connector) countFetch(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetches[ref]++
	return c.fetches[ref]
}

// check applies the flaky and broken scenarios.
func (c *Connector) check(ctx context.Context, op, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch modeOf(ref) {
	case modeBroken:
		return provider.CredentialError(op, errLoginRequired)
	case modeFlaky:
		key := op + ":" + ref
		if !c.seen[key] {
			c.seen[key] = true
			return provider.TransientError(op, errors.New("INSTITUTION_NOT_RESPONDING"))
		}
	}
	return nil
}

func parseCredential(credential string) (mode string, count int, err error) {
	switch {
	case credential == "user_bad":
		return "", 0, errors.New("INVALID_CREDENTIALS: the provided credentials were not correct")
	case credential == "user_broken":
		return modeBroken, 3, nil
	case credential == "user_flaky":
		return modeFlaky, 3, nil
	case credential == "user_reversal":
		return modeReversal, 3, nil
	case strings.HasPrefix(credential, "user_accounts:"):
		n, err := strconv.Atoi(strings.TrimPrefix(credential, "user_accounts:"))
		if err != nil || n < 1 || n > maxAccounts {
			return "", 0, fmt.Errorf("INVALID_CREDENTIALS: account count must be 1 to %d", maxAccounts)
		}
		return modeOK, n, nil
	default:
		return modeOK, 3, nil
	}
}

func modeOf(ref string) string {
	mode, _, _ := strings.Cut(ref, ".")
	return mode
}

func templateOf(ref string) (accountTemplate, error) {
	i := strings.LastIndexByte(ref, '.')
	if i < 0 {
		return accountTemplate{}, fmt.Errorf("unknown account %q", ref)
	}
	n, err := strconv.Atoi(ref[i+1:])
	if err != nil || n < 0 {
		return accountTemplate{}, fmt.Errorf("unknown account %q", ref)
	}
	return templates[n%len(templates)], nil
}

func dailyTransaction(ref, currency string, day, posted time.Time) provider.Transaction {
	stamp := day.Format("20060102")
	h := hashOf(ref, stamp)

	// Every seventh day is a deposit.
	if day.YearDay()%7 == 0 {
		return provider.Transaction{
			ID:          ref + "-" + stamp,
			Amount:      decimal.New(int64(100000+h%50000), -2),
			Currency:    currency,
			Description: "Payroll deposit",
			Category:    "income",
			PostedAt:    posted,
		}
	}

	m := merchants[h%uint64(len(merchants))]
	return provider.Transaction{
		ID:          ref + "-" + stamp,
		Amount:      decimal.New(-int64(300+h%12000), -2),
		Currency:    currency,
		Description: m.name,
		Category:    m.category,
		PostedAt:    posted,
	}
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

func hashOf(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return h.Sum64()
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Package provider defines the capability surface of an upstream
// financial-data aggregator and the classification of its failures.
package provider

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Connector is implemented by every upstream aggregator adapter.
type Connector interface {
	// CreateLinkSession starts a link handshake for the user.
	CreateLinkSession(ctx context.Context, userID int64) (*LinkToken, error)

	// ExchangePublicToken resolves a completed authorization into the
	// accounts it grants access to.
	ExchangePublicToken(ctx context.Context, token, publicCredential string) ([]Account, error)

	// FetchBalance returns the current balance of one provider account.
	FetchBalance(ctx context.Context, ref string) (*Balance, error)

	// FetchTransactions returns transactions posted or changed since the
	// given time, including provider removals.
	FetchTransactions(ctx context.Context, ref string, since time.Time) ([]Transaction, error)
}

type LinkToken struct {
	Token string
	// ExpiresAt is zero when the provider does not report an expiry.
	ExpiresAt time.Time
}

// Account is a provider account granted by a link exchange. Ref is opaque
// and only meaningful to the connector that issued it.
type Account struct {
	Ref             string
	Name            string
	Type            string
	Institution     string
	InstitutionLogo string
	Currency        string
	Mask            string
}

type Balance struct {
	Current    decimal.Decimal
	Available  decimal.NullDecimal
	ObservedAt time.Time
}

type Transaction struct {
	ID          string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Category    string
	PostedAt    time.Time
	Removed     bool
}

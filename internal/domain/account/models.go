package account

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"finlink/internal/shared/apperr"
)

type Type string

const (
	TypeChecking   Type = "checking"
	TypeSavings    Type = "savings"
	TypeCurrent    Type = "current"
	TypeCredit     Type = "credit"
	TypeInvestment Type = "investment"
	TypeOther      Type = "other"
)

// Types lists account types in display order.
var Types = []Type{TypeChecking, TypeSavings, TypeCurrent, TypeCredit, TypeInvestment, TypeOther}

type Integration string

const (
	IntegrationProviderLinked Integration = "provider_linked"
	IntegrationManual         Integration = "manual"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

var (
	// Common ISO 4217 currency codes
	validCurrencies = map[string]struct{}{
		"BRL": {}, "USD": {}, "EUR": {}, "GBP": {}, "JPY": {},
		"CHF": {}, "CAD": {}, "AUD": {}, "NZD": {}, "CNY": {},
		"INR": {}, "MXN": {}, "ZAR": {}, "SEK": {}, "NOK": {},
		"DKK": {}, "PLN": {}, "TRY": {}, "KRW": {}, "SGD": {},
		"HKD": {}, "ARS": {}, "CLP": {}, "COP": {}, "NGN": {},
	}

	// providerTypeAliases maps the loose type names aggregators report.
	providerTypeAliases = map[string]Type{
		"depository":       TypeChecking,
		"checking_account": TypeChecking,
		"bank":             TypeChecking,
		"savings_account":  TypeSavings,
		"credit_card":      TypeCredit,
		"loan":             TypeCredit,
		"brokerage":        TypeInvestment,
	}
)

// Domain errors
var (
	ErrAccountNotFound    = apperr.New(apperr.ErrNotFound, "account not found")
	ErrForbidden          = apperr.New(apperr.ErrForbidden, "access forbidden")
	ErrInvalidInput       = apperr.New(apperr.ErrValidation, "invalid input")
	ErrInvalidAccountType = apperr.New(apperr.ErrValidation, "invalid account type")
	ErrInvalidCurrency    = apperr.New(apperr.ErrValidation, "valid ISO 4217 currency is required")
	ErrInvalidTransition  = apperr.New(apperr.ErrValidation, "invalid account status transition")
	ErrProviderOwnedField = apperr.New(apperr.ErrValidation, "field is owned by the provider for linked accounts")
	ErrStatusConflict     = apperr.New(apperr.ErrConflict, "account status changed concurrently")
)

// Account is a linked or manually tracked financial account.
type Account struct {
	ID              string              `json:"id"`
	UserID          int64               `json:"userId"`
	Name            string              `json:"name"`
	Type            Type                `json:"type"`
	Institution     string              `json:"institution"`
	InstitutionLogo string              `json:"institutionLogo,omitempty"`
	Currency        string              `json:"currency"`
	Integration     Integration         `json:"integration"`
	Status          Status              `json:"status"`
	LastSyncedAt    *time.Time          `json:"lastSyncedAt"`
	ProviderRef     string              `json:"-"`
	Mask            string              `json:"mask,omitempty"`
	Notes           string              `json:"notes,omitempty"`
	ManualBalance   decimal.NullDecimal `json:"manualBalance"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	RemovedAt       *time.Time          `json:"-"`
}

func (a *Account) IsManual() bool {
	return a.Integration == IntegrationManual
}

// Syncable reports whether the account is refreshed from a provider.
func (a *Account) Syncable() bool {
	return a.Integration == IntegrationProviderLinked && a.Status != StatusDisconnected
}

// CanTransition reports whether an account of the given integration may
// move from one status to another. Same-state moves are always allowed.
func CanTransition(integration Integration, from, to Status) bool {
	if from == to {
		return true
	}
	if integration == IntegrationManual {
		return false
	}
	switch from {
	case StatusActive:
		return to == StatusError || to == StatusDisconnected
	case StatusError:
		return to == StatusActive || to == StatusDisconnected
	default:
		return false
	}
}

// ManualParams contains parameters for creating a manual account
type ManualParams struct {
	UserID      int64
	Name        string
	Type        Type
	Institution string
	Currency    string
	Balance     decimal.Decimal
	Notes       string
}

func (p ManualParams) Validate() error {
	if p.UserID <= 0 {
		return ErrInvalidInput
	}
	if strings.TrimSpace(p.Name) == "" {
		return ErrInvalidInput
	}
	if !IsValidType(p.Type) {
		return ErrInvalidAccountType
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// LinkedParams contains parameters for registering a provider-linked account
type LinkedParams struct {
	ID              string
	UserID          int64
	ProviderRef     string
	Name            string
	Type            Type
	Institution     string
	InstitutionLogo string
	Currency        string
	Mask            string
}

func (p LinkedParams) Validate() error {
	if p.ID == "" || p.UserID <= 0 || p.ProviderRef == "" {
		return ErrInvalidInput
	}
	if !IsValidType(p.Type) {
		return ErrInvalidAccountType
	}
	if !IsValidCurrency(p.Currency) {
		return ErrInvalidCurrency
	}
	return nil
}

// UpdateParams contains the user-mutable fields. Balance, Currency, Type and
// Institution may only be changed on manual accounts.
type UpdateParams struct {
	Name          *string
	Notes         *string
	ManualBalance *decimal.Decimal
	Currency      *string
	Type          *Type
	Institution   *string
}

func (p UpdateParams) touchesProviderFields() bool {
	return p.ManualBalance != nil || p.Currency != nil || p.Type != nil || p.Institution != nil
}

func IsValidType(t Type) bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// ParseType normalizes a provider-reported account type. Unknown values
// map to TypeOther.
func ParseType(s string) Type {
	s = strings.ToLower(strings.TrimSpace(s))
	if t := Type(s); IsValidType(t) {
		return t
	}
	if t, ok := providerTypeAliases[s]; ok {
		return t
	}
	return TypeOther
}

// IsValidCurrency checks if the provided currency is a valid ISO 4217 code.
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	_, ok := validCurrencies[c]
	return ok
}

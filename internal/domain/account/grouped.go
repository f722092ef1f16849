package account

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Reasons an account is left out of a grouped total.
const (
	ExcludedNoBalance = "no_balance"
	ExcludedNoRate    = "no_rate"
)

type Holding struct {
	Account *Account `json:"account"`
	// Balance is in the account's own currency.
	Balance           decimal.NullDecimal `json:"balance"`
	ExcludedFromTotal string              `json:"excludedFromTotal,omitempty"`
}

type TypeGroup struct {
	Type     Type            `json:"type"`
	Holdings []Holding       `json:"accounts"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

type Exclusion struct {
	AccountID string `json:"accountId"`
	Reason    string `json:"reason"`
}

// Grouped is the by-type view of a user's accounts. Total and subtotals are
// in Currency and cover non-disconnected accounts only.
type Grouped struct {
	Groups   []TypeGroup     `json:"groups"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency"`
	Excluded []Exclusion     `json:"excluded"`
}

func (r *Registry) ListByUserGroupedByType(ctx context.Context, userID int64) (*Grouped, error) {
	accounts, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	byType := make(map[Type]*TypeGroup)
	out := &Grouped{Total: decimal.Zero, Currency: r.reportingCurrency, Excluded: []Exclusion{}}

	for _, a := range accounts {
		g, ok := byType[a.Type]
		if !ok {
			g = &TypeGroup{Type: a.Type, Subtotal: decimal.Zero}
			byType[a.Type] = g
		}

		h := Holding{Account: a}
		balance, known, err := r.balanceOf(ctx, a)
		if err != nil {
			return nil, err
		}
		if known {
			h.Balance = decimal.NewNullDecimal(balance)
		}

		if a.Status != StatusDisconnected {
			switch converted, reason := r.toReporting(a, balance, known); reason {
			case "":
				g.Subtotal = g.Subtotal.Add(converted)
				out.Total = out.Total.Add(converted)
			default:
				h.ExcludedFromTotal = reason
				out.Excluded = append(out.Excluded, Exclusion{AccountID: a.ID, Reason: reason})
			}
		}

		g.Holdings = append(g.Holdings, h)
	}

	for _, t := range Types {
		if g, ok := byType[t]; ok {
			out.Groups = append(out.Groups, *g)
		}
	}
	return out, nil
}

func (r *Registry) balanceOf(ctx context.Context, a *Account) (decimal.Decimal, bool, error) {
	if a.IsManual() {
		return a.ManualBalance.Decimal, a.ManualBalance.Valid, nil
	}
	if r.balances == nil {
		return decimal.Zero, false, nil
	}
	b, ok, err := r.balances.CurrentBalance(ctx, a.ID)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read balance: %w", err)
	}
	return b, ok, nil
}

func (r *Registry) toReporting(a *Account, balance decimal.Decimal, known bool) (decimal.Decimal, string) {
	if !known {
		return decimal.Zero, ExcludedNoBalance
	}
	if a.Currency == r.reportingCurrency {
		return balance, ""
	}
	if r.converter == nil {
		return decimal.Zero, ExcludedNoRate
	}
	converted, err := r.converter.Convert(balance, a.Currency, r.reportingCurrency)
	if err != nil {
		zap.L().Debug("excluding account from total",
			zap.String("account_id", a.ID),
			zap.String("currency", a.Currency),
			zap.Error(err),
		)
		return decimal.Zero, ExcludedNoRate
	}
	return converted, ""
}

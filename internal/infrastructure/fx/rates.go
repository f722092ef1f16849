// Package fx converts amounts between currencies using a static table of
// rates loaded from YAML.
package fx

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"finlink/internal/domain/account"
	"finlink/internal/shared/apperr"
)

var ErrRateUnavailable = apperr.New(apperr.ErrNotFound, "exchange rate unavailable")

type rateConfig struct {
	Currency string `yaml:"currency"`
	// Rate is the value of one unit of Currency in the base currency.
	Rate string `yaml:"rate"`
}

type ratesFile struct {
	Base  string       `yaml:"base"`
	Rates []rateConfig `yaml:"rates"`
}

// Table holds rates relative to a base currency.
type Table struct {
	base  string
	rates map[string]decimal.Decimal
}

var _ account.Converter = (*Table)(nil)

// NewTable builds a table from rates expressed in base currency units.
func NewTable(base string, rates map[string]decimal.Decimal) *Table {
	t := &Table{base: strings.ToUpper(base), rates: make(map[string]decimal.Decimal, len(rates)+1)}
	for c, r := range rates {
		t.rates[strings.ToUpper(c)] = r
	}
	t.rates[t.base] = decimal.NewFromInt(1)
	return t
}

// Load reads a rates file of the form
//
//	base: USD
//	rates:
//	  - currency: EUR
//	    rate: "1.08"
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}

	var f ratesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	if len(f.Base) != 3 {
		return nil, fmt.Errorf("%s: base must be an ISO 4217 code", path)
	}

	rates := make(map[string]decimal.Decimal, len(f.Rates))
	for i, r := range f.Rates {
		if len(r.Currency) != 3 {
			return nil, fmt.Errorf("rate at index %d missing currency", i)
		}
		v, err := decimal.NewFromString(r.Rate)
		if err != nil || !v.IsPositive() {
			return nil, fmt.Errorf("rate at index %d (%s) must be a positive decimal", i, r.Currency)
		}
		rates[r.Currency] = v
	}
	return NewTable(f.Base, rates), nil
}

func (t *Table) Base() string {
	return t.base
}

// Convert converts amount from one currency to another through the base.
func (t *Table) Convert(amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}

	fromRate, ok := t.rates[from]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, from)
	}
	toRate, ok := t.rates[to]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrRateUnavailable, to)
	}

	return amount.Mul(fromRate).DivRound(toRate, 8).Round(2), nil
}

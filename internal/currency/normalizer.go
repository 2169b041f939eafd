// Package currency normalizes payment amounts into the report currency.
//
// Conversion is an ordered chain of named strategies. The strategy that fired
// is recorded alongside the amount so a reviewer can audit where a number
// came from. A rate captured at processing time is never recomputed.
package currency

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Converter is the external currency-conversion collaborator.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// Strategy names recorded on conversion results.
const (
	StrategyStoredRate   = "stored_rate"
	StrategySameCurrency = "same_currency"
	StrategyLiveLookup   = "live_lookup"
)

// ErrNoConversion means no strategy could produce a report-currency amount.
// The payment still appears in aggregates with a zero contribution; callers
// flag it instead of dropping it.
var ErrNoConversion = errors.New("no conversion strategy applicable")

// Result is one normalized amount plus the audit trail of how it was made.
type Result struct {
	Amount   decimal.Decimal
	Rate     decimal.Decimal
	Strategy string
}

type Normalizer struct {
	reportCurrency string
	converter      Converter
}

func NewNormalizer(reportCurrency string, converter Converter) *Normalizer {
	return &Normalizer{reportCurrency: reportCurrency, converter: converter}
}

// ReportCurrency returns the currency all totals are normalized into.
func (n *Normalizer) ReportCurrency() string { return n.reportCurrency }

// Normalize converts amount from its own currency into the report currency.
// storedRate, when positive, is the exchange rate captured at processing time
// and always wins over any other strategy.
func (n *Normalizer) Normalize(ctx context.Context, amount decimal.Decimal, fromCurrency string, storedRate decimal.Decimal) (Result, error) {
	if storedRate.IsPositive() {
		return Result{
			Amount:   amount.Mul(storedRate),
			Rate:     storedRate,
			Strategy: StrategyStoredRate,
		}, nil
	}

	if fromCurrency == n.reportCurrency {
		return Result{
			Amount:   amount,
			Rate:     decimal.NewFromInt(1),
			Strategy: StrategySameCurrency,
		}, nil
	}

	if n.converter == nil {
		return Result{}, ErrNoConversion
	}

	converted, err := n.converter.Convert(ctx, amount, fromCurrency, n.reportCurrency)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s->%s: %v", ErrNoConversion, fromCurrency, n.reportCurrency, err)
	}

	rate := decimal.NewFromInt(1)
	if !amount.IsZero() {
		rate = converted.Div(amount)
	}

	return Result{
		Amount:   converted,
		Rate:     rate,
		Strategy: StrategyLiveLookup,
	}, nil
}

package currency

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// StaticTable is a Converter backed by a fixed rate table, used when no live
// conversion service is configured. Rates are quoted as units of the report
// currency per one unit of the foreign currency.
type StaticTable struct {
	reportCurrency string
	rates          map[string]decimal.Decimal
}

func NewStaticTable(reportCurrency string, rates map[string]decimal.Decimal) *StaticTable {
	return &StaticTable{reportCurrency: reportCurrency, rates: rates}
}

// ParseRateTable reads a "EUR:4.30,USD:3.95" style spec from configuration.
func ParseRateTable(reportCurrency, spec string) (*StaticTable, error) {
	rates := make(map[string]decimal.Decimal)
	if spec != "" {
		for _, pair := range strings.Split(spec, ",") {
			ccy, rate, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				return nil, fmt.Errorf("invalid rate entry %q", pair)
			}
			d, err := decimal.NewFromString(rate)
			if err != nil {
				return nil, fmt.Errorf("invalid rate for %s: %w", ccy, err)
			}
			rates[strings.ToUpper(ccy)] = d
		}
	}
	return NewStaticTable(reportCurrency, rates), nil
}

func (t *StaticTable) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if to != t.reportCurrency {
		return decimal.Zero, fmt.Errorf("no rate table for target currency %s", to)
	}
	rate, ok := t.rates[strings.ToUpper(from)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no rate for %s", from)
	}
	return amount.Mul(rate), nil
}

package currency

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type converterFunc func(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)

func (f converterFunc) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	return f(ctx, amount, from, to)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestNormalize_StoredRateWins(t *testing.T) {
	// Even with a live converter available, a stored rate must be used as
	// captured at processing time.
	called := false
	n := NewNormalizer("PLN", converterFunc(func(context.Context, decimal.Decimal, string, string) (decimal.Decimal, error) {
		called = true
		return d("999"), nil
	}))

	res, err := n.Normalize(context.Background(), d("100"), "EUR", d("4.30"))
	require.NoError(t, err)
	assert.Equal(t, StrategyStoredRate, res.Strategy)
	assert.True(t, res.Amount.Equal(d("430")), "got %s", res.Amount)
	assert.False(t, called)
}

func TestNormalize_SameCurrencyIdentity(t *testing.T) {
	n := NewNormalizer("PLN", nil)

	res, err := n.Normalize(context.Background(), d("250"), "PLN", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StrategySameCurrency, res.Strategy)
	assert.True(t, res.Amount.Equal(d("250")))
	assert.True(t, res.Rate.Equal(d("1")))
}

func TestNormalize_LiveLookup(t *testing.T) {
	n := NewNormalizer("PLN", converterFunc(func(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
		assert.Equal(t, "EUR", from)
		assert.Equal(t, "PLN", to)
		return amount.Mul(d("4.25")), nil
	}))

	res, err := n.Normalize(context.Background(), d("100"), "EUR", decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, StrategyLiveLookup, res.Strategy)
	assert.True(t, res.Amount.Equal(d("425")))
	assert.True(t, res.Rate.Equal(d("4.25")))
}

func TestNormalize_NoStrategy(t *testing.T) {
	t.Run("no converter configured", func(t *testing.T) {
		n := NewNormalizer("PLN", nil)
		_, err := n.Normalize(context.Background(), d("100"), "EUR", decimal.Zero)
		assert.ErrorIs(t, err, ErrNoConversion)
	})

	t.Run("converter fails", func(t *testing.T) {
		n := NewNormalizer("PLN", converterFunc(func(context.Context, decimal.Decimal, string, string) (decimal.Decimal, error) {
			return decimal.Zero, errors.New("rate service down")
		}))
		_, err := n.Normalize(context.Background(), d("100"), "EUR", decimal.Zero)
		assert.ErrorIs(t, err, ErrNoConversion)
	})
}

func TestParseRateTable(t *testing.T) {
	table, err := ParseRateTable("PLN", "EUR:4.30, usd:3.95")
	require.NoError(t, err)

	got, err := table.Convert(context.Background(), d("10"), "USD", "PLN")
	require.NoError(t, err)
	assert.True(t, got.Equal(d("39.5")))

	_, err = table.Convert(context.Background(), d("10"), "GBP", "PLN")
	assert.Error(t, err)

	_, err = table.Convert(context.Background(), d("10"), "EUR", "USD")
	assert.Error(t, err, "only the report currency is a valid target")

	_, err = ParseRateTable("PLN", "EUR=4.30")
	assert.Error(t, err)
}

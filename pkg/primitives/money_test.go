package primitives

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMoney_RejectsNegative(t *testing.T) {
	_, err := NewMoney(decimal.NewFromInt(-1), "USD")
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestNewMoney_NormalizesCurrency(t *testing.T) {
	m, err := ParseMoney("10.5", " usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", m.Currency())
	assert.Equal(t, "10.50 USD", m.String())

	_, err = ParseMoney("1", "US")
	require.ErrorIs(t, err, ErrInvalidCurrency)
	_, err = ParseMoney("1", "U$D")
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestMoney_AddAndMultiply(t *testing.T) {
	a := MustMoney("2.25", "EUR")
	b := MustMoney("0.75", "EUR")

	sum, err := a.Add(b)
	require.NoError(t, err)
	assert.True(t, sum.Equal(MustMoney("3", "EUR")))

	assert.True(t, a.Multiply(4).Equal(MustMoney("9", "EUR")))
	assert.True(t, a.Multiply(0).IsZero())

	_, err = a.Add(MustMoney("1", "USD"))
	require.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestMoney_JSON(t *testing.T) {
	raw, err := json.Marshal(MustMoney("19.9", "USD"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"19.90","currency":"USD"}`, string(raw))

	var m Money
	require.Error(t, json.Unmarshal([]byte(`{"amount":"-1","currency":"USD"}`), &m))
}

func TestNewQuantity(t *testing.T) {
	q, err := NewQuantity(3)
	require.NoError(t, err)
	assert.True(t, q.Positive())

	zero, err := NewQuantity(0)
	require.NoError(t, err)
	assert.False(t, zero.Positive())

	_, err = NewQuantity(-2)
	require.ErrorIs(t, err, ErrNegativeQuantity)
}

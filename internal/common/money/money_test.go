package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	m, err := Parse("1050.00", KES)
	require.NoError(t, err)
	assert.Equal(t, int64(105000), m.AmountMinor)
	assert.Equal(t, "1050.00", m.Major())

	m, err = Parse("7", KES)
	require.NoError(t, err)
	assert.Equal(t, int64(700), m.AmountMinor)

	_, err = Parse("1.005", KES)
	assert.ErrorIs(t, err, ErrPrecision)

	_, err = Parse("10.5", UGX)
	assert.ErrorIs(t, err, ErrPrecision)

	_, err = Parse("abc", KES)
	assert.Error(t, err)

	_, err = Parse("10", Currency("XXX"))
	assert.ErrorIs(t, err, ErrUnknownCurrency)
}

func TestMulRateRoundsHalfUp(t *testing.T) {
	rate := decimal.RequireFromString("0.05")

	assert.Equal(t, int64(5000), MustParse("1000.00", KES).MulRate(rate).AmountMinor)
	// 0.10 * 0.05 = 0.005 -> 0.01
	assert.Equal(t, int64(1), MustParse("0.10", KES).MulRate(rate).AmountMinor)
	// 0.09 * 0.05 = 0.0045 -> 0.00
	assert.Equal(t, int64(0), MustParse("0.09", KES).MulRate(rate).AmountMinor)
}

func TestAddCurrencyMismatch(t *testing.T) {
	_, err := New(100, KES).Add(New(100, USD))
	assert.ErrorIs(t, err, ErrCurrencyMismatch)
}

func TestWholeUnits(t *testing.T) {
	n, ok := MustParse("150.00", KES).WholeUnits()
	assert.True(t, ok)
	assert.Equal(t, int64(150), n)

	_, ok = MustParse("150.50", KES).WholeUnits()
	assert.False(t, ok)
}

func TestCeilWhole(t *testing.T) {
	assert.Equal(t, int64(106100), MustParse("1060.01", KES).CeilWhole().AmountMinor)
	assert.Equal(t, int64(105000), MustParse("1050.00", KES).CeilWhole().AmountMinor)
	assert.Equal(t, int64(1500), MustParse("1500", UGX).CeilWhole().AmountMinor)
}

func TestJSON(t *testing.T) {
	b, err := json.Marshal(MustParse("12.30", KES))
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"12.30","amount_minor":1230,"currency":"KES"}`, string(b))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"5","currency":"KES"}`), &m))
	assert.Equal(t, New(500, KES), m)
}

func TestSum(t *testing.T) {
	s, err := Sum(KES, New(100, KES), New(-40, KES), New(15, KES))
	require.NoError(t, err)
	assert.Equal(t, int64(75), s.AmountMinor)
}

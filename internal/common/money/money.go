package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Currency represents an ISO 4217 currency code
type Currency string

const (
	KES Currency = "KES"
	UGX Currency = "UGX"
	TZS Currency = "TZS"
	USD Currency = "USD"
)

// CurrencyInfo contains metadata about a currency
type CurrencyInfo struct {
	Code       Currency
	MinorUnits int32
	Symbol     string
}

var currencies = map[Currency]CurrencyInfo{
	KES: {Code: KES, MinorUnits: 2, Symbol: "KES"},
	UGX: {Code: UGX, MinorUnits: 0, Symbol: "UGX"},
	TZS: {Code: TZS, MinorUnits: 2, Symbol: "TZS"},
	USD: {Code: USD, MinorUnits: 2, Symbol: "USD"},
}

var (
	ErrUnknownCurrency  = errors.New("unknown currency")
	ErrCurrencyMismatch = errors.New("currency mismatch")
	ErrPrecision        = errors.New("amount has more decimal places than the currency allows")
	ErrOverflow         = errors.New("amount out of range")
)

// Supported reports whether c is a known currency.
func Supported(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

func minorUnits(c Currency) int32 {
	if info, ok := currencies[c]; ok {
		return info.MinorUnits
	}
	return 2
}

// Money is an amount in minor units (cents). It may be signed: ledger legs
// use negative values for debits.
type Money struct {
	AmountMinor int64    `json:"amount_minor"`
	Currency    Currency `json:"currency"`
}

// New creates a new Money value from minor units
func New(amountMinor int64, currency Currency) Money {
	return Money{AmountMinor: amountMinor, Currency: currency}
}

// Zero returns a zero amount for a currency
func Zero(currency Currency) Money {
	return Money{Currency: currency}
}

// Parse reads a major-unit decimal string such as "1050.00". Amounts with
// more precision than the currency's minor unit are rejected, never rounded.
func Parse(s string, currency Currency) (Money, error) {
	if !Supported(currency) {
		return Money{}, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return FromDecimal(d, currency)
}

// FromDecimal converts a major-unit decimal into Money.
func FromDecimal(d decimal.Decimal, currency Currency) (Money, error) {
	scaled := d.Shift(minorUnits(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return Money{}, ErrPrecision
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return Money{}, ErrOverflow
	}
	return Money{AmountMinor: scaled.IntPart(), Currency: currency}, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, currency Currency) Money {
	m, err := Parse(s, currency)
	if err != nil {
		panic(err)
	}
	return m
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.AmountMinor, -minorUnits(m.Currency))
}

// IsZero returns true if the amount is zero
func (m Money) IsZero() bool { return m.AmountMinor == 0 }

// IsPositive returns true if the amount is positive
func (m Money) IsPositive() bool { return m.AmountMinor > 0 }

// IsNegative returns true if the amount is negative
func (m Money) IsNegative() bool { return m.AmountMinor < 0 }

// Negate returns the negated amount
func (m Money) Negate() Money {
	return Money{AmountMinor: -m.AmountMinor, Currency: m.Currency}
}

// Abs returns the absolute value
func (m Money) Abs() Money {
	if m.AmountMinor < 0 {
		return m.Negate()
	}
	return m
}

// Add adds two money values (must be same currency)
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.Currency, other.Currency)
	}
	sum := m.AmountMinor + other.AmountMinor
	if (other.AmountMinor > 0 && sum < m.AmountMinor) || (other.AmountMinor < 0 && sum > m.AmountMinor) {
		return Money{}, ErrOverflow
	}
	return Money{AmountMinor: sum, Currency: m.Currency}, nil
}

// Sub subtracts two money values (must be same currency)
func (m Money) Sub(other Money) (Money, error) {
	return m.Add(other.Negate())
}

// MustAdd adds two money values, panics on currency mismatch
func (m Money) MustAdd(other Money) Money {
	result, err := m.Add(other)
	if err != nil {
		panic(err)
	}
	return result
}

// MulRate multiplies by a decimal rate and rounds half-up to the minor unit.
// Rates are expected to be non-negative.
func (m Money) MulRate(rate decimal.Decimal) Money {
	product := decimal.NewFromInt(m.AmountMinor).Mul(rate).Round(0)
	return Money{AmountMinor: product.IntPart(), Currency: m.Currency}
}

// WholeUnits returns the amount in major units when it has no fractional part.
func (m Money) WholeUnits() (int64, bool) {
	d := m.Decimal()
	if !d.Equal(d.Truncate(0)) {
		return 0, false
	}
	return d.IntPart(), true
}

// CeilWhole rounds up to the next whole major unit.
func (m Money) CeilWhole() Money {
	d := m.Decimal().Ceil()
	return Money{AmountMinor: d.Shift(minorUnits(m.Currency)).IntPart(), Currency: m.Currency}
}

// Equal checks equality
func (m Money) Equal(other Money) bool {
	return m.AmountMinor == other.AmountMinor && m.Currency == other.Currency
}

// Major formats the amount with the currency's fixed number of decimals.
func (m Money) Major() string {
	return m.Decimal().StringFixed(minorUnits(m.Currency))
}

// String returns e.g. "KES 1050.00"
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.Currency, m.Major())
}

type moneyJSON struct {
	Amount      string `json:"amount"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// MarshalJSON implements json.Marshaler
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(moneyJSON{
		Amount:      m.Major(),
		AmountMinor: m.AmountMinor,
		Currency:    string(m.Currency),
	})
}

// UnmarshalJSON accepts either the decimal "amount" or "amount_minor".
func (m *Money) UnmarshalJSON(data []byte) error {
	var v moneyJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	currency := Currency(v.Currency)
	if v.Amount != "" {
		parsed, err := Parse(v.Amount, currency)
		if err != nil {
			return err
		}
		*m = parsed
		return nil
	}
	*m = Money{AmountMinor: v.AmountMinor, Currency: currency}
	return nil
}

// Sum adds up multiple money values
func Sum(currency Currency, amounts ...Money) (Money, error) {
	result := Zero(currency)
	for _, a := range amounts {
		var err error
		if result, err = result.Add(a); err != nil {
			return Money{}, err
		}
	}
	return result, nil
}

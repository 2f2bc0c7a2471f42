// Package money provides currency-aware amount handling and the platform
// fee split.
//
// Amounts are decimal values rounded to the currency's minor unit (cents
// for USD, none for JPY). The fee split is exact: fee plus payee
// receivable always reconstructs the gross amount.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for amounts that are non-positive, carry
// sub-minor-unit precision, or name a malformed currency code.
var ErrInvalidAmount = errors.New("money: invalid amount")

// Minor-unit exceptions per ISO 4217. Everything else uses 2.
var (
	zeroDecimalCurrencies = map[string]bool{
		"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
		"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
		"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
		"XPF": true,
	}
	threeDecimalCurrencies = map[string]bool{
		"BHD": true, "IQD": true, "JOD": true, "KWD": true, "LYD": true,
		"OMR": true, "TND": true,
	}
)

const defaultMinorUnits = 2

// MinorUnits returns the number of decimal places for a currency code.
// The code must be three ASCII letters; case is ignored.
func MinorUnits(currency string) (int32, error) {
	code, err := normalizeCurrency(currency)
	if err != nil {
		return 0, err
	}
	switch {
	case zeroDecimalCurrencies[code]:
		return 0, nil
	case threeDecimalCurrencies[code]:
		return 3, nil
	default:
		return defaultMinorUnits, nil
	}
}

func normalizeCurrency(currency string) (string, error) {
	if len(currency) != 3 {
		return "", fmt.Errorf("%w: currency code %q", ErrInvalidAmount, currency)
	}
	code := make([]byte, 3)
	for i := 0; i < 3; i++ {
		c := currency[i]
		switch {
		case c >= 'A' && c <= 'Z':
			code[i] = c
		case c >= 'a' && c <= 'z':
			code[i] = c - 'a' + 'A'
		default:
			return "", fmt.Errorf("%w: currency code %q", ErrInvalidAmount, currency)
		}
	}
	return string(code), nil
}

// ParseAmount parses a decimal string into a validated gross amount:
// strictly positive and no finer than the currency's minor unit.
func ParseAmount(s, currency string) (decimal.Decimal, error) {
	units, err := MinorUnits(currency)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, d)
	}
	if !d.Equal(d.Truncate(units)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places for %s",
			ErrInvalidAmount, d, units, currency)
	}
	return d, nil
}

// Breakdown is the result of splitting a gross amount.
type Breakdown struct {
	Fee             decimal.Decimal
	PayeeReceivable decimal.Decimal
}

// FeeCalculator splits gross amounts into platform fee and payee
// receivable at a fixed deployment-wide rate.
type FeeCalculator struct {
	rate decimal.Decimal
}

// NewFeeCalculator creates a calculator for a rate in [0, 1).
func NewFeeCalculator(rate decimal.Decimal) (*FeeCalculator, error) {
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("money: fee rate must be in [0, 1), got %s", rate)
	}
	return &FeeCalculator{rate: rate}, nil
}

// Rate returns the configured fee rate.
func (c *FeeCalculator) Rate() decimal.Decimal {
	return c.rate
}

// Split computes the platform fee and payee receivable for a gross amount.
// The fee is rounded to the currency's minor unit half-to-even; the
// receivable is the exact remainder, so Fee + PayeeReceivable == gross.
func (c *FeeCalculator) Split(gross decimal.Decimal, currency string) (Breakdown, error) {
	units, err := MinorUnits(currency)
	if err != nil {
		return Breakdown{}, err
	}
	if !gross.IsPositive() {
		return Breakdown{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, gross)
	}
	if !gross.Equal(gross.Truncate(units)) {
		return Breakdown{}, fmt.Errorf("%w: %s has more than %d decimal places for %s",
			ErrInvalidAmount, gross, units, currency)
	}

	fee := gross.Mul(c.rate).RoundBank(units)
	return Breakdown{
		Fee:             fee,
		PayeeReceivable: gross.Sub(fee),
	}, nil
}

// ToMinorUnits converts an amount to an integer count of the currency's
// minor unit (e.g. "12.34" USD -> 1234). The amount must not be finer
// than the minor unit.
func ToMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	units, err := MinorUnits(currency)
	if err != nil {
		return 0, err
	}
	shifted := amount.Shift(units)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s has more than %d decimal places for %s",
			ErrInvalidAmount, amount, units, currency)
	}
	return shifted.IntPart(), nil
}

// FromMinorUnits converts an integer count of minor units back into a
// decimal amount (e.g. 1234 USD -> "12.34").
func FromMinorUnits(n int64, currency string) (decimal.Decimal, error) {
	units, err := MinorUnits(currency)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(n).Shift(-units), nil
}

// Format renders an amount with exactly the currency's minor-unit places.
func Format(amount decimal.Decimal, currency string) string {
	units, err := MinorUnits(currency)
	if err != nil {
		return amount.String()
	}
	return amount.StringFixed(units)
}

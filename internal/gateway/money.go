package gateway

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ISO 4217 minor unit exponents that differ from 2.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "JPY": 0, "KRW": 0, "PYG": 0, "VND": 0, "XAF": 0, "XOF": 0,
	"BHD": 3, "JOD": 3, "KWD": 3, "OMR": 3, "TND": 3,
}

func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMajor converts minor units to a decimal amount in major units.
func ToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// FormatMajor renders minor units as a fixed-point string, e.g. 5000 USD -> "50.00".
func FormatMajor(amount int64, currency string) string {
	return ToMajor(amount, currency).StringFixed(Exponent(currency))
}

// ParseMajor converts a major-unit string into minor units.
func ParseMajor(value, currency string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return d.Shift(Exponent(currency)).Round(0).IntPart(), nil
}

// Package zec converts between ZEC decimal amounts and fixed-point
// zatoshis. All internal arithmetic uses zatoshis (int64); decimals appear
// only at the caller and backend boundaries.
package zec

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ZatPerZEC is the number of zatoshis in one ZEC.
const ZatPerZEC = 100_000_000

var zatPerZEC = decimal.NewFromInt(ZatPerZEC)

// ToZatoshis converts a ZEC decimal into zatoshis, rejecting amounts with
// sub-zatoshi precision or out of int64 range.
func ToZatoshis(amount decimal.Decimal) (int64, error) {
	scaled := amount.Mul(zatPerZEC)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-zatoshi precision", amount.String())
	}
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", amount.String())
	}
	return scaled.IntPart(), nil
}

// ParseZEC parses a decimal string and converts it to zatoshis.
func ParseZEC(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToZatoshis(d)
}

// FromZatoshis converts zatoshis into a ZEC decimal.
func FromZatoshis(zat int64) decimal.Decimal {
	return decimal.New(zat, -8)
}

// FormatZEC renders zatoshis as an 8-place ZEC string for the wire.
func FormatZEC(zat int64) string {
	return FromZatoshis(zat).StringFixed(8)
}

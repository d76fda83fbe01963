package domain

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Amount is a token quantity in the token's smallest integer unit.
// All ledger arithmetic is done on Amount; display values exist only at the
// API boundary and go through ToDisplay / ParseAmount.
type Amount uint64

// Unit selects how amounts are rendered and parsed at the API boundary.
type Unit string

const (
	UnitRaw     Unit = "raw"
	UnitDisplay Unit = "display"
)

// Valid reports whether u is a known unit convention.
func (u Unit) Valid() bool {
	return u == UnitRaw || u == UnitDisplay
}

var (
	// ErrNegativeAmount is returned when parsing a negative amount.
	ErrNegativeAmount = errors.New("amount must not be negative")

	// ErrAmountOverflow is returned when a value does not fit in Amount.
	ErrAmountOverflow = errors.New("amount overflows u64")
)

// ToDisplay converts a raw amount into its display (UI) value.
func (a Amount) ToDisplay(decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(a)), -int32(decimals))
}

// Format renders the amount in the given unit convention.
func (a Amount) Format(unit Unit, decimals uint8) string {
	if unit == UnitDisplay {
		return a.ToDisplay(decimals).StringFixed(int32(decimals))
	}
	return strconv.FormatUint(uint64(a), 10)
}

// FromDisplay converts a display value into raw units, truncating any
// precision below one raw unit.
func FromDisplay(d decimal.Decimal, decimals uint8) (Amount, error) {
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	raw := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if !raw.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return Amount(raw.Uint64()), nil
}

// ParseAmount parses s according to the unit convention.
func ParseAmount(s string, unit Unit, decimals uint8) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if unit == UnitDisplay {
		return FromDisplay(d, decimals)
	}
	if d.IsNegative() {
		return 0, ErrNegativeAmount
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("parse amount %q: raw amounts are integers", s)
	}
	raw := d.BigInt()
	if !raw.IsUint64() {
		return 0, ErrAmountOverflow
	}
	return Amount(raw.Uint64()), nil
}

// MulDiv returns floor(a * num / den). den must be non-zero.
func MulDiv(a Amount, num, den uint64) Amount {
	if den == 0 {
		return 0
	}
	x := new(big.Int).SetUint64(uint64(a))
	x.Mul(x, new(big.Int).SetUint64(num))
	x.Quo(x, new(big.Int).SetUint64(den))
	if !x.IsUint64() {
		return Amount(math.MaxUint64)
	}
	return Amount(x.Uint64())
}

// BasisPoints applies a bps fraction (10_000 = 100%).
func (a Amount) BasisPoints(bps uint64) Amount {
	return MulDiv(a, bps, 10_000)
}

// Sum adds amounts, saturating at the u64 maximum.
func Sum(amounts ...Amount) Amount {
	var total Amount
	for _, a := range amounts {
		if total > math.MaxUint64-a {
			return Amount(math.MaxUint64)
		}
		total += a
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}

// Package math holds the fixed-point arithmetic for premiums and payouts.
// All amounts are unsigned 256-bit integers; intermediate products that would
// leave that range are reported as ErrOverflow instead of wrapping.
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	sdkmath "cosmossdk.io/math"
)

// SecondsPerYear is the premium accrual denominator (365 days, no leap years).
const SecondsPerYear = 365 * 24 * 60 * 60

// MaxDecimals bounds oracle and token decimal counts so 10^d stays small.
const MaxDecimals = 30

var (
	ErrOverflow       = errors.New("fixed-point overflow")
	ErrNegativeAmount = errors.New("negative amount")
	ErrInvalidAmount  = errors.New("invalid amount")
)

var percentDenominator = sdkmath.NewInt(100)

// Pow10 returns 10^decimals.
func Pow10(decimals uint32) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}

// ComputePremium returns insuredAmount × apr × duration / SecondsPerYear / 100.
// Both multiplications happen before either division; the result truncates.
func ComputePremium(insuredAmount sdkmath.Int, aprPercent uint64, duration uint64) (sdkmath.Int, error) {
	if insuredAmount.IsNegative() {
		return sdkmath.Int{}, ErrNegativeAmount
	}

	p, err := insuredAmount.SafeMul(sdkmath.NewIntFromUint64(aprPercent))
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: amount × apr", ErrOverflow)
	}
	p, err = p.SafeMul(sdkmath.NewIntFromUint64(duration))
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: amount × apr × duration", ErrOverflow)
	}

	return p.Quo(sdkmath.NewInt(SecondsPerYear)).Quo(percentDenominator), nil
}

// ComputeRepayment returns insuredAmount × (10^decimals − price) / 10^decimals.
// A price at or above 10^decimals pays nothing.
func ComputeRepayment(insuredAmount, price sdkmath.Int, decimals uint32) (sdkmath.Int, error) {
	if insuredAmount.IsNegative() || price.IsNegative() {
		return sdkmath.Int{}, ErrNegativeAmount
	}

	scale := Pow10(decimals)
	if price.GTE(scale) {
		return sdkmath.ZeroInt(), nil
	}

	r, err := insuredAmount.SafeMul(scale.Sub(price))
	if err != nil {
		return sdkmath.Int{}, fmt.Errorf("%w: amount × depeg", ErrOverflow)
	}

	return r.Quo(scale), nil
}

// ParseAmount parses a base-unit decimal integer string ("1000000").
func ParseAmount(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(strings.TrimSpace(s))
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}
	return v, nil
}

// ParseUnits converts a human decimal ("100", "0.995") to base units with
// the given number of fractional digits. Excess precision is an error.
func ParseUnits(s string, decimals uint32) (sdkmath.Int, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if uint32(len(frac)) > decimals {
		return sdkmath.Int{}, fmt.Errorf("%w: %q has more than %d decimals", ErrInvalidAmount, s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))
	return ParseAmount(whole + frac)
}

// FormatUnits is the inverse of ParseUnits, trimming trailing zeros.
func FormatUnits(v sdkmath.Int, decimals uint32) string {
	neg := v.IsNegative()
	digits := v.Abs().String()
	if uint32(len(digits)) <= decimals {
		digits = strings.Repeat("0", int(decimals)-len(digits)+1) + digits
	}
	cut := len(digits) - int(decimals)
	whole, frac := digits[:cut], strings.TrimRight(digits[cut:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

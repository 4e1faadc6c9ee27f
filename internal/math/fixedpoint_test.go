package math_test

import (
	"math/big"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fpmath "DepegLedger/internal/math"
)

func mustUnits(t *testing.T, s string, decimals uint32) sdkmath.Int {
	t.Helper()
	v, err := fpmath.ParseUnits(s, decimals)
	require.NoError(t, err)
	return v
}

func TestComputePremium(t *testing.T) {
	tests := []struct {
		name     string
		amount   sdkmath.Int
		apr      uint64
		duration uint64
		want     string
	}{
		{"one year at 5%", sdkmath.NewInt(1_000_000), 5, fpmath.SecondsPerYear, "50000"},
		{"100e18 for 30 days at 5%", mustUnits(t, "100", 18), 5, 30 * 24 * 3600, "410958904109589041"},
		{"zero apr", sdkmath.NewInt(1_000_000), 0, fpmath.SecondsPerYear, "0"},
		{"truncates to zero", sdkmath.NewInt(1), 5, 1, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.ComputePremium(tt.amount, tt.apr, tt.duration)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestComputePremium_MultipliesBeforeDividing(t *testing.T) {
	// 100 × 100 × 315360 / 31536000 / 100 = 1; dividing duration by the year first gives 0
	got, err := fpmath.ComputePremium(sdkmath.NewInt(100), 100, 315360)
	require.NoError(t, err)
	assert.Equal(t, "1", got.String())
}

func TestComputePremium_Overflow(t *testing.T) {
	max256 := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	huge := sdkmath.NewIntFromBigInt(max256)
	_, err := fpmath.ComputePremium(huge, 5, fpmath.SecondsPerYear)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestComputeRepayment(t *testing.T) {
	amount := mustUnits(t, "100", 18)

	tests := []struct {
		name  string
		price int64
		want  string
	}{
		{"price 0.99 pays 1%", 99_000_000, "1000000000000000000"},
		{"price 0.95 pays 5%", 95_000_000, "5000000000000000000"},
		{"price zero pays everything", 0, "100000000000000000000"},
		{"price at scale pays nothing", 100_000_000, "0"},
		{"price above scale pays nothing", 101_000_000, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.ComputeRepayment(amount, sdkmath.NewInt(tt.price), 8)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestComputeRepayment_Monotonic(t *testing.T) {
	amount := mustUnits(t, "1000", 18)
	prev := sdkmath.ZeroInt()
	for price := int64(100_000_000); price >= 0; price -= 5_000_000 {
		got, err := fpmath.ComputeRepayment(amount, sdkmath.NewInt(price), 8)
		require.NoError(t, err)
		assert.True(t, got.GTE(prev), "repayment should not shrink as price falls (price=%d)", price)
		prev = got
	}
	assert.Equal(t, amount.String(), prev.String())
}

func TestComputeRepayment_RejectsNegative(t *testing.T) {
	_, err := fpmath.ComputeRepayment(sdkmath.NewInt(1), sdkmath.NewInt(-1), 8)
	assert.ErrorIs(t, err, fpmath.ErrNegativeAmount)
}

func TestParseUnits(t *testing.T) {
	assert.Equal(t, "99500000", mustUnits(t, "0.995", 8).String())
	assert.Equal(t, "100000000000000000000", mustUnits(t, "100", 18).String())
	assert.Equal(t, "500000000000000000", mustUnits(t, ".5", 18).String())

	_, err := fpmath.ParseUnits("0.123456789", 8)
	assert.ErrorIs(t, err, fpmath.ErrInvalidAmount)

	_, err = fpmath.ParseUnits("-1", 8)
	assert.ErrorIs(t, err, fpmath.ErrNegativeAmount)
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "0.995", fpmath.FormatUnits(sdkmath.NewInt(99_500_000), 8))
	assert.Equal(t, "100", fpmath.FormatUnits(mustUnits(t, "100", 18), 18))
	assert.Equal(t, "0", fpmath.FormatUnits(sdkmath.ZeroInt(), 6))
}

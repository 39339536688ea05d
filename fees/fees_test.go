package fees

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policy(pct, fixed string, precision int32) Policy {
	return Policy{
		PercentFee:           decimal.RequireFromString(pct),
		FixedFee:             decimal.RequireFromString(fixed),
		DestinationPrecision: precision,
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		p    Policy
		want string
	}{
		{"percent and fixed", "10", policy("1", "0.5", 6), "9400000"},
		{"percent only", "5", policy("1", "0", 6), "4950000"},
		{"source precision string", "5.000", policy("1", "0", 6), "4950000"},
		{"no fees", "1.234", policy("0", "0", 3), "1234"},
		{"floors fractions", "0.001", policy("1", "0", 4), "9"},
		{"18 decimals stay exact", "123.456", policy("0.25", "0", 18), "123147360000000000000"},
		{"fractional percent", "1000", policy("0.3", "1", 2), "99600"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Convert(tt.raw, tt.p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestConvert_NonPositive(t *testing.T) {
	_, err := Convert("0.5", policy("1", "0.5", 6))
	assert.ErrorIs(t, err, ErrNonPositivePayout)

	_, err = Convert("0.0001", policy("1", "0", 2))
	assert.ErrorIs(t, err, ErrNonPositivePayout)

	_, err = Convert("0", policy("0", "0", 6))
	assert.ErrorIs(t, err, ErrNonPositivePayout)
}

func TestConvert_InvalidAmount(t *testing.T) {
	for _, raw := range []string{"", "abc", "-1"} {
		_, err := Convert(raw, policy("1", "0", 6))
		assert.ErrorIs(t, err, ErrInvalidAmount, raw)
	}
}

func TestReverse(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		pct    string
		want   string
	}{
		{"percent fee", big.NewInt(5_000_000), "1", "4.95"},
		{"no fee", big.NewInt(1_234_567), "0", "1.234"},
		{"truncates to hive precision", big.NewInt(1_999_999), "0", "1.999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Reverse(tt.amount, 6, decimal.RequireFromString(tt.pct), 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}

	_, err := Reverse(big.NewInt(999), 6, decimal.NewFromInt(1), 3)
	assert.ErrorIs(t, err, ErrNonPositivePayout)

	_, err = Reverse(big.NewInt(-1), 6, decimal.Zero, 3)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

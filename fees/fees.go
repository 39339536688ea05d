// Package fees converts a source chain deposit into the destination token amount.
package fees

import (
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrNonPositivePayout = errors.New("fees: amount after fees is less or equal to 0")
	ErrInvalidAmount     = errors.New("fees: invalid amount")
)

var hundred = decimal.NewFromInt(100)

type Policy struct {
	PercentFee           decimal.Decimal // percent of the deposit, e.g. 1 for 1%
	FixedFee             decimal.Decimal // whole tokens taken after the percent fee
	DestinationPrecision int32
}

// Convert returns floor(raw * 10^p * (100 - pct) / 100 - fixed * 10^p) in
// destination base units. Every step is exact decimal arithmetic.
func Convert(rawAmount string, p Policy) (*big.Int, error) {
	raw, err := decimal.NewFromString(rawAmount)
	if err != nil || raw.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", rawAmount)
	}

	scaled := raw.Shift(p.DestinationPrecision)
	afterPercent := scaled.Mul(hundred.Sub(p.PercentFee)).Shift(-2)
	payout := afterPercent.Sub(p.FixedFee.Shift(p.DestinationPrecision)).Floor()

	if !payout.IsPositive() {
		return nil, ErrNonPositivePayout
	}
	return payout.BigInt(), nil
}

// Reverse converts base units of a token with tokenPrecision decimals into a
// Hive amount: floor to precision of amount * (100 - pct) / 100.
func Reverse(amount *big.Int, tokenPrecision int32, pct decimal.Decimal, precision int32) (decimal.Decimal, error) {
	if amount == nil || amount.Sign() < 0 {
		return decimal.Decimal{}, errors.Wrapf(ErrInvalidAmount, "%v", amount)
	}
	whole := decimal.NewFromBigInt(amount, -tokenPrecision)
	out := whole.Mul(hundred.Sub(pct)).Shift(-2).Truncate(precision)
	if !out.IsPositive() {
		return decimal.Decimal{}, ErrNonPositivePayout
	}
	return out, nil
}

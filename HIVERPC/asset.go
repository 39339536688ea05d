package HIVERPC

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidAsset = errors.New("hive: invalid asset")

// Asset is an amount as Hive writes it, e.g. "5.000 HBD".
type Asset struct {
	Amount decimal.Decimal
	Symbol string
}

func ParseAsset(s string) (Asset, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return Asset{}, errors.Wrapf(ErrInvalidAsset, "%q", s)
	}
	amount, err := decimal.NewFromString(fields[0])
	if err != nil {
		return Asset{}, errors.Wrapf(ErrInvalidAsset, "%q", s)
	}
	return Asset{Amount: amount, Symbol: fields[1]}, nil
}

// FormatAsset renders amount with exactly precision decimals, truncating extra ones.
func FormatAsset(amount decimal.Decimal, precision int32, symbol string) string {
	return amount.Truncate(precision).StringFixed(precision) + " " + symbol
}

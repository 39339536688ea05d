package handlers

import (
	"context"
	"math/big"

	"gohivebridge/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type HiveBalancer interface {
	Balance(ctx context.Context, name, symbol string) (decimal.Decimal, error)
}

type EVMBalancer interface {
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	// TokenBalance is the payout token balance of account
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// API serves the operator endpoints. Store and the balance sources are read only.
type API struct {
	Store ledger.Store
	Hive  HiveBalancer
	EVM   EVMBalancer
	// optional, reported by HealthCheck
	Pinger Pinger

	HiveAccount      string
	HiveDenomination string
	Signer           common.Address
	TokenSymbol      string
	TokenPrecision   int32

	Log *zap.SugaredLogger
}

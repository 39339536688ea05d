package workers

import (
	"context"
	"fmt"
	"math/big"

	"gohivebridge/HIVERPC"
	"gohivebridge/events"
	"gohivebridge/fees"
	"gohivebridge/ledger"
	"gohivebridge/payout"
	"gohivebridge/refund"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Payer sends Hive payouts through the write-ahead refund records, which
// also keep a conversion from being paid twice.
type Payer interface {
	Refund(ctx context.Context, req refund.Request) error
}

type EVMBlockObserver interface {
	SetEVMScannedBlock(block uint64)
}

type ConversionConfig struct {
	Contract common.Address
	// blocks behind the head a log must be before it is paid
	Confirmations  uint64
	BlockBatch     uint64
	FeePercent     decimal.Decimal
	TokenPrecision int32
	HivePrecision  int32
	TokenSymbol    string
}

// Converter pays out ConvertToken events of the token contract on Hive.
type Converter struct {
	source   LogSource
	payer    Payer
	cursor   ledger.EVMCursorStore
	events   events.Emitter
	observer EVMBlockObserver
	cfg      ConversionConfig
	log      *zap.SugaredLogger
}

func NewConverter(source LogSource, payer Payer, cursor ledger.EVMCursorStore, emitter events.Emitter, cfg ConversionConfig, log *zap.SugaredLogger) *Converter {
	if cfg.BlockBatch == 0 {
		cfg.BlockBatch = 1000
	}
	return &Converter{
		source: source,
		payer:  payer,
		cursor: cursor,
		events: emitter,
		cfg:    cfg,
		log:    log,
	}
}

func (c *Converter) WithObserver(o EVMBlockObserver) *Converter {
	c.observer = o
	return c
}

// Sweep reads the confirmed blocks past the cursor in batches. The cursor
// moves after each batch once every conversion in it is recorded, a batch
// that could not be recorded is read again on the next sweep.
func (c *Converter) Sweep(ctx context.Context) error {
	head, err := c.source.BlockNumber(ctx)
	if err != nil {
		return errors.Wrap(err, "get EVM block number")
	}
	if head < c.cfg.Confirmations {
		return nil
	}
	safe := head - c.cfg.Confirmations

	scanned, ok, err := c.cursor.GetEVMScannedBlock(ctx)
	if err != nil {
		return errors.Wrap(err, "get EVM scanned block")
	}
	from := scanned + 1
	if !ok {
		// new environment, history before the safe head is not ours to pay
		from = safe
		c.log.Infow("no EVM cursor, starting at the safe head", "block", safe)
	}

	for from <= safe {
		to := from + c.cfg.BlockBatch - 1
		if to > safe {
			to = safe
		}
		if err := c.scanRange(ctx, from, to); err != nil {
			return err
		}
		if err := c.cursor.SetEVMScannedBlock(ctx, to); err != nil {
			return errors.Wrapf(err, "set EVM scanned block %d", to)
		}
		if c.observer != nil {
			c.observer.SetEVMScannedBlock(to)
		}
		from = to + 1
	}
	return nil
}

func (c *Converter) scanRange(ctx context.Context, from, to uint64) error {
	c.log.Debugw("scanning EVM blocks", "from", from, "to", to)
	logs, err := c.source.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.cfg.Contract},
		Topics:    [][]common.Hash{{payout.ConvertTopic()}},
	})
	if err != nil {
		return errors.Wrapf(err, "filter logs %d-%d", from, to)
	}

	for _, l := range logs {
		if l.Removed {
			continue
		}
		conv, err := payout.ParseConversion(l)
		if err != nil {
			c.log.Warnw("unreadable ConvertToken log", "txHash", l.TxHash.Hex(), "logIndex", l.Index, "error", err)
			continue
		}
		if err := c.pay(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

// pay only returns an error when the conversion could not be recorded.
func (c *Converter) pay(ctx context.Context, conv payout.Conversion) error {
	log := c.log.With("conversionId", conv.ID(), "from", conv.From.Hex(), "username", conv.Username)

	if !HIVERPC.ValidAccountName(conv.Username) {
		log.Warnw("conversion ignored, not a Hive account name")
		c.events.Emit(ctx, events.Event{Type: events.ConversionIgnored, SourceTxID: conv.ID(), Detail: "invalid username"})
		return nil
	}
	amount, err := fees.Reverse(conv.Amount, c.cfg.TokenPrecision, c.cfg.FeePercent, c.cfg.HivePrecision)
	if err != nil {
		log.Warnw("conversion ignored", "amount", conv.Amount, "error", err)
		c.events.Emit(ctx, events.Event{Type: events.ConversionIgnored, SourceTxID: conv.ID(), Detail: err.Error()})
		return nil
	}

	err = c.payer.Refund(ctx, refund.Request{
		SourceTxID: conv.ID(),
		Recipient:  conv.Username,
		Amount:     amount.String(),
		Reason:     c.Memo(amount, conv.TxHash),
		Kind:       types.RefundConversion,
	})
	switch {
	case err == nil:
		log.Infow("conversion paid", "amount", amount.String())
		c.events.Emit(ctx, events.Event{Type: events.ConversionSent, SourceTxID: conv.ID(), Detail: amount.String()})
	case errors.Is(err, refund.ErrAlreadyRefunded):
		log.Debugw("conversion already paid")
	case errors.Is(err, refund.ErrNotRecorded):
		return errors.Wrapf(err, "conversion %s", conv.ID())
	default:
		// the record is failed, RetryFailed sends it again
		log.Errorw("conversion payout failed", "error", err)
		c.events.Emit(ctx, events.Event{Type: events.ConversionFailed, SourceTxID: conv.ID(), Detail: err.Error()})
	}
	return nil
}

func (c *Converter) Memo(amount decimal.Decimal, txHash string) string {
	return fmt.Sprintf("%s %s converted! Transaction hash: %s", amount.StringFixed(c.cfg.HivePrecision), c.cfg.TokenSymbol, txHash)
}

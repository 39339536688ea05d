// Package refund sends compensating transfers and notices back to depositors
// on Hive.
package refund

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gohivebridge/HIVERPC"
	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// memos shown to depositors
const (
	ReasonNonPositive = "Amount after fees is less or equal to 0"
	ReasonNoGas       = "Internal server error while processing your request, details: Not enough ETH for gas cost"
	ReasonReverted    = "Internal server error while processing your request, details: Transaction has been reverted by the EVM. Please try again!"
	ReasonSupport     = "Something went wrong while processing your transaction, but it's possible you will still receive your tokens. If you don't receive them, please contact support."
)

var (
	ErrAlreadyRefunded = errors.New("refund: deposit already has a refund")
	// ErrNotRecorded means the write-ahead record could not be stored and
	// nothing was sent.
	ErrNotRecorded = errors.New("refund: not recorded")
)

// FatalReason picks the memo for a payout the destination chain refused.
func FatalReason(err error) string {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return ReasonNoGas
	}
	return ReasonReverted
}

type Wallet interface {
	Transfer(ctx context.Context, to, amount, memo string) (string, error)
}

// Store holds the refund records and remembers which payout hash a depositor
// was told about.
type Store interface {
	ledger.RefundStore
	MarkOutboundNotified(ctx context.Context, id string, txHash string) error
}

type Config struct {
	Denomination string
	Precision    int32
	TokenSymbol  string
	// senders whose confirmation memo also names the deposit transaction
	DepositHashSenders []string
	MaxAttempts        int
}

// Request describes one refund. Amount is ignored for RefundNotice, which
// always sends the smallest transferable amount.
type Request struct {
	SourceTxID string
	Recipient  string
	Amount     string
	Reason     string
	Kind       types.RefundKind
}

type Issuer struct {
	wallet Wallet
	store  Store
	cfg    Config
	now    func() time.Time
	log    *zap.SugaredLogger
}

func New(wallet Wallet, store Store, cfg Config, log *zap.SugaredLogger) *Issuer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Issuer{wallet: wallet, store: store, cfg: cfg, now: time.Now, log: log}
}

func (i *Issuer) minimum() decimal.Decimal {
	return decimal.New(1, -i.cfg.Precision)
}

// Refund records the refund, then sends it. A deposit is refunded at most
// once, a second request returns ErrAlreadyRefunded and sends nothing. A send
// failure leaves the record failed for RetryFailed.
func (i *Issuer) Refund(ctx context.Context, req Request) error {
	amount := req.Amount
	if req.Kind == types.RefundNotice {
		amount = i.minimum().String()
	}
	now := i.now()
	rec := types.RefundRecord{
		SourceTxID:   req.SourceTxID,
		Recipient:    req.Recipient,
		Amount:       amount,
		Denomination: i.cfg.Denomination,
		Reason:       req.Reason,
		Kind:         req.Kind,
		Status:       types.RefundPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := i.store.InsertRefund(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			i.log.Warnw("deposit already refunded", "sourceTxId", req.SourceTxID)
			return errors.Wrap(ErrAlreadyRefunded, req.SourceTxID)
		}
		return errors.Wrapf(ErrNotRecorded, "%s: %v", req.SourceTxID, err)
	}
	return i.send(ctx, rec)
}

func (i *Issuer) send(ctx context.Context, rec types.RefundRecord) error {
	log := i.log.With("sourceTxId", rec.SourceTxID, "recipient", rec.Recipient, "kind", rec.Kind)

	amount, err := decimal.NewFromString(rec.Amount)
	if err != nil {
		// the deposit amount passed the watcher, should not happen
		amount = i.minimum()
		log.Errorw("unparsable refund amount, sending minimum", "amount", rec.Amount)
	}
	quantity := HIVERPC.FormatAsset(amount, i.cfg.Precision, rec.Denomination)

	txID, err := i.wallet.Transfer(ctx, rec.Recipient, quantity, rec.Reason)
	if err != nil {
		log.Errorw("refund transfer failed", "error", err, "attempt", rec.Attempts+1)
		if markErr := i.store.MarkRefundFailed(ctx, rec.SourceTxID, err.Error()); markErr != nil {
			log.Errorw("could not mark refund failed", "error", markErr)
		}
		return errors.Wrapf(err, "refund %s", rec.SourceTxID)
	}

	if err := i.store.MarkRefundSent(ctx, rec.SourceTxID, txID); err != nil {
		// the transfer went out, the record stays pending and is never resent
		log.Errorw("refund sent but not recorded", "error", err, "refundTxId", txID)
		return nil
	}
	log.Infow("refund sent", "amount", quantity, "refundTxId", txID, "memo", rec.Reason)
	return nil
}

// RetryFailed resends failed refunds that have attempts left and returns how
// many went out.
func (i *Issuer) RetryFailed(ctx context.Context) (int, error) {
	failed, err := i.store.ListRefunds(ctx, types.RefundFailed)
	if err != nil {
		return 0, errors.Wrap(err, "list failed refunds")
	}

	sent := 0
	for _, rec := range failed {
		if rec.Attempts >= i.cfg.MaxAttempts {
			continue
		}
		if err := i.send(ctx, rec); err == nil {
			sent++
		}
	}
	return sent, nil
}

// Notify sends the smallest transferable amount to recipient to carry memo.
func (i *Issuer) Notify(ctx context.Context, recipient, memo string) error {
	quantity := HIVERPC.FormatAsset(i.minimum(), i.cfg.Precision, i.cfg.Denomination)
	txID, err := i.wallet.Transfer(ctx, recipient, quantity, memo)
	if err != nil {
		i.log.Warnw("notice not sent", "recipient", recipient, "error", err)
		return errors.Wrapf(err, "notify %s", recipient)
	}
	i.log.Infow("notice sent", "recipient", recipient, "txId", txID)
	return nil
}

// Confirm tells the depositor of dep the payout went out in txHash and notes
// the hash on the payout record payoutID, the root of its chain.
func (i *Issuer) Confirm(ctx context.Context, dep types.DepositRecord, payoutID, txHash string) error {
	if err := i.Notify(ctx, dep.Sender, i.ConfirmationMemo(dep, txHash)); err != nil {
		return err
	}
	if err := i.store.MarkOutboundNotified(ctx, payoutID, txHash); err != nil {
		// worst case the depositor hears about the same hash twice
		i.log.Errorw("notice sent but not recorded", "payoutId", payoutID, "txHash", txHash, "error", err)
	}
	return nil
}

func (i *Issuer) ConfirmationMemo(dep types.DepositRecord, txHash string) string {
	memo := fmt.Sprintf("Wrapped %s tokens sent! Transaction Hash: %s", i.cfg.TokenSymbol, txHash)
	for _, s := range i.cfg.DepositHashSenders {
		if s == dep.Sender {
			return memo + ", depositTxHash: " + dep.SourceTxID
		}
	}
	return memo
}

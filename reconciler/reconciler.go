// Package reconciler follows pending payouts until they are mined, replacing
// the ones that stall with a higher gas price.
package reconciler

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/events"
	"gohivebridge/ledger"
	"gohivebridge/payout"
	"gohivebridge/refund"
	"gohivebridge/sequencer"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Chain interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error)
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type Store interface {
	ledger.OutboundStore
	GetDeposit(ctx context.Context, sourceTxID string) (types.DepositRecord, error)
}

type Pricer interface {
	EscalateGasPrice(ctx context.Context, prev *big.Int) (*big.Int, error)
}

// Sender signs and broadcasts replacements, implemented by the submitter.
type Sender interface {
	Strategy() payout.Strategy
	Sign(rec types.OutboundTransaction) (*gethtypes.Transaction, error)
	Replacement(prev types.OutboundTransaction, gasPrice *big.Int) (types.OutboundTransaction, *gethtypes.Transaction, error)
	Broadcast(ctx context.Context, tx *gethtypes.Transaction) (EVMRPC.ErrorKind, error)
}

type Refunder interface {
	Refund(ctx context.Context, req refund.Request) error
	Confirm(ctx context.Context, dep types.DepositRecord, payoutID, txHash string) error
}

type SweepObserver interface {
	ObserveSweep(pending int, seconds float64)
}

type Reconciler struct {
	chain    Chain
	store    Store
	pricer   Pricer
	sender   Sender
	refunder Refunder
	events   events.Emitter
	observer SweepObserver
	now      func() time.Time
	log      *zap.SugaredLogger

	running atomic.Bool
}

func New(chain Chain, store Store, pricer Pricer, sender Sender, refunder Refunder, emitter events.Emitter, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		chain:    chain,
		store:    store,
		pricer:   pricer,
		sender:   sender,
		refunder: refunder,
		events:   emitter,
		now:      time.Now,
		log:      log,
	}
}

func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

func (r *Reconciler) WithObserver(o SweepObserver) *Reconciler {
	r.observer = o
	return r
}

// Tick runs one sweep unless another one is still running, in which case it
// returns false right away.
func (r *Reconciler) Tick(ctx context.Context) bool {
	if !r.running.CompareAndSwap(false, true) {
		r.log.Infow("previous sweep still running, tick skipped")
		return false
	}
	defer r.running.Store(false)

	r.Sweep(ctx)
	return true
}

// Run ticks every interval until ctx ends, then waits for the sweep in flight.
// Sweeps are not cancelled half way.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	sweepCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Tick(sweepCtx)
			}()
		}
	}
}

// Sweep checks every payout pending at its start.
func (r *Reconciler) Sweep(ctx context.Context) {
	started := r.now()
	pending, err := r.store.ListOutbound(ctx, types.OutboundPending)
	if err != nil {
		r.log.Errorw("could not list pending payouts", "error", err)
		return
	}

	for _, tx := range pending {
		if err := r.check(ctx, tx); err != nil {
			r.log.Warnw("pending payout check failed, retrying next sweep",
				"id", tx.ID, "sourceTxId", tx.SourceTxID, "txHash", tx.DestinationTxHash, "error", err)
		}
	}

	if r.observer != nil {
		r.observer.ObserveSweep(len(pending), r.now().Sub(started).Seconds())
	}
}

func (r *Reconciler) check(ctx context.Context, tx types.OutboundTransaction) error {
	// receipt of this very transaction
	receipt, err := r.chain.TransactionReceipt(ctx, common.HexToHash(tx.DestinationTxHash))
	switch {
	case err == nil:
		return r.settle(ctx, tx, tx.DestinationTxHash, receipt)
	case !errors.Is(err, ethereum.NotFound):
		return errors.Wrap(err, "receipt")
	}

	// contract level evidence, e.g. a consumed permit nonce
	if strategy := r.sender.Strategy(); strategy.Name() == tx.Strategy {
		settled, err := strategy.Settled(ctx, tx)
		if err != nil {
			return errors.Wrap(err, "settlement flag")
		}
		if settled {
			return r.confirm(ctx, tx, "")
		}
	}

	// the nonce is used up, something of the chain or a foreign transaction was mined
	mined, err := r.chain.NonceAt(ctx, common.HexToAddress(tx.Signer))
	if err != nil {
		return errors.Wrap(err, "mined nonce")
	}
	if mined > tx.Nonce {
		return r.resolveConsumed(ctx, tx)
	}

	if r.now().Sub(tx.CreatedAt) < r.staleAfter(tx) {
		return r.store.TouchOutbound(ctx, tx.ID, r.now())
	}
	return r.replace(ctx, tx)
}

func (r *Reconciler) staleAfter(tx types.OutboundTransaction) time.Duration {
	if strategy := r.sender.Strategy(); strategy.Name() == tx.Strategy {
		return strategy.StaleAfter()
	}
	return 30 * time.Minute
}

func (r *Reconciler) settle(ctx context.Context, tx types.OutboundTransaction, hash string, receipt *gethtypes.Receipt) error {
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		minedHash := ""
		if hash != tx.DestinationTxHash {
			minedHash = hash
		}
		return r.confirm(ctx, tx, minedHash)
	}
	// a reverted transaction consumed the nonce, nothing of the chain can be mined anymore
	return r.fail(ctx, tx, "reverted in "+hash, refund.ReasonReverted)
}

// resolveConsumed runs when the signer's mined nonce passed tx's. Any member
// of the chain may be the mined one, tx itself included since its receipt was
// looked up.
func (r *Reconciler) resolveConsumed(ctx context.Context, tx types.OutboundTransaction) error {
	chain, err := r.store.ListOutboundByCorrelation(ctx, tx.CorrelationID)
	if err != nil {
		return errors.Wrap(err, "correlation chain")
	}
	for _, prev := range chain {
		receipt, err := r.chain.TransactionReceipt(ctx, common.HexToHash(prev.DestinationTxHash))
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "predecessor receipt")
		}
		return r.settle(ctx, tx, prev.DestinationTxHash, receipt)
	}

	r.log.Errorw("payout nonce consumed by a transaction outside its chain",
		"id", tx.ID, "sourceTxId", tx.SourceTxID, "nonce", tx.Nonce, "signer", tx.Signer)
	return r.fail(ctx, tx, "nonce consumed by a foreign transaction", refund.ReasonReverted)
}

func (r *Reconciler) replace(ctx context.Context, tx types.OutboundTransaction) error {
	log := r.log.With("correlationId", tx.CorrelationID, "sourceTxId", tx.SourceTxID, "nonce", tx.Nonce)

	price, err := r.pricer.EscalateGasPrice(ctx, tx.GasPrice)
	if errors.Is(err, sequencer.ErrGasCeilingReached) {
		// no higher price allowed, keep the current transaction in the pool
		signed, err := r.sender.Sign(tx)
		if err != nil {
			return errors.Wrap(err, "sign rebroadcast")
		}
		if _, err := r.sender.Broadcast(ctx, signed); err != nil {
			log.Warnw("rebroadcast at gas ceiling failed", "error", err)
		}
		log.Warnw("payout stalled at the gas price ceiling", "gasPrice", tx.GasPrice, "txHash", tx.DestinationTxHash)
		return r.store.TouchOutbound(ctx, tx.ID, r.now())
	}
	if err != nil {
		return errors.Wrap(err, "escalate gas price")
	}

	next, signed, err := r.sender.Replacement(tx, price)
	if err != nil {
		return err
	}
	// persisted before it is broadcast
	if err := r.store.ReplaceOutbound(ctx, tx.ID, next); err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			log.Infow("payout changed during the sweep, not replaced", "id", tx.ID)
			return nil
		}
		return errors.Wrap(err, "persist replacement")
	}
	log.Infow("payout replaced", "previous", tx.DestinationTxHash, "txHash", next.DestinationTxHash,
		"previousGasPrice", tx.GasPrice, "gasPrice", next.GasPrice)
	r.events.Emit(ctx, events.Event{Type: events.PayoutReplaced, SourceTxID: tx.SourceTxID, TxHash: next.DestinationTxHash})

	if kind, err := r.sender.Broadcast(ctx, signed); err != nil {
		// the predecessor can still be mined, so no refund here whatever the error
		log.Warnw("replacement broadcast failed, retrying next sweep", "error", err, "kind", kind.String())
	}
	return nil
}

func (r *Reconciler) confirm(ctx context.Context, tx types.OutboundTransaction, minedHash string) error {
	if err := r.store.MarkOutboundConfirmed(ctx, tx.ID, minedHash); err != nil {
		return errors.Wrap(err, "mark confirmed")
	}
	hash := tx.DestinationTxHash
	if minedHash != "" {
		hash = minedHash
	}
	r.log.Infow("payout confirmed", "sourceTxId", tx.SourceTxID, "txHash", hash)
	r.events.Emit(ctx, events.Event{Type: events.PayoutConfirmed, SourceTxID: tx.SourceTxID, TxHash: hash})
	if tx.Strategy == payout.Approve {
		// setup transaction, there is no depositor to tell
		return nil
	}

	// the root remembers the hash the depositor was last told, none when
	// the first broadcast failed or its notice did not go out
	root, err := r.store.GetOutbound(ctx, tx.CorrelationID)
	if err != nil {
		r.log.Warnw("root payout not found", "correlationId", tx.CorrelationID, "error", err)
		return nil
	}
	if hash == root.NoticeTxHash {
		return nil
	}
	dep, err := r.store.GetDeposit(ctx, tx.SourceTxID)
	if err != nil {
		r.log.Warnw("deposit of confirmed payout not found", "sourceTxId", tx.SourceTxID, "error", err)
		return nil
	}
	if err := r.refunder.Confirm(ctx, dep, root.ID, hash); err == nil {
		r.events.Emit(ctx, events.Event{Type: events.NoticeSent, SourceTxID: tx.SourceTxID, TxHash: hash})
	}
	return nil
}

func (r *Reconciler) fail(ctx context.Context, tx types.OutboundTransaction, message, reason string) error {
	if err := r.store.MarkOutboundFailed(ctx, tx.ID, message); err != nil {
		return errors.Wrap(err, "mark failed")
	}
	r.log.Warnw("payout failed, refunding", "sourceTxId", tx.SourceTxID, "txHash", tx.DestinationTxHash, "message", message)
	r.events.Emit(ctx, events.Event{Type: events.PayoutFailed, SourceTxID: tx.SourceTxID, TxHash: tx.DestinationTxHash, Detail: message})
	if tx.Strategy == payout.Approve {
		r.log.Errorw("token approval failed, approve again by hand", "sourceTxId", tx.SourceTxID)
		return nil
	}

	dep, err := r.store.GetDeposit(ctx, tx.SourceTxID)
	if err != nil {
		return errors.Wrap(err, "deposit of failed payout")
	}
	err = r.refunder.Refund(ctx, refund.Request{
		SourceTxID: dep.SourceTxID,
		Recipient:  dep.Sender,
		Amount:     dep.RawAmount,
		Reason:     reason,
		Kind:       types.RefundFull,
	})
	switch {
	case err == nil:
		r.events.Emit(ctx, events.Event{Type: events.RefundSent, SourceTxID: dep.SourceTxID, Detail: reason})
	case errors.Is(err, refund.ErrAlreadyRefunded):
	default:
		// the refund record is failed, the refund retry picks it up
		r.events.Emit(ctx, events.Event{Type: events.RefundFailed, SourceTxID: dep.SourceTxID, Detail: err.Error()})
	}
	return nil
}

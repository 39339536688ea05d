package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"gohivebridge/events"
	"gohivebridge/ledger"
	"gohivebridge/refund"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type RecoveryStore interface {
	ledger.DepositStore
	GetPayoutBySource(ctx context.Context, sourceTxID string) (types.OutboundTransaction, error)
	ListOutboundByCorrelation(ctx context.Context, correlationID string) ([]types.OutboundTransaction, error)
	GetRefund(ctx context.Context, sourceTxID string) (types.RefundRecord, error)
}

// Recovery finishes deposits a crash left half way: decided but not acted
// on, or paid out by a chain that failed without the refund going out.
type Recovery struct {
	store    RecoveryStore
	gate     Gate
	pipeline *Pipeline
	refunder Refunder
	events   events.Emitter
	after    time.Duration
	now      func() time.Time
	log      *zap.SugaredLogger
}

func NewRecovery(store RecoveryStore, gate Gate, pipeline *Pipeline, refunder Refunder, emitter events.Emitter, after time.Duration, log *zap.SugaredLogger) *Recovery {
	return &Recovery{
		store:    store,
		gate:     gate,
		pipeline: pipeline,
		refunder: refunder,
		events:   emitter,
		after:    after,
		now:      time.Now,
		log:      log,
	}
}

func (r *Recovery) WithClock(now func() time.Time) *Recovery {
	r.now = now
	return r
}

// Sweep only touches deposits untouched for the configured delay, so it does
// not race the pipeline on fresh ones.
func (r *Recovery) Sweep(ctx context.Context) error {
	cutoff := r.now().Add(-r.after)

	seen, err := r.store.ListDeposits(ctx, types.DepositSeen)
	if err != nil {
		return errors.Wrap(err, "list seen deposits")
	}
	for _, dep := range seen {
		if dep.UpdatedAt.After(cutoff) {
			continue
		}
		res, err := r.gate.Revalidate(ctx, dep)
		if err != nil {
			r.log.Warnw("stuck deposit not revalidated", "sourceTxId", dep.SourceTxID, "error", err)
			continue
		}
		r.log.Infow("stuck deposit revalidated", "sourceTxId", dep.SourceTxID, "decision", res.Decision.String())
		r.pipeline.Dispatch(ctx, res)
	}

	refunded, err := r.store.ListDeposits(ctx, types.DepositRefunded)
	if err != nil {
		return errors.Wrap(err, "list refunded deposits")
	}
	for _, dep := range refunded {
		if dep.UpdatedAt.After(cutoff) {
			continue
		}
		if r.hasRefund(ctx, dep) {
			continue
		}
		r.log.Infow("refund of rejected deposit missing, sending", "sourceTxId", dep.SourceTxID)
		r.refund(ctx, dep, dep.Message)
	}

	accepted, err := r.store.ListDeposits(ctx, types.DepositAccepted)
	if err != nil {
		return errors.Wrap(err, "list accepted deposits")
	}
	for _, dep := range accepted {
		if dep.UpdatedAt.After(cutoff) {
			continue
		}
		if err := r.recoverAccepted(ctx, dep); err != nil {
			r.log.Warnw("accepted deposit not recovered", "sourceTxId", dep.SourceTxID, "error", err)
		}
	}
	return nil
}

func (r *Recovery) recoverAccepted(ctx context.Context, dep types.DepositRecord) error {
	if r.hasRefund(ctx, dep) {
		return nil
	}

	root, err := r.store.GetPayoutBySource(ctx, dep.SourceTxID)
	if errors.Is(err, ledger.ErrNotFound) {
		r.log.Infow("accepted deposit without payout, settling", "sourceTxId", dep.SourceTxID)
		r.pipeline.Settle(ctx, dep)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "payout lookup")
	}

	chain, err := r.store.ListOutboundByCorrelation(ctx, root.CorrelationID)
	if err != nil {
		return errors.Wrap(err, "payout chain")
	}
	var last types.OutboundTransaction
	for _, tx := range chain {
		if tx.Status != types.OutboundFailed && tx.Status != types.OutboundReplaced {
			// pending or confirmed, the reconciler owns it
			return nil
		}
		if tx.Status == types.OutboundFailed {
			last = tx
		}
	}
	if last.ID == "" {
		return nil
	}
	r.log.Infow("failed payout without refund, refunding", "sourceTxId", dep.SourceTxID, "message", last.Message)
	r.refund(ctx, dep, refund.FatalReason(errors.New(last.Message)))
	return nil
}

// hasRefund reports false only when the store says there is no refund.
func (r *Recovery) hasRefund(ctx context.Context, dep types.DepositRecord) bool {
	_, err := r.store.GetRefund(ctx, dep.SourceTxID)
	if errors.Is(err, ledger.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Warnw("refund lookup failed", "sourceTxId", dep.SourceTxID, "error", err)
	}
	return true
}

func (r *Recovery) refund(ctx context.Context, dep types.DepositRecord, reason string) {
	err := r.refunder.Refund(ctx, refund.Request{
		SourceTxID: dep.SourceTxID,
		Recipient:  dep.Sender,
		Amount:     dep.RawAmount,
		Reason:     reason,
		Kind:       types.RefundFull,
	})
	emitRefund(ctx, r.events, dep.SourceTxID, reason, err)
}

// Periodic runs fn every interval until ctx ends. A tick that comes while fn
// is still running is skipped. In flight runs finish on a context that is not
// cancelled with ctx.
func Periodic(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error, log *zap.SugaredLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		running atomic.Bool
		wg      sync.WaitGroup
	)
	defer wg.Wait()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !running.CompareAndSwap(false, true) {
				log.Infow("previous run still going, tick skipped", "task", name)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer running.Store(false)
				if err := fn(work); err != nil {
					log.Errorw("periodic task failed", "task", name, "error", err)
				}
			}()
		}
	}
}

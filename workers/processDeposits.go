package workers

import (
	"context"
	"math/big"
	"time"

	"gohivebridge/dedup"
	"gohivebridge/events"
	"gohivebridge/fees"
	"gohivebridge/refund"
	"gohivebridge/submitter"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Gate interface {
	Revalidate(ctx context.Context, rec types.DepositRecord) (dedup.Result, error)
}

type Submitter interface {
	Submit(ctx context.Context, dep types.DepositRecord, amount *big.Int) (submitter.Result, error)
}

type Refunder interface {
	Refund(ctx context.Context, req refund.Request) error
	Confirm(ctx context.Context, dep types.DepositRecord, payoutID, txHash string) error
}

type PipelineConfig struct {
	Fees    fees.Policy
	Workers int
	// attempts at deciding a recorded deposit before it is left to recovery
	DecideAttempts int
	DecideBackoff  time.Duration
}

// Pipeline takes deposits the watcher recorded as seen through the dedup
// rules to a payout or a refund.
type Pipeline struct {
	gate     Gate
	sub      Submitter
	refunder Refunder
	events   events.Emitter
	cfg      PipelineConfig
	log      *zap.SugaredLogger
}

func NewPipeline(gate Gate, sub Submitter, refunder Refunder, emitter events.Emitter, cfg PipelineConfig, log *zap.SugaredLogger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DecideAttempts <= 0 {
		cfg.DecideAttempts = 3
	}
	if cfg.DecideBackoff <= 0 {
		cfg.DecideBackoff = time.Second
	}
	return &Pipeline{gate: gate, sub: sub, refunder: refunder, events: emitter, cfg: cfg, log: log}
}

// Run handles deposits from in, at most Workers at a time, until the producer
// closes in. Everything already queued is handled even when ctx ended, the
// watcher has advanced its cursor past those deposits.
func (p *Pipeline) Run(ctx context.Context, in <-chan types.DepositRecord) error {
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)

	work := context.WithoutCancel(ctx)
	for rec := range in {
		rec := rec
		g.Go(func() error {
			p.Handle(work, rec)
			return nil
		})
	}
	return g.Wait()
}

// Handle decides one deposit in seen and acts on the decision.
func (p *Pipeline) Handle(ctx context.Context, rec types.DepositRecord) {
	var (
		res dedup.Result
		err error
	)
	for attempt := 1; attempt <= p.cfg.DecideAttempts; attempt++ {
		if res, err = p.gate.Revalidate(ctx, rec); err == nil {
			break
		}
		p.log.Warnw("deposit not decided", "sourceTxId", rec.SourceTxID, "attempt", attempt, "error", err)
		if attempt < p.cfg.DecideAttempts {
			time.Sleep(p.cfg.DecideBackoff)
		}
	}
	if err != nil {
		p.log.Errorw("deposit left for recovery", "sourceTxId", rec.SourceTxID, "error", err)
		return
	}
	p.Dispatch(ctx, res)
}

// Dispatch acts on a gate decision.
func (p *Pipeline) Dispatch(ctx context.Context, res dedup.Result) {
	dep := res.Record
	switch res.Decision {
	case dedup.Accept:
		p.events.Emit(ctx, events.Event{Type: events.DepositAccepted, SourceTxID: dep.SourceTxID})
		p.Settle(ctx, dep)
	case dedup.Refund:
		p.events.Emit(ctx, events.Event{Type: events.DepositRefunded, SourceTxID: dep.SourceTxID, Detail: res.Reason})
		p.refund(ctx, dep, res.Reason, types.RefundFull)
	default:
		p.log.Debugw("duplicate deposit ignored", "sourceTxId", dep.SourceTxID)
	}
}

// Settle converts and submits the payout of an accepted deposit. Transient
// failures leave the deposit accepted for the recovery sweep. The depositor
// hears about a hash only once a node accepted it, a failed broadcast is
// announced by the reconciler when something of the chain is mined.
func (p *Pipeline) Settle(ctx context.Context, dep types.DepositRecord) {
	log := p.log.With("sourceTxId", dep.SourceTxID, "to", dep.DestinationAddress)

	amount, err := fees.Convert(dep.RawAmount, p.cfg.Fees)
	if errors.Is(err, fees.ErrNonPositivePayout) {
		log.Infow("nothing left after fees, refunding", "amount", dep.RawAmount)
		p.refund(ctx, dep, refund.ReasonNonPositive, types.RefundFull)
		return
	}
	if err != nil {
		log.Errorw("payout amount not computed", "amount", dep.RawAmount, "error", err)
		p.refund(ctx, dep, refund.ReasonSupport, types.RefundNotice)
		return
	}

	res, err := p.sub.Submit(ctx, dep, amount)
	if err != nil {
		p.failed(ctx, dep, res, err)
		return
	}

	hash := res.Tx.DestinationTxHash
	log.Infow("payout submitted",
		"amount", amount.String(),
		"txHash", hash,
		"nonce", res.Tx.Nonce,
		"outcome", res.Outcome.String())
	p.events.Emit(ctx, events.Event{Type: events.PayoutSubmitted, SourceTxID: dep.SourceTxID, TxHash: hash, Detail: res.Outcome.String()})

	if res.Outcome != submitter.Pending {
		log.Warnw("payout broadcast failed, left to the reconciler", "error", res.SendErr)
		return
	}
	if err := p.refunder.Confirm(ctx, dep, res.Tx.CorrelationID, hash); err == nil {
		p.events.Emit(ctx, events.Event{Type: events.NoticeSent, SourceTxID: dep.SourceTxID, TxHash: hash})
	}
}

func (p *Pipeline) failed(ctx context.Context, dep types.DepositRecord, res submitter.Result, err error) {
	log := p.log.With("sourceTxId", dep.SourceTxID)

	switch submitter.ClassOf(err) {
	case submitter.Transient:
		if errors.Is(err, submitter.ErrPayoutExists) {
			log.Infow("payout already submitted")
			return
		}
		log.Warnw("payout not submitted, will retry", "error", err)
	case submitter.Fatal:
		log.Warnw("payout refused by the chain, refunding", "error", err)
		p.events.Emit(ctx, events.Event{Type: events.PayoutFailed, SourceTxID: dep.SourceTxID, TxHash: res.Tx.DestinationTxHash, Detail: err.Error()})
		p.refund(ctx, dep, refund.FatalReason(err), types.RefundFull)
	default:
		log.Errorw("payout failed for an unknown reason, sending notice", "error", err)
		p.refund(ctx, dep, refund.ReasonSupport, types.RefundNotice)
	}
}

func (p *Pipeline) refund(ctx context.Context, dep types.DepositRecord, reason string, kind types.RefundKind) {
	err := p.refunder.Refund(ctx, refund.Request{
		SourceTxID: dep.SourceTxID,
		Recipient:  dep.Sender,
		Amount:     dep.RawAmount,
		Reason:     reason,
		Kind:       kind,
	})
	emitRefund(ctx, p.events, dep.SourceTxID, reason, err)
}

func emitRefund(ctx context.Context, emitter events.Emitter, sourceTxID, reason string, err error) {
	switch {
	case err == nil:
		emitter.Emit(ctx, events.Event{Type: events.RefundSent, SourceTxID: sourceTxID, Detail: reason})
	case errors.Is(err, refund.ErrAlreadyRefunded):
	default:
		emitter.Emit(ctx, events.Event{Type: events.RefundFailed, SourceTxID: sourceTxID, Detail: err.Error()})
	}
}

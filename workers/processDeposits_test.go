package workers

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"gohivebridge/dedup"
	"gohivebridge/events"
	"gohivebridge/refund"
	"gohivebridge/submitter"
	"gohivebridge/types"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_ValidDepositIsPaidOut(t *testing.T) {
	e := newEnv(t)

	e.handle(t, e.pipeline, candidate("trx-1", "5.000", validAddr))

	assert.Equal(t, types.DepositAccepted, e.deposit(t, "trx-1").Status)

	root := e.rootOf(t, "trx-1")
	assert.Equal(t, types.OutboundPending, root.Status)
	assert.Equal(t, "4950000", root.PayoutAmount.String())
	assert.Equal(t, uint64(4), root.Nonce)

	sent := e.chain.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, root.DestinationTxHash, sent[0].Hash().Hex())
	assert.Equal(t, contract, *sent[0].To())

	assert.Equal(t, []transfer{{
		To:     "alice",
		Amount: "0.001 HBD",
		Memo:   "Wrapped WHBD tokens sent! Transaction Hash: " + root.DestinationTxHash,
	}}, e.wallet.sent())
	assert.Equal(t, []events.Type{events.DepositAccepted, events.PayoutSubmitted, events.NoticeSent}, e.events.types())
	assert.Equal(t, root.DestinationTxHash, e.rootOf(t, "trx-1").NoticeTxHash)

	// confirming the announced hash sends nothing more
	e.chain.mine(root.DestinationTxHash, gethtypes.ReceiptStatusSuccessful)
	e.rec.Sweep(context.Background())
	assert.Equal(t, types.OutboundConfirmed, e.rootOf(t, "trx-1").Status)
	assert.Len(t, e.wallet.sent(), 1)
}

func TestPipeline_InvalidMemoIsRefunded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	e.handle(t, e.pipeline, candidate("trx-1", "5.000", "not-an-address"))

	dep := e.deposit(t, "trx-1")
	assert.Equal(t, types.DepositRefunded, dep.Status)
	assert.Empty(t, e.chain.sentTxs())

	_, err := e.store.GetPayoutBySource(ctx, "trx-1")
	assert.Error(t, err)

	assert.Equal(t, []transfer{{
		To:     "alice",
		Amount: "5.000 HBD",
		Memo:   `Refund! Memo "not-an-address" is not a valid Ethereum address`,
	}}, e.wallet.sent())

	r, err := e.store.GetRefund(ctx, "trx-1")
	require.NoError(t, err)
	assert.Equal(t, types.RefundSent, r.Status)
	assert.Equal(t, dep.Message, r.Reason)
}

func TestPipeline_AmountOutOfRangeIsRefunded(t *testing.T) {
	e := newEnv(t)
	e.handle(t, e.pipeline, candidate("trx-1", "0.500", validAddr))

	assert.Equal(t, types.DepositRefunded, e.deposit(t, "trx-1").Status)
	require.Len(t, e.wallet.sent(), 1)
	assert.Equal(t, "0.500 HBD", e.wallet.sent()[0].Amount)
	assert.Contains(t, e.wallet.sent()[0].Memo, "is not between 1 and 1000")
}

func TestPipeline_RedeliveryIsIgnored(t *testing.T) {
	e := newEnv(t)

	c := candidate("trx-1", "5.000", validAddr)
	e.handle(t, e.pipeline, c)
	e.handle(t, e.pipeline, c)

	assert.Len(t, e.chain.sentTxs(), 1)
	assert.Len(t, e.wallet.sent(), 1)
}

func TestPipeline_NothingLeftAfterFees(t *testing.T) {
	e := newEnv(t)
	p := NewPipeline(e.gate, e.sub, e.issuer, e.events, PipelineConfig{Fees: testPolicy("1", "2")}, e.log)

	e.handle(t, p, candidate("trx-1", "1.500", validAddr))

	assert.Empty(t, e.chain.sentTxs())
	assert.Equal(t, []transfer{{To: "alice", Amount: "1.500 HBD", Memo: refund.ReasonNonPositive}}, e.wallet.sent())
	// the deposit passed validation, only the payout was impossible
	assert.Equal(t, types.DepositAccepted, e.deposit(t, "trx-1").Status)
}

func TestPipeline_FatalBroadcastRefunds(t *testing.T) {
	e := newEnv(t)
	e.chain.sendErr = errors.New("insufficient funds for gas * price + value")

	e.handle(t, e.pipeline, candidate("trx-1", "5.000", validAddr))

	assert.Equal(t, types.OutboundFailed, e.rootOf(t, "trx-1").Status)
	assert.Equal(t, []transfer{{To: "alice", Amount: "5.000 HBD", Memo: refund.ReasonNoGas}}, e.wallet.sent())
	assert.Equal(t, []events.Type{events.DepositAccepted, events.PayoutFailed, events.RefundSent}, e.events.types())

	// the nonce was not consumed
	e.chain.sendErr = nil
	e.handle(t, e.pipeline, candidate("trx-2", "5.000", validAddr))
	assert.Equal(t, uint64(4), e.rootOf(t, "trx-2").Nonce)
}

func TestPipeline_BroadcastFailureStaysPending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.chain.sendErr = errors.New("dial tcp: connection refused")

	e.handle(t, e.pipeline, candidate("trx-1", "5.000", validAddr))

	root := e.rootOf(t, "trx-1")
	assert.Equal(t, types.OutboundPending, root.Status)
	assert.Empty(t, e.wallet.sent(), "no node has the transaction, nothing to announce")
	assert.Empty(t, root.NoticeTxHash)
	assert.Equal(t, []events.Type{events.DepositAccepted, events.PayoutSubmitted}, e.events.types())

	_, err := e.store.GetRefund(ctx, "trx-1")
	assert.Error(t, err, "a payout that may still be mined is never refunded")

	// the signed transaction reaches the chain after all
	e.chain.mine(root.DestinationTxHash, gethtypes.ReceiptStatusSuccessful)
	e.rec.Sweep(ctx)

	assert.Equal(t, types.OutboundConfirmed, e.rootOf(t, "trx-1").Status)
	assert.Equal(t, []transfer{{
		To:     "alice",
		Amount: "0.001 HBD",
		Memo:   "Wrapped WHBD tokens sent! Transaction Hash: " + root.DestinationTxHash,
	}}, e.wallet.sent())
	assert.Equal(t, root.DestinationTxHash, e.rootOf(t, "trx-1").NoticeTxHash)
}

type stubSubmitter struct {
	err error
}

func (s stubSubmitter) Submit(context.Context, types.DepositRecord, *big.Int) (submitter.Result, error) {
	return submitter.Result{}, s.err
}

func TestPipeline_UnclassifiedErrorSendsNotice(t *testing.T) {
	e := newEnv(t)
	p := NewPipeline(e.gate, stubSubmitter{err: errors.New("signer unavailable")}, e.issuer, e.events,
		PipelineConfig{Fees: testPolicy("1", "0")}, e.log)

	e.handle(t, p, candidate("trx-1", "5.000", validAddr))

	assert.Equal(t, []transfer{{To: "alice", Amount: "0.001 HBD", Memo: refund.ReasonSupport}}, e.wallet.sent())
	r, err := e.store.GetRefund(context.Background(), "trx-1")
	require.NoError(t, err)
	assert.Equal(t, types.RefundNotice, r.Kind)
}

func TestPipeline_TransientErrorLeavesDeposit(t *testing.T) {
	e := newEnv(t)
	transient := &submitter.Error{Class: submitter.Transient, Err: errors.New("node timeout")}
	p := NewPipeline(e.gate, stubSubmitter{err: transient}, e.issuer, e.events,
		PipelineConfig{Fees: testPolicy("1", "0")}, e.log)

	e.handle(t, p, candidate("trx-1", "5.000", validAddr))

	assert.Empty(t, e.wallet.sent())
	assert.Equal(t, types.DepositAccepted, e.deposit(t, "trx-1").Status)
}

type flakyGate struct {
	Gate
	failures int32
	calls    atomic.Int32
}

func (g *flakyGate) Revalidate(ctx context.Context, rec types.DepositRecord) (dedup.Result, error) {
	if g.calls.Add(1) <= g.failures {
		return dedup.Result{}, errors.New("store unavailable")
	}
	return g.Gate.Revalidate(ctx, rec)
}

func TestPipeline_RetriesDecision(t *testing.T) {
	e := newEnv(t)
	gate := &flakyGate{Gate: e.gate, failures: 2}
	p := NewPipeline(gate, e.sub, e.issuer, e.events, PipelineConfig{
		Fees:          testPolicy("1", "0"),
		DecideBackoff: time.Millisecond,
	}, e.log)

	e.handle(t, p, candidate("trx-1", "5.000", validAddr))

	assert.Equal(t, int32(3), gate.calls.Load())
	assert.Len(t, e.chain.sentTxs(), 1)
}

func TestPipeline_GivesUpAfterAttempts(t *testing.T) {
	e := newEnv(t)
	gate := &flakyGate{Gate: e.gate, failures: 10}
	p := NewPipeline(gate, e.sub, e.issuer, e.events, PipelineConfig{
		Fees:           testPolicy("1", "0"),
		DecideAttempts: 2,
		DecideBackoff:  time.Millisecond,
	}, e.log)

	e.handle(t, p, candidate("trx-1", "5.000", validAddr))

	assert.Equal(t, int32(2), gate.calls.Load())
	assert.Empty(t, e.chain.sentTxs())
	// recorded, so the recovery sweep finds it
	assert.Equal(t, types.DepositSeen, e.deposit(t, "trx-1").Status)
}

// record stores c as seen and returns the record the watcher would queue.
func (e *env) record(t *testing.T, c types.CandidateDeposit) types.DepositRecord {
	rec, fresh, err := e.gate.Record(context.Background(), c)
	require.NoError(t, err)
	require.True(t, fresh)
	return rec
}

func TestPipeline_RunDrainsChannel(t *testing.T) {
	e := newEnv(t)
	in := make(chan types.DepositRecord, 3)
	in <- e.record(t, candidate("trx-1", "5.000", validAddr))
	in <- e.record(t, candidate("trx-2", "6.000", validAddr))
	in <- e.record(t, candidate("trx-3", "7.000", validAddr))
	close(in)

	require.NoError(t, e.pipeline.Run(context.Background(), in))

	nonces := map[uint64]bool{}
	for _, id := range []string{"trx-1", "trx-2", "trx-3"} {
		nonces[e.rootOf(t, id).Nonce] = true
	}
	assert.Equal(t, map[uint64]bool{4: true, 5: true, 6: true}, nonces)
}

func TestPipeline_RunDrainsAfterCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan types.DepositRecord, 2)
	in <- e.record(t, candidate("trx-1", "5.000", validAddr))
	in <- e.record(t, candidate("trx-2", "5.000", "nope"))
	close(in)

	require.NoError(t, e.pipeline.Run(ctx, in))

	assert.Equal(t, types.DepositAccepted, e.deposit(t, "trx-1").Status)
	assert.Equal(t, types.DepositRefunded, e.deposit(t, "trx-2").Status)
	assert.Len(t, e.chain.sentTxs(), 1)
}

func TestPipeline_StalePayoutIsReplacedOnce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.handle(t, e.pipeline, candidate("trx-1", "5.000", validAddr))
	root := e.rootOf(t, "trx-1")

	e.clock = e.clock.Add(31 * time.Minute)
	e.rec.Sweep(ctx)
	e.rec.Sweep(ctx)

	chain, err := e.store.ListOutboundByCorrelation(ctx, root.CorrelationID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, types.OutboundReplaced, chain[0].Status)
	assert.Equal(t, types.OutboundPending, chain[1].Status)
	assert.Equal(t, root.Nonce, chain[1].Nonce)
	assert.Equal(t, 1, chain[1].GasPrice.Cmp(root.GasPrice))
	assert.Len(t, e.chain.sentTxs(), 2)
}

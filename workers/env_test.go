package workers

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/dedup"
	"gohivebridge/events"
	"gohivebridge/fees"
	"gohivebridge/ledger"
	"gohivebridge/payout"
	"gohivebridge/reconciler"
	"gohivebridge/refund"
	"gohivebridge/sequencer"
	"gohivebridge/submitter"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	validAddr = "0x52908400098527886E0F7030069857D2E4169EE7"
)

var (
	chainID  = big.NewInt(137)
	contract = common.HexToAddress("0xde709f2102306220921060314715629080e2fb77")
	gwei     = big.NewInt(1e9)
)

type fakeChain struct {
	mu       sync.Mutex
	pending  uint64
	mined    uint64
	receipts map[common.Hash]*gethtypes.Receipt
	sent     []*gethtypes.Transaction
	sendErr  error
}

func (c *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *fakeChain) NonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mined, nil
}

func (c *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 50_000, nil
}

func (c *fakeChain) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	return make([]byte, 32), nil
}

func (c *fakeChain) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, tx)
	if tx.Nonce() >= c.pending {
		c.pending = tx.Nonce() + 1
	}
	return nil
}

func (c *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

// mine gives hash a receipt with status.
func (c *fakeChain) mine(hash string, status uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[common.HexToHash(hash)] = &gethtypes.Receipt{Status: status}
}

func (c *fakeChain) sentTxs() []*gethtypes.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*gethtypes.Transaction(nil), c.sent...)
}

type transfer struct {
	To, Amount, Memo string
}

type fakeWallet struct {
	mu        sync.Mutex
	transfers []transfer
}

func (w *fakeWallet) Transfer(_ context.Context, to, amount, memo string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.transfers = append(w.transfers, transfer{To: to, Amount: amount, Memo: memo})
	return fmt.Sprintf("hive-tx-%d", len(w.transfers)), nil
}

func (w *fakeWallet) sent() []transfer {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]transfer(nil), w.transfers...)
}

type fixedOracle struct{ price *big.Int }

func (o fixedOracle) GasPrice(context.Context) (*big.Int, error) { return o.price, nil }

type recorder struct {
	mu  sync.Mutex
	got []events.Type
}

func (r *recorder) Emit(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e.Type)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Type(nil), r.got...)
}

func testPolicy(pct, fixed string) fees.Policy {
	return fees.Policy{
		PercentFee:           decimal.RequireFromString(pct),
		FixedFee:             decimal.RequireFromString(fixed),
		DestinationPrecision: 6,
	}
}

// env wires the real relay components around a fake chain and wallet.
type env struct {
	chain    *fakeChain
	wallet   *fakeWallet
	store    *ledger.MemoryStore
	gate     *dedup.Gate
	sub      *submitter.Submitter
	issuer   *refund.Issuer
	pipeline *Pipeline
	rec      *reconciler.Reconciler
	events   *recorder
	clock    time.Time
	log      *zap.SugaredLogger
}

func (e *env) now() time.Time { return e.clock }

func newEnv(t *testing.T) *env {
	key, err := EVMRPC.ParsePrivateKey(testKey)
	require.NoError(t, err)
	signer := EVMRPC.NewLocalSigner(key)

	e := &env{
		chain:  &fakeChain{pending: 4, mined: 4, receipts: map[common.Hash]*gethtypes.Receipt{}},
		wallet: &fakeWallet{},
		store:  ledger.NewMemoryStore(),
		events: &recorder{},
		clock:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		log:    zap.NewNop().Sugar(),
	}
	seq := sequencer.New(e.chain, e.store, fixedOracle{new(big.Int).Mul(big.NewInt(30), gwei)}, signer.Address(), sequencer.Config{
		Fallback: new(big.Int).Mul(big.NewInt(100), gwei),
		Ceiling:  new(big.Int).Mul(big.NewInt(300), gwei),
	}, e.log)
	strategy, err := payout.New(payout.Mint, payout.Deps{Contract: contract, ChainID: chainID}, 0)
	require.NoError(t, err)

	e.gate = dedup.New(e.store, dedup.Rules{
		Min: decimal.NewFromInt(1),
		Max: decimal.NewFromInt(1000),
	}, 100, time.Hour, e.log)
	e.sub = submitter.New(e.chain, seq, e.store, strategy, signer, submitter.Config{ChainID: chainID}, e.log).WithClock(e.now)
	e.issuer = refund.New(e.wallet, e.store, refund.Config{
		Denomination: "HBD",
		Precision:    3,
		TokenSymbol:  "WHBD",
	}, e.log)
	e.pipeline = NewPipeline(e.gate, e.sub, e.issuer, e.events, PipelineConfig{
		Fees:          testPolicy("1", "0"),
		Workers:       2,
		DecideBackoff: time.Millisecond,
	}, e.log)
	e.rec = reconciler.New(e.chain, e.store, seq, e.sub, e.issuer, e.events, e.log).WithClock(e.now)
	return e
}

func candidate(id, quantity, memo string) types.CandidateDeposit {
	return types.CandidateDeposit{
		SourceTxID:   id,
		Sender:       "alice",
		Quantity:     quantity,
		Denomination: "HBD",
		Memo:         memo,
		BlockNum:     81_000_000,
	}
}

// handle records c the way the watcher does and runs it through p.
func (e *env) handle(t *testing.T, p *Pipeline, c types.CandidateDeposit) {
	t.Helper()
	rec, fresh, err := e.gate.Record(context.Background(), c)
	require.NoError(t, err)
	if fresh {
		p.Handle(context.Background(), rec)
	}
}

func (e *env) deposit(t *testing.T, id string) types.DepositRecord {
	dep, err := e.store.GetDeposit(context.Background(), id)
	require.NoError(t, err)
	return dep
}

func (e *env) rootOf(t *testing.T, id string) types.OutboundTransaction {
	tx, err := e.store.GetPayoutBySource(context.Background(), id)
	require.NoError(t, err)
	return tx
}

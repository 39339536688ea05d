// Package submitter turns an accepted deposit into a signed payout
// transaction, persisting it before it is broadcast.
package submitter

import (
	"context"
	"math"
	"math/big"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/ledger"
	"gohivebridge/payout"
	"gohivebridge/sequencer"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// estimates are padded so a payout does not run out of gas on state changes
const gasLimitMultiplier = 1.2

type Chain interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
}

type Sequencer interface {
	Reserve(ctx context.Context) (*sequencer.Lease, error)
	GasPrice(ctx context.Context) *big.Int
}

type Outcome int

const (
	// Pending means the node accepted the transaction.
	Pending Outcome = iota
	// BroadcastFailed means the record is pending but the send failed, the
	// reconciler takes it from here.
	BroadcastFailed
)

func (o Outcome) String() string {
	if o == BroadcastFailed {
		return "broadcast_failed"
	}
	return "pending"
}

type Result struct {
	Outcome Outcome
	Tx      types.OutboundTransaction
	// SendErr is the broadcast error behind BroadcastFailed
	SendErr error
}

type Config struct {
	ChainID  *big.Int
	GasLimit uint64 // 0 estimates every payout
}

type Submitter struct {
	chain    Chain
	seq      Sequencer
	store    ledger.OutboundStore
	strategy payout.Strategy
	signer   EVMRPC.Signer
	cfg      Config
	now      func() time.Time
	log      *zap.SugaredLogger
}

func New(chain Chain, seq Sequencer, store ledger.OutboundStore, strategy payout.Strategy, signer EVMRPC.Signer, cfg Config, log *zap.SugaredLogger) *Submitter {
	return &Submitter{
		chain:    chain,
		seq:      seq,
		store:    store,
		strategy: strategy,
		signer:   signer,
		cfg:      cfg,
		now:      time.Now,
		log:      log,
	}
}

func (s *Submitter) WithClock(now func() time.Time) *Submitter {
	s.now = now
	return s
}

func (s *Submitter) Strategy() payout.Strategy { return s.strategy }

// Submit drafts, signs, persists and broadcasts the payout of dep. A nil error
// means a pending record exists for the payout. A non nil error is classified,
// see ClassOf. Fatal errors after the record was written come with the failed
// record in Result.Tx.
func (s *Submitter) Submit(ctx context.Context, dep types.DepositRecord, amount *big.Int) (Result, error) {
	to := common.HexToAddress(dep.DestinationAddress)

	// drafted
	draft, err := s.strategy.Draft(ctx, to, amount)
	if err != nil {
		return Result{}, classified(Transient, errors.Wrap(err, "draft payout"))
	}
	return s.submit(ctx, intent{
		sourceID: dep.SourceTxID,
		strategy: s.strategy.Name(),
		contract: s.strategy.Contract(),
		draft:    draft,
		amount:   amount,
	}, s.log.With("sourceTxId", dep.SourceTxID, "to", dep.DestinationAddress))
}

// Approve submits approve(spender, amount) on the payout token from the relay
// signer. It goes through the same nonce, persistence and reconciliation path
// as a payout. A second call for the same spender returns ErrPayoutExists.
func (s *Submitter) Approve(ctx context.Context, spender common.Address, amount *big.Int) (Result, error) {
	data, err := payout.ApproveData(spender, amount)
	if err != nil {
		return Result{}, classified(Fatal, err)
	}
	id := payout.ApproveSourceID(spender)
	return s.submit(ctx, intent{
		sourceID: id,
		strategy: payout.Approve,
		contract: s.strategy.Contract(),
		draft:    payout.Draft{Data: data},
		amount:   amount,
	}, s.log.With("sourceTxId", id, "spender", spender.Hex()))
}

type intent struct {
	sourceID string
	strategy string
	contract common.Address
	draft    payout.Draft
	amount   *big.Int
}

func (s *Submitter) submit(ctx context.Context, in intent, log *zap.SugaredLogger) (Result, error) {
	lease, err := s.seq.Reserve(ctx)
	if err != nil {
		return Result{}, classified(Transient, errors.Wrap(err, "reserve nonce"))
	}
	committed := false
	defer func() {
		if !committed {
			lease.Release()
		}
	}()

	gasPrice := s.seq.GasPrice(ctx)
	gasLimit, err := s.gasLimit(ctx, in.contract, in.draft.Data, gasPrice)
	if err != nil {
		if EVMRPC.Classify(err) == EVMRPC.ErrorFatal {
			return Result{}, classified(Fatal, errors.Wrap(err, "estimate gas"))
		}
		return Result{}, classified(Transient, errors.Wrap(err, "estimate gas"))
	}

	// signed
	now := s.now()
	id := uuid.NewString()
	rec := types.OutboundTransaction{
		ID:             id,
		CorrelationID:  id,
		SourceTxID:     in.sourceID,
		Strategy:       in.strategy,
		Signer:         s.signer.Address().Hex(),
		To:             in.contract.Hex(),
		Nonce:          lease.Nonce,
		GasPrice:       gasPrice,
		GasLimit:       gasLimit,
		Data:           in.draft.Data,
		PayoutAmount:   in.amount,
		SignatureNonce: in.draft.SignatureNonce,
		Status:         types.OutboundPending,
		CreatedAt:      now,
		LastCheckedAt:  now,
	}
	signed, err := s.Sign(rec)
	if err != nil {
		return Result{}, classified(Unclassified, errors.Wrap(err, "sign payout"))
	}
	rec.DestinationTxHash = signed.Hash().Hex()

	// persisted intent
	if err := s.store.InsertOutbound(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			return Result{}, classified(Transient, errors.Wrap(ErrPayoutExists, in.sourceID))
		}
		log.Errorw("could not persist payout intent, not broadcasting", "error", err)
		return Result{}, classified(Transient, errors.Wrap(ErrIntentNotPersisted, err.Error()))
	}

	// broadcast
	log = log.With("txHash", rec.DestinationTxHash, "nonce", rec.Nonce, "gasPrice", rec.GasPrice)
	sendErr := s.chain.SendTransaction(ctx, signed)
	kind := EVMRPC.Classify(sendErr)
	switch {
	case sendErr == nil || kind == EVMRPC.ErrorAlreadyKnown:
		committed = true
		lease.Commit()
		log.Infow("payout broadcast", "amount", in.amount, "strategy", in.strategy)
		return Result{Outcome: Pending, Tx: rec}, nil

	case kind == EVMRPC.ErrorFatal:
		msg := "rejected: " + sendErr.Error()
		if err := s.store.MarkOutboundFailed(ctx, rec.ID, msg); err != nil {
			// the pending record owns the nonce now, the reconciler will see the rejection again
			committed = true
			lease.Commit()
			log.Errorw("could not mark rejected payout failed", "error", err, "sendError", sendErr)
			return Result{Outcome: BroadcastFailed, Tx: rec, SendErr: sendErr}, nil
		}
		rec.Status = types.OutboundFailed
		rec.Message = msg
		log.Warnw("payout rejected by the chain", "error", sendErr)
		return Result{Tx: rec}, classified(Fatal, sendErr)
	}

	// the intent stays pending, the reconciler retries it
	committed = true
	lease.Commit()
	log.Warnw("payout broadcast failed, left pending", "error", sendErr, "kind", kind.String())
	return Result{Outcome: BroadcastFailed, Tx: rec, SendErr: sendErr}, nil
}

func (s *Submitter) gasLimit(ctx context.Context, contract common.Address, data []byte, gasPrice *big.Int) (uint64, error) {
	if s.cfg.GasLimit > 0 {
		return s.cfg.GasLimit, nil
	}
	est, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{
		From:     s.signer.Address(),
		To:       &contract,
		GasPrice: gasPrice,
		Data:     data,
	})
	if err != nil {
		return 0, err
	}
	return applyGasMultiplier(est, gasLimitMultiplier), nil
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		return est
	}
	return out
}

// Sign signs the transaction rec describes. Signing is deterministic, the
// same record always gives the same hash.
func (s *Submitter) Sign(rec types.OutboundTransaction) (*gethtypes.Transaction, error) {
	to := common.HexToAddress(rec.To)
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    rec.Nonce,
		GasPrice: rec.GasPrice,
		Gas:      rec.GasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     rec.Data,
	})
	return s.signer.SignTx(tx, s.cfg.ChainID)
}

// Replacement derives the successor of prev priced at gasPrice. It keeps the
// nonce and call data, so at most one of the two can ever be mined.
func (s *Submitter) Replacement(prev types.OutboundTransaction, gasPrice *big.Int) (types.OutboundTransaction, *gethtypes.Transaction, error) {
	now := s.now()
	next := prev
	next.ID = uuid.NewString()
	next.GasPrice = new(big.Int).Set(gasPrice)
	next.Status = types.OutboundPending
	next.ReplacedBy = ""
	next.MinedTxHash = ""
	next.NoticeTxHash = ""
	next.Message = ""
	next.CreatedAt = now
	next.LastCheckedAt = now

	signed, err := s.Sign(next)
	if err != nil {
		return types.OutboundTransaction{}, nil, errors.Wrap(err, "sign replacement")
	}
	next.DestinationTxHash = signed.Hash().Hex()
	return next, signed, nil
}

// Broadcast sends an already persisted transaction. A node that already knows
// it counts as success.
func (s *Submitter) Broadcast(ctx context.Context, tx *gethtypes.Transaction) (EVMRPC.ErrorKind, error) {
	err := s.chain.SendTransaction(ctx, tx)
	if err == nil {
		return EVMRPC.ErrorTransient, nil
	}
	kind := EVMRPC.Classify(err)
	if kind == EVMRPC.ErrorAlreadyKnown {
		return kind, nil
	}
	return kind, err
}

// Package payout builds the destination chain call that pays a deposit out
// and decides whether a payout is settled on chain.
package payout

import (
	"context"
	"math/big"
	"time"

	"gohivebridge/EVMRPC"
	"gohivebridge/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const (
	Mint     = "mint"
	Transfer = "transfer"
	Permit   = "permit"
)

var ErrUnknownStrategy = errors.New("payout: unknown strategy")

// Draft is the unsigned part of a payout transaction.
type Draft struct {
	Data           []byte
	SignatureNonce *uint64 // permit only
}

type Strategy interface {
	Name() string
	Contract() common.Address
	Draft(ctx context.Context, to common.Address, amount *big.Int) (Draft, error)
	// Settled reports settlement visible without a receipt, e.g. a consumed permit nonce.
	Settled(ctx context.Context, tx types.OutboundTransaction) (bool, error)
	// StaleAfter is how long a pending payout waits before it is replaced.
	StaleAfter() time.Duration
}

type SignatureNoncer interface {
	NextSignatureNonce(ctx context.Context) (uint64, error)
}

type Deps struct {
	Contract common.Address
	ChainID  *big.Int
	Caller   Caller
	Signer   EVMRPC.Signer
	Nonces   SignatureNoncer
}

// New returns the strategy called name. staleAfter of 0 keeps the strategy default.
func New(name string, d Deps, staleAfter time.Duration) (Strategy, error) {
	switch name {
	case Mint, Transfer:
		if staleAfter == 0 {
			staleAfter = 30 * time.Minute
		}
		return &direct{method: name, contract: d.Contract, staleAfter: staleAfter}, nil
	case Permit:
		if d.Signer == nil || d.Nonces == nil || d.Caller == nil || d.ChainID == nil {
			return nil, errors.New("payout: permit needs a signer, a nonce counter, a caller and the chain id")
		}
		if staleAfter == 0 {
			staleAfter = 5 * time.Minute
		}
		return &permit{deps: d, staleAfter: staleAfter}, nil
	}
	return nil, errors.Wrap(ErrUnknownStrategy, name)
}

// direct calls mint(to, amount) or transfer(to, amount) from the relay signer.
type direct struct {
	method     string
	contract   common.Address
	staleAfter time.Duration
}

func (d *direct) Name() string              { return d.method }
func (d *direct) Contract() common.Address  { return d.contract }
func (d *direct) StaleAfter() time.Duration { return d.staleAfter }

func (d *direct) Draft(_ context.Context, to common.Address, amount *big.Int) (Draft, error) {
	data, err := tokenABI.Pack(d.method, to, amount)
	if err != nil {
		return Draft{}, errors.Wrapf(err, "pack %s", d.method)
	}
	return Draft{Data: data}, nil
}

// receipts are the only settlement signal of a direct call
func (d *direct) Settled(context.Context, types.OutboundTransaction) (bool, error) {
	return false, nil
}

// permit calls mintWithSignature(to, amount, nonce, sig), sig being the relay
// signature over keccak256(to, amount, nonce, contract, chainId). The contract
// marks nonce used once minted.
type permit struct {
	deps       Deps
	staleAfter time.Duration
}

func (p *permit) Name() string              { return Permit }
func (p *permit) Contract() common.Address  { return p.deps.Contract }
func (p *permit) StaleAfter() time.Duration { return p.staleAfter }

func (p *permit) Draft(ctx context.Context, to common.Address, amount *big.Int) (Draft, error) {
	nonce, err := p.deps.Nonces.NextSignatureNonce(ctx)
	if err != nil {
		return Draft{}, err
	}
	n := new(big.Int).SetUint64(nonce)

	sig, err := p.deps.Signer.SignMessage(PermitHash(to, amount, n, p.deps.Contract, p.deps.ChainID))
	if err != nil {
		return Draft{}, errors.Wrap(err, "sign permit")
	}
	data, err := tokenABI.Pack("mintWithSignature", to, amount, n, sig)
	if err != nil {
		return Draft{}, errors.Wrap(err, "pack mintWithSignature")
	}
	return Draft{Data: data, SignatureNonce: &nonce}, nil
}

func (p *permit) Settled(ctx context.Context, tx types.OutboundTransaction) (bool, error) {
	if tx.SignatureNonce == nil {
		return false, nil
	}
	res, err := call(ctx, p.deps.Caller, p.deps.Contract, "usedNonces", new(big.Int).SetUint64(*tx.SignatureNonce))
	if err != nil {
		return false, err
	}
	used, ok := res[0].(bool)
	if !ok {
		return false, errors.New("usedNonces: unexpected result type")
	}
	return used, nil
}

// PermitHash is keccak256(abi.encodePacked(to, amount, nonce, contract, chainId)).
func PermitHash(to common.Address, amount, nonce *big.Int, contract common.Address, chainID *big.Int) []byte {
	return crypto.Keccak256(
		to.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(nonce.Bytes(), 32),
		contract.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	)
}

// Package sequencer hands out destination chain nonces and gas prices for the
// single relay signer, and the signature nonces of permit payouts.
package sequencer

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrGasCeilingReached = errors.New("sequencer: gas price ceiling reached")
	ErrLeaseClosed       = errors.New("sequencer: lease already closed")
)

// replacements must beat the previous price by this percent
const bumpPercent = 15

type ChainNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type Store interface {
	MaxPendingNonce(ctx context.Context, signer string) (uint64, bool, error)
	NextSignatureNonce(ctx context.Context) (uint64, error)
}

type Oracle interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

type Config struct {
	Fallback      *big.Int // used when the oracle fails
	Ceiling       *big.Int
	OracleTimeout time.Duration
}

type Sequencer struct {
	chain  ChainNoncer
	store  Store
	oracle Oracle
	signer common.Address
	cfg    Config
	log    *zap.SugaredLogger

	// held from Reserve until Commit or Release
	sem chan struct{}

	mu   sync.Mutex
	next uint64
	have bool
}

func New(chain ChainNoncer, store Store, oracle Oracle, signer common.Address, cfg Config, log *zap.SugaredLogger) *Sequencer {
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = 5 * time.Second
	}
	return &Sequencer{
		chain:  chain,
		store:  store,
		oracle: oracle,
		signer: signer,
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, 1),
	}
}

func (s *Sequencer) Signer() common.Address { return s.signer }

// Lease is an exclusive claim on the next nonce. Exactly one of Commit or
// Release must be called, nobody else can reserve in between.
type Lease struct {
	Nonce uint64

	s    *Sequencer
	once sync.Once
}

// Reserve waits for any open lease to close, then picks
// max(chain pending count, highest pending record nonce + 1, last committed + 1).
func (s *Sequencer) Reserve(ctx context.Context) (*Lease, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	nonce, err := s.pickNonce(ctx)
	if err != nil {
		<-s.sem
		return nil, err
	}
	return &Lease{Nonce: nonce, s: s}, nil
}

func (s *Sequencer) pickNonce(ctx context.Context) (uint64, error) {
	nonce, err := s.chain.PendingNonceAt(ctx, s.signer)
	if err != nil {
		return 0, errors.Wrap(err, "pending nonce")
	}

	// the node's pending view can lag transactions this relay already broadcast
	max, ok, err := s.store.MaxPendingNonce(ctx, s.signer.Hex())
	if err != nil {
		return 0, errors.Wrap(err, "max pending nonce")
	}
	if ok && max+1 > nonce {
		nonce = max + 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.have && s.next > nonce {
		nonce = s.next
	}
	return nonce, nil
}

// Commit records the nonce as used and releases the signer.
func (l *Lease) Commit() error {
	done := false
	l.once.Do(func() {
		l.s.mu.Lock()
		if !l.s.have || l.Nonce+1 > l.s.next {
			l.s.next = l.Nonce + 1
			l.s.have = true
		}
		l.s.mu.Unlock()
		<-l.s.sem
		done = true
	})
	if !done {
		return ErrLeaseClosed
	}
	return nil
}

// Release gives the nonce back, the next Reserve may return it again.
func (l *Lease) Release() error {
	done := false
	l.once.Do(func() {
		<-l.s.sem
		done = true
	})
	if !done {
		return ErrLeaseClosed
	}
	return nil
}

// GasPrice asks the oracle with a timeout and falls back to the configured
// constant on error or an unusable answer. The result never exceeds the ceiling.
func (s *Sequencer) GasPrice(ctx context.Context) *big.Int {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OracleTimeout)
	defer cancel()

	price, err := s.oracle.GasPrice(ctx)
	switch {
	case err != nil:
		s.log.Warnw("gas oracle failed, using fallback price", "error", err, "fallback", s.cfg.Fallback)
		price = s.cfg.Fallback
	case price == nil || price.Sign() <= 0:
		s.log.Warnw("gas oracle returned unusable price, using fallback", "price", price, "fallback", s.cfg.Fallback)
		price = s.cfg.Fallback
	}
	return s.capped(price)
}

// EscalateGasPrice prices the replacement of a transaction sent at prev:
// max(prev * 1.15, oracle), capped at the ceiling. ErrGasCeilingReached when
// that is not strictly above prev.
func (s *Sequencer) EscalateGasPrice(ctx context.Context, prev *big.Int) (*big.Int, error) {
	bumped := new(big.Int).Mul(prev, big.NewInt(100+bumpPercent))
	bumped.Div(bumped, big.NewInt(100))
	if bumped.Cmp(prev) <= 0 {
		bumped.Add(prev, big.NewInt(1))
	}

	next := bumped
	if oracle := s.GasPrice(ctx); oracle.Cmp(next) > 0 {
		next = oracle
	}
	next = s.capped(next)

	if next.Cmp(prev) <= 0 {
		return nil, ErrGasCeilingReached
	}
	return next, nil
}

func (s *Sequencer) capped(price *big.Int) *big.Int {
	if s.cfg.Ceiling != nil && price.Cmp(s.cfg.Ceiling) > 0 {
		return new(big.Int).Set(s.cfg.Ceiling)
	}
	return new(big.Int).Set(price)
}

// NextSignatureNonce draws from the persisted counter, the only writer of it.
func (s *Sequencer) NextSignatureNonce(ctx context.Context) (uint64, error) {
	n, err := s.store.NextSignatureNonce(ctx)
	return n, errors.Wrap(err, "signature nonce")
}

// Package dedup decides, once per source transaction, whether a deposit is paid
// out or refunded.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gohivebridge/ledger"
	"gohivebridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Decision int

const (
	Duplicate Decision = iota
	Accept
	Refund
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Refund:
		return "refund"
	}
	return "duplicate"
}

type Result struct {
	Decision Decision
	Record   types.DepositRecord
	// Reason is the violated rule for Refund, shown to the depositor
	Reason string
}

type Rules struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Check returns the first rule rec violates, or "" when it may be paid out.
func (r Rules) Check(rec types.DepositRecord) string {
	amount, err := decimal.NewFromString(rec.RawAmount)
	if err != nil || amount.LessThan(r.Min) || amount.GreaterThan(r.Max) {
		return fmt.Sprintf("Refund! Amount %s %s is not between %s and %s",
			rec.RawAmount, rec.Denomination, r.Min, r.Max)
	}
	if !ValidAddress(rec.DestinationAddress) {
		return fmt.Sprintf("Refund! Memo %q is not a valid Ethereum address", rec.DestinationAddress)
	}
	return ""
}

// ValidAddress accepts a 0x prefixed address. Single-case hex carries no
// checksum, mixed case must match its EIP-55 checksum.
func ValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}
	body := s[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return true
	}
	return ethav.Validate(s) == nil
}

// Gate records every deposit as seen before anything else happens to it. The
// store's unique key on the source transaction id is what makes a deposit
// processed at most once, the cache only saves store round trips on bursts.
type Gate struct {
	store ledger.DepositStore
	rules Rules
	cache *expirable.LRU[string, struct{}]
	now   func() time.Time
	log   *zap.SugaredLogger
}

func New(store ledger.DepositStore, rules Rules, cacheSize int, cacheTTL time.Duration, log *zap.SugaredLogger) *Gate {
	return &Gate{
		store: store,
		rules: rules,
		cache: expirable.NewLRU[string, struct{}](cacheSize, nil, cacheTTL),
		now:   time.Now,
		log:   log,
	}
}

// Evaluate returns Duplicate for any deposit seen before, by this process or
// another one. An error means nothing was decided, the caller may retry.
func (g *Gate) Evaluate(ctx context.Context, c types.CandidateDeposit) (Result, error) {
	rec, fresh, err := g.Record(ctx, c)
	if err != nil {
		return Result{}, err
	}
	if !fresh {
		return Result{Decision: Duplicate, Record: rec}, nil
	}
	return g.decide(ctx, rec)
}

// Record stores c as seen. fresh is false when the deposit was known already,
// the returned record is then whatever the store holds, possibly empty when
// the cache answered. Once Record returned a fresh record the deposit survives
// a crash and is finished by Revalidate, here or in the recovery sweep.
func (g *Gate) Record(ctx context.Context, c types.CandidateDeposit) (types.DepositRecord, bool, error) {
	if g.cache.Contains(c.SourceTxID) {
		return types.DepositRecord{SourceTxID: c.SourceTxID}, false, nil
	}

	existing, err := g.store.GetDeposit(ctx, c.SourceTxID)
	if err == nil {
		g.cache.Add(c.SourceTxID, struct{}{})
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return types.DepositRecord{}, false, errors.Wrapf(err, "lookup deposit %s", c.SourceTxID)
	}

	now := g.now()
	rec := types.DepositRecord{
		SourceTxID:         c.SourceTxID,
		Sender:             c.Sender,
		RawAmount:          c.Quantity,
		Denomination:       c.Denomination,
		DestinationAddress: strings.TrimSpace(c.Memo),
		Status:             types.DepositSeen,
		FirstSeenAt:        now,
		UpdatedAt:          now,
	}
	err = g.store.InsertDeposit(ctx, rec)
	if errors.Is(err, ledger.ErrDuplicate) {
		// lost the race against a concurrent delivery
		g.cache.Add(c.SourceTxID, struct{}{})
		return types.DepositRecord{SourceTxID: c.SourceTxID}, false, nil
	}
	if err != nil {
		return types.DepositRecord{}, false, errors.Wrapf(err, "record deposit %s", c.SourceTxID)
	}
	g.cache.Add(c.SourceTxID, struct{}{})
	return rec, true, nil
}

// Revalidate finishes a deposit left in seen, e.g. by a crash between the
// insert and the status update.
func (g *Gate) Revalidate(ctx context.Context, rec types.DepositRecord) (Result, error) {
	if rec.Status != types.DepositSeen {
		return Result{Decision: Duplicate, Record: rec}, nil
	}
	res, err := g.decide(ctx, rec)
	if errors.Is(err, ledger.ErrInvalidTransition) {
		return Result{Decision: Duplicate, Record: rec}, nil
	}
	return res, err
}

func (g *Gate) decide(ctx context.Context, rec types.DepositRecord) (Result, error) {
	res := Result{Decision: Accept}
	rec.Status = types.DepositAccepted
	if reason := g.rules.Check(rec); reason != "" {
		res = Result{Decision: Refund, Reason: reason}
		rec.Status = types.DepositRefunded
		rec.Message = reason
	}

	if err := g.store.UpdateDepositStatus(ctx, rec.SourceTxID, rec.Status, rec.Message); err != nil {
		return Result{}, errors.Wrapf(err, "mark deposit %s %s", rec.SourceTxID, rec.Status)
	}
	rec.UpdatedAt = g.now()
	res.Record = rec

	g.log.Infow("deposit evaluated",
		"sourceTxId", rec.SourceTxID,
		"sender", rec.Sender,
		"amount", rec.RawAmount,
		"decision", res.Decision.String(),
		"reason", res.Reason)
	return res, nil
}

// Package ledger defines the persistent ledger store shared by all relay tasks.
//
// The store is the only source of truth for deposits, outbound transactions,
// refunds and the signature nonce counter. Every cross-task coordination goes
// through it, so implementations must make inserts atomic on their unique keys.
package ledger

import (
	"context"
	"time"

	"gohivebridge/types"

	"github.com/pkg/errors"
)

var (
	ErrNotFound          = errors.New("ledger: not found")
	ErrDuplicate         = errors.New("ledger: duplicate")
	ErrInvalidTransition = errors.New("ledger: invalid transition")
)

type DepositStore interface {
	// InsertDeposit stores a new record, ErrDuplicate if SourceTxID already exists.
	InsertDeposit(ctx context.Context, rec types.DepositRecord) error
	GetDeposit(ctx context.Context, sourceTxID string) (types.DepositRecord, error)
	UpdateDepositStatus(ctx context.Context, sourceTxID string, status types.DepositStatus, message string) error
	ListDeposits(ctx context.Context, status types.DepositStatus) ([]types.DepositRecord, error)
}

type OutboundStore interface {
	// InsertOutbound stores the root attempt of a payout. A second root for the
	// same SourceTxID fails with ErrDuplicate.
	InsertOutbound(ctx context.Context, tx types.OutboundTransaction) error
	// ReplaceOutbound marks prevID replaced by next and stores next, atomically.
	// ErrInvalidTransition if prevID is no longer pending.
	ReplaceOutbound(ctx context.Context, prevID string, next types.OutboundTransaction) error
	MarkOutboundConfirmed(ctx context.Context, id string, minedTxHash string) error
	MarkOutboundFailed(ctx context.Context, id string, message string) error
	TouchOutbound(ctx context.Context, id string, at time.Time) error
	// MarkOutboundNotified records txHash as the payout hash sent to the
	// depositor. It is allowed in any status.
	MarkOutboundNotified(ctx context.Context, id string, txHash string) error
	GetOutbound(ctx context.Context, id string) (types.OutboundTransaction, error)
	GetPayoutBySource(ctx context.Context, sourceTxID string) (types.OutboundTransaction, error)
	ListOutbound(ctx context.Context, status types.OutboundStatus) ([]types.OutboundTransaction, error)
	ListOutboundByCorrelation(ctx context.Context, correlationID string) ([]types.OutboundTransaction, error)
	// MaxPendingNonce returns the highest nonce among signer's pending records.
	MaxPendingNonce(ctx context.Context, signer string) (nonce uint64, ok bool, err error)
}

type RefundStore interface {
	// InsertRefund stores a pending refund, ErrDuplicate if the deposit already has one.
	InsertRefund(ctx context.Context, r types.RefundRecord) error
	GetRefund(ctx context.Context, sourceTxID string) (types.RefundRecord, error)
	MarkRefundSent(ctx context.Context, sourceTxID string, refundTxID string) error
	MarkRefundFailed(ctx context.Context, sourceTxID string, reason string) error
	ListRefunds(ctx context.Context, status types.RefundStatus) ([]types.RefundRecord, error)
}

type CounterStore interface {
	// NextSignatureNonce atomically increments the signature nonce counter and
	// returns the new value.
	NextSignatureNonce(ctx context.Context) (uint64, error)
}

type CursorStore interface {
	GetScannedBlock(ctx context.Context) (block uint64, ok bool, err error)
	SetScannedBlock(ctx context.Context, block uint64) error
}

// EVMCursorStore keeps the last destination chain block swept for
// conversions back to Hive.
type EVMCursorStore interface {
	GetEVMScannedBlock(ctx context.Context) (block uint64, ok bool, err error)
	SetEVMScannedBlock(ctx context.Context, block uint64) error
}

type Store interface {
	DepositStore
	OutboundStore
	RefundStore
	CounterStore
	CursorStore
	EVMCursorStore
	Close() error
}

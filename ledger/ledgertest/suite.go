// Package ledgertest holds the behaviour every ledger.Store implementation must share.
package ledgertest

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run executes the shared store suite. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) ledger.Store) {
	t.Run("DepositLifecycle", func(t *testing.T) { testDepositLifecycle(t, newStore(t)) })
	t.Run("DepositConcurrentInsert", func(t *testing.T) { testDepositConcurrentInsert(t, newStore(t)) })
	t.Run("OutboundRootUnique", func(t *testing.T) { testOutboundRootUnique(t, newStore(t)) })
	t.Run("OutboundReplace", func(t *testing.T) { testOutboundReplace(t, newStore(t)) })
	t.Run("OutboundTerminal", func(t *testing.T) { testOutboundTerminal(t, newStore(t)) })
	t.Run("MaxPendingNonce", func(t *testing.T) { testMaxPendingNonce(t, newStore(t)) })
	t.Run("Refunds", func(t *testing.T) { testRefunds(t, newStore(t)) })
	t.Run("SignatureNonce", func(t *testing.T) { testSignatureNonce(t, newStore(t)) })
	t.Run("ScannedBlock", func(t *testing.T) { testScannedBlock(t, newStore(t)) })
	t.Run("EVMScannedBlock", func(t *testing.T) { testEVMScannedBlock(t, newStore(t)) })
	t.Run("OutboundNotified", func(t *testing.T) { testOutboundNotified(t, newStore(t)) })
}

func Deposit(id string) types.DepositRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return types.DepositRecord{
		SourceTxID:         id,
		Sender:             "alice",
		RawAmount:          "5.000",
		Denomination:       "HBD",
		DestinationAddress: "0x52908400098527886E0F7030069857D2E4169EE7",
		Status:             types.DepositSeen,
		FirstSeenAt:        now,
		UpdatedAt:          now,
	}
}

func Outbound(id, correlationID, source string, nonce uint64) types.OutboundTransaction {
	return types.OutboundTransaction{
		ID:                id,
		CorrelationID:     correlationID,
		SourceTxID:        source,
		Strategy:          "mint",
		Signer:            "0x00000000000000000000000000000000000000a1",
		To:                "0x00000000000000000000000000000000000000c0",
		Nonce:             nonce,
		GasPrice:          big.NewInt(30_000_000_000),
		GasLimit:          100_000,
		Data:              []byte{0x40, 0xc1, 0x0f, 0x19},
		PayoutAmount:      big.NewInt(4_950_000),
		DestinationTxHash: "0xhash-" + id,
		Status:            types.OutboundPending,
		CreatedAt:         time.Now().UTC().Truncate(time.Second),
	}
}

func testDepositLifecycle(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	rec := Deposit("trx-1")

	require.NoError(t, s.InsertDeposit(ctx, rec))
	require.ErrorIs(t, s.InsertDeposit(ctx, rec), ledger.ErrDuplicate)

	got, err := s.GetDeposit(ctx, "trx-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RawAmount, got.RawAmount)
	assert.Equal(t, types.DepositSeen, got.Status)

	_, err = s.GetDeposit(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.NoError(t, s.UpdateDepositStatus(ctx, "trx-1", types.DepositAccepted, ""))
	require.ErrorIs(t, s.UpdateDepositStatus(ctx, "trx-1", types.DepositRefunded, "late"), ledger.ErrInvalidTransition)
	require.ErrorIs(t, s.UpdateDepositStatus(ctx, "missing", types.DepositAccepted, ""), ledger.ErrNotFound)

	accepted, err := s.ListDeposits(ctx, types.DepositAccepted)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "trx-1", accepted[0].SourceTxID)

	seen, err := s.ListDeposits(ctx, types.DepositSeen)
	require.NoError(t, err)
	assert.Empty(t, seen)
}

func testDepositConcurrentInsert(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const workers = 16

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		dup      int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InsertDeposit(ctx, Deposit("trx-race"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				inserted++
			case assert.ErrorIs(t, err, ledger.ErrDuplicate):
				dup++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, inserted)
	assert.Equal(t, workers-1, dup)
}

func testOutboundRootUnique(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	root := Outbound("c1", "c1", "trx-1", 7)

	require.NoError(t, s.InsertOutbound(ctx, root))
	require.ErrorIs(t, s.InsertOutbound(ctx, Outbound("c2", "c2", "trx-1", 8)), ledger.ErrDuplicate)

	got, err := s.GetPayoutBySource(ctx, "trx-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, 0, got.GasPrice.Cmp(root.GasPrice))
	assert.Equal(t, 0, got.PayoutAmount.Cmp(root.PayoutAmount))
	assert.Equal(t, root.Data, got.Data)

	_, err = s.GetPayoutBySource(ctx, "trx-2")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func testOutboundReplace(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c1", "c1", "trx-1", 7)))

	next := Outbound("r1", "c1", "trx-1", 7)
	next.GasPrice = big.NewInt(34_500_000_000)
	require.NoError(t, s.ReplaceOutbound(ctx, "c1", next))

	prev, err := s.GetOutbound(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.OutboundReplaced, prev.Status)
	assert.Equal(t, "r1", prev.ReplacedBy)

	// predecessor is no longer pending
	require.ErrorIs(t, s.ReplaceOutbound(ctx, "c1", Outbound("r2", "c1", "trx-1", 7)), ledger.ErrInvalidTransition)
	// nonce must be kept
	require.ErrorIs(t, s.ReplaceOutbound(ctx, "r1", Outbound("r3", "c1", "trx-1", 8)), ledger.ErrInvalidTransition)

	pending, err := s.ListOutbound(ctx, types.OutboundPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)

	chain, err := s.ListOutboundByCorrelation(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, chain, 2)
}

func testOutboundTerminal(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c1", "c1", "trx-1", 1)))
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c2", "c2", "trx-2", 2)))

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.TouchOutbound(ctx, "c1", at))
	got, err := s.GetOutbound(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, at.Equal(got.LastCheckedAt))

	require.NoError(t, s.MarkOutboundConfirmed(ctx, "c1", ""))
	require.NoError(t, s.MarkOutboundConfirmed(ctx, "c1", ""))
	require.ErrorIs(t, s.MarkOutboundFailed(ctx, "c1", "reverted"), ledger.ErrInvalidTransition)

	require.NoError(t, s.MarkOutboundFailed(ctx, "c2", "reverted"))
	got, err = s.GetOutbound(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, types.OutboundFailed, got.Status)
	assert.Equal(t, "reverted", got.Message)

	require.ErrorIs(t, s.MarkOutboundConfirmed(ctx, "missing", ""), ledger.ErrNotFound)
}

func testOutboundNotified(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c1", "c1", "trx-1", 1)))

	got, err := s.GetOutbound(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, got.NoticeTxHash)

	require.NoError(t, s.MarkOutboundNotified(ctx, "c1", "0xfirst"))
	// allowed after the record left pending
	require.NoError(t, s.MarkOutboundFailed(ctx, "c1", "reverted"))
	require.NoError(t, s.MarkOutboundNotified(ctx, "c1", "0xsecond"))

	got, err = s.GetOutbound(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "0xsecond", got.NoticeTxHash)
	assert.Equal(t, types.OutboundFailed, got.Status)

	require.ErrorIs(t, s.MarkOutboundNotified(ctx, "missing", "0x"), ledger.ErrNotFound)
}

func testMaxPendingNonce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	signer := Outbound("x", "x", "x", 0).Signer

	_, ok, err := s.MaxPendingNonce(ctx, signer)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.InsertOutbound(ctx, Outbound("c1", "c1", "trx-1", 4)))
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c2", "c2", "trx-2", 9)))
	require.NoError(t, s.InsertOutbound(ctx, Outbound("c3", "c3", "trx-3", 6)))
	require.NoError(t, s.MarkOutboundConfirmed(ctx, "c2", ""))

	n, ok, err := s.MaxPendingNonce(ctx, signer)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(6), n)

	_, ok, err = s.MaxPendingNonce(ctx, "0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)
	assert.False(t, ok)
}

func testRefunds(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	r := types.RefundRecord{
		SourceTxID:   "trx-1",
		Recipient:    "alice",
		Amount:       "5.000",
		Denomination: "HBD",
		Reason:       "memo is not a valid address",
		Kind:         types.RefundFull,
		Status:       types.RefundPending,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.InsertRefund(ctx, r))
	require.ErrorIs(t, s.InsertRefund(ctx, r), ledger.ErrDuplicate)

	require.NoError(t, s.MarkRefundFailed(ctx, "trx-1", "wallet unreachable"))
	failed, err := s.ListRefunds(ctx, types.RefundFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	assert.Equal(t, "wallet unreachable", failed[0].Failures)
	assert.Equal(t, "memo is not a valid address", failed[0].Reason)

	require.NoError(t, s.MarkRefundSent(ctx, "trx-1", "abc123"))
	got, err := s.GetRefund(ctx, "trx-1")
	require.NoError(t, err)
	assert.Equal(t, types.RefundSent, got.Status)
	assert.Equal(t, "abc123", got.RefundTxID)
	assert.Equal(t, 2, got.Attempts)

	require.ErrorIs(t, s.MarkRefundSent(ctx, "trx-1", "again"), ledger.ErrInvalidTransition)
	require.ErrorIs(t, s.MarkRefundFailed(ctx, "trx-1", "again"), ledger.ErrInvalidTransition)

	_, err = s.GetRefund(ctx, "missing")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func testSignatureNonce(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	const draws = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < draws; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.NextSignatureNonce(ctx)
			assert.NoError(t, err)
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, draws)

	n, err := s.NextSignatureNonce(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(draws+1), n)
}

func testScannedBlock(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, ok, err := s.GetScannedBlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetScannedBlock(ctx, 81_000_123))
	block, ok, err := s.GetScannedBlock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(81_000_123), block)
}

func testEVMScannedBlock(t *testing.T, s ledger.Store) {
	ctx := context.Background()
	_, ok, err := s.GetEVMScannedBlock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetScannedBlock(ctx, 81_000_123))
	require.NoError(t, s.SetEVMScannedBlock(ctx, 19_500_000))

	block, ok, err := s.GetEVMScannedBlock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(19_500_000), block)

	// the two cursors are independent
	block, _, err = s.GetScannedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(81_000_123), block)
}

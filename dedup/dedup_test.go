package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validAddress = "0x52908400098527886E0F7030069857D2E4169EE7"

func newGate(store ledger.DepositStore) *Gate {
	rules := Rules{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(1000)}
	return New(store, rules, 128, time.Hour, zap.NewNop().Sugar())
}

func candidate(id, quantity, memo string) types.CandidateDeposit {
	return types.CandidateDeposit{
		SourceTxID:   id,
		Sender:       "alice",
		Quantity:     quantity,
		Denomination: "HBD",
		Memo:         memo,
		BlockNum:     100,
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		quantity string
		memo     string
		decision Decision
		reason   string
	}{
		{"valid", "5.000", validAddress, Accept, ""},
		{"memo padded", "5.000", "  " + validAddress + "\n", Accept, ""},
		{"lower case memo", "5.000", "0x52908400098527886e0f7030069857d2e4169ee7", Accept, ""},
		{"upper case memo", "5.000", "0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED", Accept, ""},
		{"checksummed memo", "5.000", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", Accept, ""},
		{"min inclusive", "1.000", validAddress, Accept, ""},
		{"max inclusive", "1000.000", validAddress, Accept, ""},
		{"below min", "0.999", validAddress, Refund, "is not between 1 and 1000"},
		{"above max", "1000.001", validAddress, Refund, "is not between 1 and 1000"},
		{"not a number", "five", validAddress, Refund, "is not between"},
		{"memo not an address", "5.000", "hello", Refund, "is not a valid Ethereum address"},
		{"memo without prefix", "5.000", "52908400098527886E0F7030069857D2E4169EE7", Refund, "is not a valid Ethereum address"},
		{"bad checksum", "5.000", "0x52908400098527886E0F7030069857D2E4169Ee7", Refund, "is not a valid Ethereum address"},
		{"bad mixed case checksum", "5.000", "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAeD", Refund, "is not a valid Ethereum address"},
		{"short address", "5.000", "0x5aaeb6053f3e94c9b9a09f33669435e7ef1bea", Refund, "is not a valid Ethereum address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := ledger.NewMemoryStore()
			g := newGate(store)

			res, err := g.Evaluate(context.Background(), candidate("tx1", tt.quantity, tt.memo))
			require.NoError(t, err)
			assert.Equal(t, tt.decision, res.Decision)
			if tt.reason != "" {
				assert.Contains(t, res.Reason, tt.reason)
			} else {
				assert.Empty(t, res.Reason)
			}

			rec, err := store.GetDeposit(context.Background(), "tx1")
			require.NoError(t, err)
			assert.Equal(t, res.Record.Status, rec.Status)
			assert.Equal(t, res.Reason, rec.Message)
		})
	}
}

func TestEvaluate_Redelivery(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := newGate(store)

	res, err := g.Evaluate(context.Background(), candidate("tx1", "5.000", validAddress))
	require.NoError(t, err)
	require.Equal(t, Accept, res.Decision)

	// same process, cache hit
	res, err = g.Evaluate(context.Background(), candidate("tx1", "5.000", validAddress))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Decision)

	// restarted process, empty cache, store hit
	res, err = newGate(store).Evaluate(context.Background(), candidate("tx1", "5.000", validAddress))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Decision)
	assert.Equal(t, types.DepositAccepted, res.Record.Status)
}

func TestRecord(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := newGate(store)

	rec, fresh, err := g.Record(context.Background(), candidate("tx1", "5.000", " "+validAddress))
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, types.DepositSeen, rec.Status)
	assert.Equal(t, validAddress, rec.DestinationAddress)

	stored, err := store.GetDeposit(context.Background(), "tx1")
	require.NoError(t, err)
	assert.Equal(t, types.DepositSeen, stored.Status)

	_, fresh, err = g.Record(context.Background(), candidate("tx1", "5.000", validAddress))
	require.NoError(t, err)
	assert.False(t, fresh)

	// another process sees the stored record
	rec, fresh, err = newGate(store).Record(context.Background(), candidate("tx1", "5.000", validAddress))
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, types.DepositSeen, rec.Status)

	res, err := g.Revalidate(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, Accept, res.Decision)
}

func TestEvaluate_ConcurrentDelivery(t *testing.T) {
	store := ledger.NewMemoryStore()
	// separate gates stand for separate processes sharing the store
	gates := []*Gate{newGate(store), newGate(store), newGate(store)}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		decided []Decision
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(g *Gate) {
			defer wg.Done()
			res, err := g.Evaluate(context.Background(), candidate("tx1", "0.5", validAddress))
			assert.NoError(t, err)
			mu.Lock()
			decided = append(decided, res.Decision)
			mu.Unlock()
		}(gates[i%len(gates)])
	}
	wg.Wait()

	var refunds, duplicates int
	for _, d := range decided {
		switch d {
		case Refund:
			refunds++
		case Duplicate:
			duplicates++
		}
	}
	assert.Equal(t, 1, refunds)
	assert.Equal(t, 29, duplicates)

	recs, err := store.ListDeposits(context.Background(), types.DepositRefunded)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

type failingStore struct {
	*ledger.MemoryStore
	getErr    error
	updateErr error
}

func (s *failingStore) GetDeposit(ctx context.Context, id string) (types.DepositRecord, error) {
	if s.getErr != nil {
		return types.DepositRecord{}, s.getErr
	}
	return s.MemoryStore.GetDeposit(ctx, id)
}

func (s *failingStore) UpdateDepositStatus(ctx context.Context, id string, status types.DepositStatus, msg string) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.MemoryStore.UpdateDepositStatus(ctx, id, status, msg)
}

func TestEvaluate_StoreErrors(t *testing.T) {
	t.Run("lookup", func(t *testing.T) {
		store := &failingStore{MemoryStore: ledger.NewMemoryStore(), getErr: errors.New("connection refused")}
		_, err := newGate(store).Evaluate(context.Background(), candidate("tx1", "5.000", validAddress))
		require.Error(t, err)

		_, err = store.MemoryStore.GetDeposit(context.Background(), "tx1")
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("status update leaves seen", func(t *testing.T) {
		store := &failingStore{MemoryStore: ledger.NewMemoryStore(), updateErr: errors.New("timeout")}
		g := newGate(store)
		_, err := g.Evaluate(context.Background(), candidate("tx1", "5.000", validAddress))
		require.Error(t, err)

		rec, err := store.GetDeposit(context.Background(), "tx1")
		require.NoError(t, err)
		assert.Equal(t, types.DepositSeen, rec.Status)

		// recovery finishes it once the store is back
		store.updateErr = nil
		res, err := g.Revalidate(context.Background(), rec)
		require.NoError(t, err)
		assert.Equal(t, Accept, res.Decision)

		rec, err = store.GetDeposit(context.Background(), "tx1")
		require.NoError(t, err)
		assert.Equal(t, types.DepositAccepted, rec.Status)
	})
}

func TestRevalidate_AlreadyDecided(t *testing.T) {
	store := ledger.NewMemoryStore()
	g := newGate(store)
	res, err := g.Evaluate(context.Background(), candidate("tx1", "5.000", "nope"))
	require.NoError(t, err)
	require.Equal(t, Refund, res.Decision)

	// a stale snapshot still saying seen
	stale := res.Record
	stale.Status = types.DepositSeen
	res, err = g.Revalidate(context.Background(), stale)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, res.Decision)
}

package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gohivebridge/HIVERPC"
	"gohivebridge/dedup"
	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type session struct {
	blocks []HIVERPC.Block
	err    error // returned after the blocks, nil keeps the session open
}

type fakeSource struct {
	lib      uint64
	mu       sync.Mutex
	sessions []session
	froms    []uint64
}

func (s *fakeSource) LastIrreversibleBlock(context.Context) (uint64, error) {
	return s.lib, nil
}

func (s *fakeSource) Subscribe(ctx context.Context, from uint64, out chan<- HIVERPC.Block) error {
	s.mu.Lock()
	s.froms = append(s.froms, from)
	var sess session
	if len(s.sessions) > 0 {
		sess, s.sessions = s.sessions[0], s.sessions[1:]
	}
	s.mu.Unlock()

	for _, b := range sess.blocks {
		select {
		case out <- b:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if sess.err != nil {
		return sess.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeSource) starts() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.froms...)
}

type fakeVerifier map[string]HIVERPC.Verdict

func (v fakeVerifier) Verify(_ context.Context, txID string) (HIVERPC.Verdict, error) {
	verdict, ok := v[txID]
	if !ok {
		return HIVERPC.VerdictUnknown, errors.New("unreachable")
	}
	return verdict, nil
}

func transferOp(txID string, block uint64, to, amount, memo string) HIVERPC.Operation {
	return HIVERPC.Operation{
		TxID:     txID,
		BlockNum: block,
		Type:     HIVERPC.OpTransfer,
		Transfer: &HIVERPC.Transfer{From: "alice", To: to, Amount: amount, Memo: memo},
	}
}

var watcherCfg = WatcherConfig{
	Account:          "bridge",
	Denomination:     "HBD",
	SafetyWindow:     100,
	ResubscribeDelay: time.Millisecond,
}

// newWatcher records into store through a real dedup gate.
func newWatcher(src BlockSource, store *ledger.MemoryStore) *Watcher {
	log := zap.NewNop().Sugar()
	gate := dedup.New(store, dedup.Rules{Min: decimal.NewFromInt(1), Max: decimal.NewFromInt(1000)}, 100, time.Hour, log)
	return NewWatcher(src, gate, store, watcherCfg, log)
}

// runWatcher runs w until want deposits arrived, then stops it.
func runWatcher(t *testing.T, w *Watcher, want int) []types.DepositRecord {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan types.DepositRecord)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, out) }()

	var got []types.DepositRecord
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case c := <-out:
			got = append(got, c)
		case <-timeout:
			t.Fatalf("got %d deposits, want %d", len(got), want)
		}
	}
	cancel()
	require.NoError(t, <-done)
	return got
}

func TestWatcher_FreshStartFromLastIrreversible(t *testing.T) {
	src := &fakeSource{lib: 5000, sessions: []session{{
		blocks: []HIVERPC.Block{{Num: 4900, Ops: []HIVERPC.Operation{
			transferOp("trx-1", 4900, "bridge", "5.000 HBD", validAddr),
		}}},
	}}}
	store := ledger.NewMemoryStore()

	got := runWatcher(t, newWatcher(src, store), 1)

	assert.Equal(t, []uint64{4900}, src.starts())
	assert.Equal(t, "trx-1", got[0].SourceTxID)
	assert.Equal(t, "alice", got[0].Sender)
	assert.Equal(t, "5.000", got[0].RawAmount)
	assert.Equal(t, "HBD", got[0].Denomination)
	assert.Equal(t, validAddr, got[0].DestinationAddress)
	assert.Equal(t, types.DepositSeen, got[0].Status)

	stored, err := store.GetDeposit(context.Background(), "trx-1")
	require.NoError(t, err)
	assert.Equal(t, types.DepositSeen, stored.Status)
}

func TestWatcher_ResumesFromCursor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{lib: 9000, sessions: []session{{
		blocks: []HIVERPC.Block{{Num: 1950, Ops: []HIVERPC.Operation{
			transferOp("trx-1", 1950, "bridge", "5.000 HBD", validAddr),
		}}},
	}}}
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SetScannedBlock(ctx, 2000))

	runWatcher(t, newWatcher(src, store), 1)

	assert.Equal(t, []uint64{1900}, src.starts())
}

func TestWatcher_WindowClampedToFirstBlock(t *testing.T) {
	src := &fakeSource{lib: 40, sessions: []session{{
		blocks: []HIVERPC.Block{{Num: 1, Ops: []HIVERPC.Operation{
			transferOp("trx-1", 1, "bridge", "5.000 HBD", validAddr),
		}}},
	}}}

	runWatcher(t, newWatcher(src, ledger.NewMemoryStore()), 1)

	assert.Equal(t, []uint64{1}, src.starts())
}

func TestWatcher_FiltersTransfers(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{lib: 5000, sessions: []session{{
		blocks: []HIVERPC.Block{
			{Num: 4900, Ops: []HIVERPC.Operation{
				transferOp("to-someone-else", 4900, "carol", "5.000 HBD", validAddr),
				transferOp("wrong-asset", 4900, "bridge", "5.000 HIVE", validAddr),
				transferOp("garbage", 4900, "bridge", "five HBD", validAddr),
				{TxID: "vote", BlockNum: 4900, Type: "vote"},
			}},
			{Num: 4901, Ops: []HIVERPC.Operation{
				transferOp("trx-1", 4901, "bridge", "1.250 HBD", validAddr),
			}},
		},
	}}}
	store := ledger.NewMemoryStore()

	got := runWatcher(t, newWatcher(src, store), 1)

	assert.Equal(t, "trx-1", got[0].SourceTxID)
	assert.Equal(t, "1.250", got[0].RawAmount)

	require.Eventually(t, func() bool {
		block, ok, err := store.GetScannedBlock(ctx)
		return err == nil && ok && block == 4901
	}, time.Second, time.Millisecond)
}

func TestWatcher_ResubscribesAfterError(t *testing.T) {
	src := &fakeSource{lib: 5000, sessions: []session{
		{
			blocks: []HIVERPC.Block{{Num: 4900, Ops: []HIVERPC.Operation{
				transferOp("trx-1", 4900, "bridge", "5.000 HBD", validAddr),
			}}},
			err: errors.New("websocket closed"),
		},
		{
			blocks: []HIVERPC.Block{{Num: 4901, Ops: []HIVERPC.Operation{
				transferOp("trx-2", 4901, "bridge", "6.000 HBD", validAddr),
			}}},
		},
	}}

	got := runWatcher(t, newWatcher(src, ledger.NewMemoryStore()), 2)

	assert.Equal(t, "trx-2", got[1].SourceTxID)
	// the second start re-reads the safety window behind the saved cursor
	assert.Equal(t, []uint64{4900, 4800}, src.starts())
}

func TestWatcher_SecondaryNodeVerdict(t *testing.T) {
	src := &fakeSource{lib: 5000, sessions: []session{{
		blocks: []HIVERPC.Block{{Num: 4900, Ops: []HIVERPC.Operation{
			transferOp("rejected", 4900, "bridge", "5.000 HBD", validAddr),
			transferOp("unverified", 4900, "bridge", "6.000 HBD", validAddr),
			transferOp("confirmed", 4900, "bridge", "7.000 HBD", validAddr),
		}}},
	}}}
	w := newWatcher(src, ledger.NewMemoryStore()).
		WithVerifier(fakeVerifier{"rejected": HIVERPC.VerdictRejected, "confirmed": HIVERPC.VerdictConfirmed})

	got := runWatcher(t, w, 2)

	assert.Equal(t, "unverified", got[0].SourceTxID)
	assert.Equal(t, "confirmed", got[1].SourceTxID)
}

func TestWatcher_RescanDoesNotRedeliver(t *testing.T) {
	block := HIVERPC.Block{Num: 4900, Ops: []HIVERPC.Operation{
		transferOp("trx-1", 4900, "bridge", "5.000 HBD", validAddr),
	}}
	src := &fakeSource{lib: 5000, sessions: []session{
		{blocks: []HIVERPC.Block{block}, err: errors.New("websocket closed")},
		{blocks: []HIVERPC.Block{block, {Num: 4901, Ops: []HIVERPC.Operation{
			transferOp("trx-2", 4901, "bridge", "6.000 HBD", validAddr),
		}}}},
	}}

	got := runWatcher(t, newWatcher(src, ledger.NewMemoryStore()), 2)

	assert.Equal(t, "trx-1", got[0].SourceTxID)
	assert.Equal(t, "trx-2", got[1].SourceTxID)
}

// A crash after the cursor moved past queued deposits must not lose them:
// they are in the store as seen and the recovery sweep pays them out.
func TestWatcher_QueuedDepositsSurviveShutdown(t *testing.T) {
	e := newEnv(t)
	blocks := []HIVERPC.Block{{Num: 100, Ops: []HIVERPC.Operation{
		transferOp("trx-1", 100, "bridge", "5.000 HBD", validAddr),
	}}}
	for n := uint64(101); n <= 300; n++ {
		blocks = append(blocks, HIVERPC.Block{Num: n})
	}
	src := &fakeSource{lib: 100, sessions: []session{{blocks: blocks}}}
	w := NewWatcher(src, e.gate, e.store, WatcherConfig{Account: "bridge", Denomination: "HBD"}, e.log)

	ctx, cancel := context.WithCancel(context.Background())
	// nobody reads the queue, as if the pipeline never got to it
	queue := make(chan types.DepositRecord, 1)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, queue) }()

	require.Eventually(t, func() bool {
		block, ok, err := e.store.GetScannedBlock(context.Background())
		return err == nil && ok && block == 300
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, types.DepositSeen, e.deposit(t, "trx-1").Status)

	// restart: the scan resumes at 300, the deposit comes back through recovery
	require.NoError(t, e.recovery(later()).Sweep(context.Background()))
	assert.Equal(t, types.DepositAccepted, e.deposit(t, "trx-1").Status)
	assert.Equal(t, types.OutboundPending, e.rootOf(t, "trx-1").Status)
	assert.Len(t, e.chain.sentTxs(), 1)
}

type flakyRecorder struct {
	Recorder
	failures atomic.Int32
}

func (r *flakyRecorder) Record(ctx context.Context, c types.CandidateDeposit) (types.DepositRecord, bool, error) {
	if r.failures.Add(-1) >= 0 {
		return types.DepositRecord{}, false, errors.New("store unavailable")
	}
	return r.Recorder.Record(ctx, c)
}

func TestWatcher_RecordFailureHoldsCursor(t *testing.T) {
	ctx := context.Background()
	blocks := []HIVERPC.Block{
		{Num: 1950, Ops: []HIVERPC.Operation{transferOp("trx-1", 1950, "bridge", "5.000 HBD", validAddr)}},
		{Num: 1951},
	}
	src := &fakeSource{lib: 9000, sessions: []session{{blocks: blocks}, {blocks: blocks}}}
	store := ledger.NewMemoryStore()
	require.NoError(t, store.SetScannedBlock(ctx, 1949))

	rec := &flakyRecorder{Recorder: newWatcher(src, store).recorder}
	rec.failures.Store(1)
	w := NewWatcher(src, rec, store, watcherCfg, zap.NewNop().Sugar())

	got := runWatcher(t, w, 1)

	assert.Equal(t, "trx-1", got[0].SourceTxID)
	// block 1950 was not finished, the second start is the same as the first
	assert.Equal(t, []uint64{1849, 1849}, src.starts())
}

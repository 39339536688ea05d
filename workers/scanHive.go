package workers

import (
	"context"
	"strings"
	"time"

	"gohivebridge/HIVERPC"
	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type BlockSource interface {
	LastIrreversibleBlock(ctx context.Context) (uint64, error)
	Subscribe(ctx context.Context, from uint64, out chan<- HIVERPC.Block) error
}

type TxVerifier interface {
	Verify(ctx context.Context, txID string) (HIVERPC.Verdict, error)
}

// Recorder stores a candidate as seen. fresh is false for a deposit known
// already.
type Recorder interface {
	Record(ctx context.Context, c types.CandidateDeposit) (rec types.DepositRecord, fresh bool, err error)
}

type BlockObserver interface {
	SetScannedBlock(block uint64)
}

type WatcherConfig struct {
	Account      string
	Denomination string
	// blocks re-read behind the cursor on every (re)start
	SafetyWindow     uint64
	ResubscribeDelay time.Duration
}

// Watcher records incoming transfers to the relay account as seen deposits.
// The cursor moves past a block only once all of its deposits are recorded,
// so a crash loses nothing that was read. It resubscribes after every source
// error until ctx ends.
type Watcher struct {
	source   BlockSource
	recorder Recorder
	cursor   ledger.CursorStore
	verifier TxVerifier
	observer BlockObserver
	cfg      WatcherConfig
	log      *zap.SugaredLogger
}

func NewWatcher(source BlockSource, recorder Recorder, cursor ledger.CursorStore, cfg WatcherConfig, log *zap.SugaredLogger) *Watcher {
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = 5 * time.Second
	}
	return &Watcher{source: source, recorder: recorder, cursor: cursor, cfg: cfg, log: log}
}

func (w *Watcher) WithVerifier(v TxVerifier) *Watcher {
	w.verifier = v
	return w
}

func (w *Watcher) WithObserver(o BlockObserver) *Watcher {
	w.observer = o
	return w
}

// Run delivers newly recorded deposits to out until ctx ends. It never returns
// an error of the source or the recorder, those are logged and followed by a
// resubscription from the saved cursor.
func (w *Watcher) Run(ctx context.Context, out chan<- types.DepositRecord) error {
	for {
		from, err := w.startBlock(ctx)
		if err == nil {
			w.log.Infow("subscribing to hive blocks", "from", from)
			err = w.watch(ctx, from, out)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.log.Warnw("hive subscription ended, resubscribing", "error", err, "delay", w.cfg.ResubscribeDelay)

		select {
		case <-time.After(w.cfg.ResubscribeDelay):
		case <-ctx.Done():
			return nil
		}
	}
}

// startBlock is the saved cursor, or the last irreversible block on a fresh
// store, moved back by the safety window.
func (w *Watcher) startBlock(ctx context.Context) (uint64, error) {
	block, ok, err := w.cursor.GetScannedBlock(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "read scan cursor")
	}
	if !ok {
		if block, err = w.source.LastIrreversibleBlock(ctx); err != nil {
			return 0, errors.Wrap(err, "last irreversible block")
		}
	}
	if block <= w.cfg.SafetyWindow {
		return 1, nil
	}
	return block - w.cfg.SafetyWindow, nil
}

func (w *Watcher) watch(ctx context.Context, from uint64, out chan<- types.DepositRecord) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	blocks := make(chan HIVERPC.Block)
	done := make(chan error, 1)
	go func() {
		done <- w.source.Subscribe(subCtx, from, blocks)
	}()

	for {
		select {
		case b := <-blocks:
			if err := w.handleBlock(ctx, b, out); err != nil {
				return err
			}
		case err := <-done:
			if err == nil {
				err = errors.New("subscription closed")
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Watcher) handleBlock(ctx context.Context, b HIVERPC.Block, out chan<- types.DepositRecord) error {
	for _, op := range b.Ops {
		c, ok := w.candidate(ctx, op)
		if !ok {
			continue
		}
		rec, fresh, err := w.recorder.Record(ctx, c)
		if err != nil {
			return errors.Wrapf(err, "block %d", b.Num)
		}
		if !fresh {
			w.log.Debugw("deposit already recorded", "sourceTxId", c.SourceTxID)
			continue
		}
		// past this point the deposit is in the store, a stop before the
		// send leaves it to the recovery sweep
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := w.cursor.SetScannedBlock(ctx, b.Num); err != nil {
		// the next start rescans a little more, dedup absorbs it
		w.log.Errorw("could not save scan cursor", "block", b.Num, "error", err)
	}
	if w.observer != nil {
		w.observer.SetScannedBlock(b.Num)
	}
	return nil
}

func (w *Watcher) candidate(ctx context.Context, op HIVERPC.Operation) (types.CandidateDeposit, bool) {
	if op.Type != HIVERPC.OpTransfer || op.Transfer == nil || op.Transfer.To != w.cfg.Account {
		return types.CandidateDeposit{}, false
	}
	t := op.Transfer
	log := w.log.With("sourceTxId", op.TxID, "from", t.From, "amount", t.Amount)

	asset, err := HIVERPC.ParseAsset(t.Amount)
	if err != nil {
		log.Warnw("transfer with unreadable amount ignored", "error", err)
		return types.CandidateDeposit{}, false
	}
	if asset.Symbol != w.cfg.Denomination {
		log.Infow("transfer in another asset ignored")
		return types.CandidateDeposit{}, false
	}

	if w.verifier != nil {
		verdict, err := w.verifier.Verify(ctx, op.TxID)
		if err != nil {
			log.Warnw("secondary node check failed, accepting transfer", "error", err)
		} else if verdict == HIVERPC.VerdictRejected {
			log.Warnw("transfer rejected by secondary node, ignored")
			return types.CandidateDeposit{}, false
		}
	}

	log.Infow("deposit found", "memo", t.Memo, "block", op.BlockNum)
	return types.CandidateDeposit{
		SourceTxID:   op.TxID,
		Sender:       t.From,
		Quantity:     strings.Fields(t.Amount)[0],
		Denomination: asset.Symbol,
		Memo:         t.Memo,
		BlockNum:     op.BlockNum,
	}, true
}

package ledger

import (
	"context"
	"math/big"
	"sync"
	"time"

	"gohivebridge/types"
)

// MemoryStore is a process-local Store for tests. It loses everything on exit
// and is not selectable by the server binary.
type MemoryStore struct {
	mu sync.Mutex

	deposits     map[string]types.DepositRecord
	depositOrder []string

	outbound      map[string]types.OutboundTransaction
	outboundOrder []string
	roots         map[string]string // source tx id -> root record id

	refunds     map[string]types.RefundRecord
	refundOrder []string

	sigNonce uint64

	scanned    uint64
	hasScanned bool

	evmScanned    uint64
	hasEVMScanned bool

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deposits: make(map[string]types.DepositRecord),
		outbound: make(map[string]types.OutboundTransaction),
		roots:    make(map[string]string),
		refunds:  make(map[string]types.RefundRecord),
		now:      time.Now,
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) InsertDeposit(_ context.Context, rec types.DepositRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.deposits[rec.SourceTxID]; ok {
		return ErrDuplicate
	}
	s.deposits[rec.SourceTxID] = rec
	s.depositOrder = append(s.depositOrder, rec.SourceTxID)
	return nil
}

func (s *MemoryStore) GetDeposit(_ context.Context, sourceTxID string) (types.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deposits[sourceTxID]
	if !ok {
		return types.DepositRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) UpdateDepositStatus(_ context.Context, sourceTxID string, status types.DepositStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.deposits[sourceTxID]
	if !ok {
		return ErrNotFound
	}
	if !rec.Status.CanTransition(status) {
		return ErrInvalidTransition
	}
	rec.Status = status
	rec.Message = message
	rec.UpdatedAt = s.now()
	s.deposits[sourceTxID] = rec
	return nil
}

func (s *MemoryStore) ListDeposits(_ context.Context, status types.DepositStatus) ([]types.DepositRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.DepositRecord
	for _, id := range s.depositOrder {
		if rec := s.deposits[id]; rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertOutbound(_ context.Context, tx types.OutboundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.outbound[tx.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.roots[tx.SourceTxID]; ok {
		return ErrDuplicate
	}
	s.roots[tx.SourceTxID] = tx.ID
	s.putOutbound(tx)
	return nil
}

func (s *MemoryStore) ReplaceOutbound(_ context.Context, prevID string, next types.OutboundTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.outbound[prevID]
	if !ok {
		return ErrNotFound
	}
	if prev.Status != types.OutboundPending {
		return ErrInvalidTransition
	}
	if prev.CorrelationID != next.CorrelationID || prev.Nonce != next.Nonce {
		return ErrInvalidTransition
	}
	if _, ok := s.outbound[next.ID]; ok {
		return ErrDuplicate
	}

	prev.Status = types.OutboundReplaced
	prev.ReplacedBy = next.ID
	prev.LastCheckedAt = s.now()
	s.outbound[prevID] = prev
	s.putOutbound(next)
	return nil
}

func (s *MemoryStore) MarkOutboundConfirmed(_ context.Context, id string, minedTxHash string) error {
	return s.finishOutbound(id, types.OutboundConfirmed, func(tx *types.OutboundTransaction) {
		if minedTxHash != "" && minedTxHash != tx.DestinationTxHash {
			tx.MinedTxHash = minedTxHash
		}
	})
}

func (s *MemoryStore) MarkOutboundFailed(_ context.Context, id string, message string) error {
	return s.finishOutbound(id, types.OutboundFailed, func(tx *types.OutboundTransaction) {
		tx.Message = message
	})
}

func (s *MemoryStore) finishOutbound(id string, status types.OutboundStatus, mutate func(tx *types.OutboundTransaction)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.outbound[id]
	if !ok {
		return ErrNotFound
	}
	if tx.Status == status {
		return nil
	}
	if tx.Status != types.OutboundPending {
		return ErrInvalidTransition
	}
	tx.Status = status
	tx.LastCheckedAt = s.now()
	mutate(&tx)
	s.outbound[id] = tx
	return nil
}

func (s *MemoryStore) TouchOutbound(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.outbound[id]
	if !ok {
		return ErrNotFound
	}
	tx.LastCheckedAt = at
	s.outbound[id] = tx
	return nil
}

func (s *MemoryStore) MarkOutboundNotified(_ context.Context, id string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.outbound[id]
	if !ok {
		return ErrNotFound
	}
	tx.NoticeTxHash = txHash
	s.outbound[id] = tx
	return nil
}

func (s *MemoryStore) GetOutbound(_ context.Context, id string) (types.OutboundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.outbound[id]
	if !ok {
		return types.OutboundTransaction{}, ErrNotFound
	}
	return copyOutbound(tx), nil
}

func (s *MemoryStore) GetPayoutBySource(_ context.Context, sourceTxID string) (types.OutboundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.roots[sourceTxID]
	if !ok {
		return types.OutboundTransaction{}, ErrNotFound
	}
	return copyOutbound(s.outbound[id]), nil
}

func (s *MemoryStore) ListOutbound(_ context.Context, status types.OutboundStatus) ([]types.OutboundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.OutboundTransaction
	for _, id := range s.outboundOrder {
		if tx := s.outbound[id]; tx.Status == status {
			out = append(out, copyOutbound(tx))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListOutboundByCorrelation(_ context.Context, correlationID string) ([]types.OutboundTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.OutboundTransaction
	for _, id := range s.outboundOrder {
		if tx := s.outbound[id]; tx.CorrelationID == correlationID {
			out = append(out, copyOutbound(tx))
		}
	}
	return out, nil
}

func (s *MemoryStore) MaxPendingNonce(_ context.Context, signer string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		max uint64
		ok  bool
	)
	for _, tx := range s.outbound {
		if tx.Status != types.OutboundPending || tx.Signer != signer {
			continue
		}
		if !ok || tx.Nonce > max {
			max = tx.Nonce
			ok = true
		}
	}
	return max, ok, nil
}

func (s *MemoryStore) putOutbound(tx types.OutboundTransaction) {
	s.outbound[tx.ID] = copyOutbound(tx)
	s.outboundOrder = append(s.outboundOrder, tx.ID)
}

func (s *MemoryStore) InsertRefund(_ context.Context, r types.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refunds[r.SourceTxID]; ok {
		return ErrDuplicate
	}
	s.refunds[r.SourceTxID] = r
	s.refundOrder = append(s.refundOrder, r.SourceTxID)
	return nil
}

func (s *MemoryStore) GetRefund(_ context.Context, sourceTxID string) (types.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[sourceTxID]
	if !ok {
		return types.RefundRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) MarkRefundSent(_ context.Context, sourceTxID string, refundTxID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[sourceTxID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == types.RefundSent {
		return ErrInvalidTransition
	}
	r.Status = types.RefundSent
	r.RefundTxID = refundTxID
	r.Attempts++
	r.UpdatedAt = s.now()
	s.refunds[sourceTxID] = r
	return nil
}

func (s *MemoryStore) MarkRefundFailed(_ context.Context, sourceTxID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[sourceTxID]
	if !ok {
		return ErrNotFound
	}
	if r.Status == types.RefundSent {
		return ErrInvalidTransition
	}
	r.Status = types.RefundFailed
	r.Attempts++
	r.Failures = AppendMessage(r.Failures, reason)
	r.UpdatedAt = s.now()
	s.refunds[sourceTxID] = r
	return nil
}

func (s *MemoryStore) ListRefunds(_ context.Context, status types.RefundStatus) ([]types.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.RefundRecord
	for _, id := range s.refundOrder {
		if r := s.refunds[id]; r.Status == status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) NextSignatureNonce(_ context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sigNonce++
	return s.sigNonce, nil
}

func (s *MemoryStore) GetScannedBlock(_ context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanned, s.hasScanned, nil
}

func (s *MemoryStore) SetScannedBlock(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned = block
	s.hasScanned = true
	return nil
}

func (s *MemoryStore) GetEVMScannedBlock(_ context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evmScanned, s.hasEVMScanned, nil
}

func (s *MemoryStore) SetEVMScannedBlock(_ context.Context, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evmScanned = block
	s.hasEVMScanned = true
	return nil
}

func copyOutbound(tx types.OutboundTransaction) types.OutboundTransaction {
	if tx.GasPrice != nil {
		tx.GasPrice = new(big.Int).Set(tx.GasPrice)
	}
	if tx.PayoutAmount != nil {
		tx.PayoutAmount = new(big.Int).Set(tx.PayoutAmount)
	}
	if tx.Data != nil {
		tx.Data = append([]byte(nil), tx.Data...)
	}
	if tx.SignatureNonce != nil {
		n := *tx.SignatureNonce
		tx.SignatureNonce = &n
	}
	return tx
}

// AppendMessage joins processing messages the same way on every store.
func AppendMessage(prev, msg string) string {
	if prev == "" {
		return msg
	}
	if msg == "" {
		return prev
	}
	return prev + "; " + msg
}

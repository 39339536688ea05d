// Package postgres is the PostgreSQL ledger store. Unique indexes carry the
// at-most-once guarantees, state changes are conditional updates.
package postgres

import (
	"context"
	"math/big"
	"time"

	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var ErrInvalidConfig = errors.New("postgres: invalid config")

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// Open connects to dsn and makes sure the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: connect")
	}
	s, err := New(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "nil pool")
	}
	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "postgres: ensure schema")
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) InsertDeposit(ctx context.Context, rec types.DepositRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposits (
			source_tx_id, sender, raw_amount, denomination, destination_address,
			status, message, first_seen_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.SourceTxID, rec.Sender, rec.RawAmount, rec.Denomination, rec.DestinationAddress,
		string(rec.Status), rec.Message, rec.FirstSeenAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return errors.Wrap(err, "postgres: insert deposit")
}

const depositColumns = `source_tx_id, sender, raw_amount, denomination, destination_address,
	status, message, first_seen_at, updated_at`

func scanDeposit(row pgx.Row) (types.DepositRecord, error) {
	var (
		rec    types.DepositRecord
		status string
	)
	err := row.Scan(&rec.SourceTxID, &rec.Sender, &rec.RawAmount, &rec.Denomination, &rec.DestinationAddress,
		&status, &rec.Message, &rec.FirstSeenAt, &rec.UpdatedAt)
	rec.Status = types.DepositStatus(status)
	return rec, err
}

func (s *Store) GetDeposit(ctx context.Context, sourceTxID string) (types.DepositRecord, error) {
	rec, err := scanDeposit(s.pool.QueryRow(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE source_tx_id = $1`, sourceTxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.DepositRecord{}, ledger.ErrNotFound
	}
	return rec, errors.Wrap(err, "postgres: get deposit")
}

func (s *Store) UpdateDepositStatus(ctx context.Context, sourceTxID string, status types.DepositStatus, message string) error {
	if !types.DepositSeen.CanTransition(status) {
		if _, err := s.GetDeposit(ctx, sourceTxID); err != nil {
			return err
		}
		return ledger.ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE deposits SET status = $2, message = $3, updated_at = $4
		WHERE source_tx_id = $1 AND status = $5
	`, sourceTxID, string(status), message, s.now(), string(types.DepositSeen))
	if err != nil {
		return errors.Wrap(err, "postgres: update deposit")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetDeposit(ctx, sourceTxID); err != nil {
		return err
	}
	return ledger.ErrInvalidTransition
}

func (s *Store) ListDeposits(ctx context.Context, status types.DepositStatus) ([]types.DepositRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE status = $1 ORDER BY first_seen_at, source_tx_id`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list deposits")
	}
	defer rows.Close()

	var out []types.DepositRecord
	for rows.Next() {
		rec, err := scanDeposit(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgres: scan deposit")
		}
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "postgres: list deposits")
}

const outboundColumns = `id, correlation_id, source_tx_id, strategy, signer, to_address, nonce,
	gas_price::text, gas_limit, data, payout_amount::text, signature_nonce, destination_tx_hash,
	status, replaced_by, mined_tx_hash, notice_tx_hash, message, created_at, last_checked_at`

func insertOutbound(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, tx types.OutboundTransaction) error {
	var sigNonce *int64
	if tx.SignatureNonce != nil {
		n := int64(*tx.SignatureNonce)
		sigNonce = &n
	}
	_, err := q.Exec(ctx, `
		INSERT INTO outbound_transactions (
			id, correlation_id, source_tx_id, strategy, signer, to_address, nonce,
			gas_price, gas_limit, data, payout_amount, signature_nonce, destination_tx_hash,
			status, replaced_by, mined_tx_hash, notice_tx_hash, message, created_at, last_checked_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9,$10,$11::numeric,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, tx.ID, tx.CorrelationID, tx.SourceTxID, tx.Strategy, tx.Signer, tx.To, int64(tx.Nonce),
		bigString(tx.GasPrice), int64(tx.GasLimit), []byte(tx.Data), bigString(tx.PayoutAmount), sigNonce,
		tx.DestinationTxHash, string(tx.Status), tx.ReplacedBy, tx.MinedTxHash, tx.NoticeTxHash, tx.Message,
		tx.CreatedAt, tx.LastCheckedAt)
	return err
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func scanOutbound(row pgx.Row) (types.OutboundTransaction, error) {
	var (
		tx               types.OutboundTransaction
		nonce, gasLimit  int64
		gasPrice, amount string
		sigNonce         *int64
		status           string
		data             []byte
	)
	err := row.Scan(&tx.ID, &tx.CorrelationID, &tx.SourceTxID, &tx.Strategy, &tx.Signer, &tx.To, &nonce,
		&gasPrice, &gasLimit, &data, &amount, &sigNonce, &tx.DestinationTxHash,
		&status, &tx.ReplacedBy, &tx.MinedTxHash, &tx.NoticeTxHash, &tx.Message, &tx.CreatedAt, &tx.LastCheckedAt)
	if err != nil {
		return tx, err
	}
	tx.Nonce = uint64(nonce)
	tx.GasLimit = uint64(gasLimit)
	tx.Data = data
	tx.Status = types.OutboundStatus(status)
	if sigNonce != nil {
		n := uint64(*sigNonce)
		tx.SignatureNonce = &n
	}
	var ok bool
	if tx.GasPrice, ok = new(big.Int).SetString(gasPrice, 10); !ok {
		return tx, errors.Errorf("postgres: bad gas price %q", gasPrice)
	}
	if tx.PayoutAmount, ok = new(big.Int).SetString(amount, 10); !ok {
		return tx, errors.Errorf("postgres: bad payout amount %q", amount)
	}
	return tx, nil
}

func (s *Store) InsertOutbound(ctx context.Context, tx types.OutboundTransaction) error {
	err := insertOutbound(ctx, s.pool, tx)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return errors.Wrap(err, "postgres: insert outbound")
}

func (s *Store) ReplaceOutbound(ctx context.Context, prevID string, next types.OutboundTransaction) error {
	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres: begin")
	}
	defer dbtx.Rollback(ctx)

	tag, err := dbtx.Exec(ctx, `
		UPDATE outbound_transactions
		SET status = $2, replaced_by = $3, last_checked_at = $4
		WHERE id = $1 AND status = $5 AND correlation_id = $6 AND nonce = $7
	`, prevID, string(types.OutboundReplaced), next.ID, s.now(), string(types.OutboundPending),
		next.CorrelationID, int64(next.Nonce))
	if err != nil {
		return errors.Wrap(err, "postgres: replace outbound")
	}
	if tag.RowsAffected() != 1 {
		if _, err := s.GetOutbound(ctx, prevID); err != nil {
			return err
		}
		return ledger.ErrInvalidTransition
	}

	if err := insertOutbound(ctx, dbtx, next); err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicate
		}
		return errors.Wrap(err, "postgres: insert replacement")
	}
	return errors.Wrap(dbtx.Commit(ctx), "postgres: commit replacement")
}

func (s *Store) MarkOutboundConfirmed(ctx context.Context, id string, minedTxHash string) error {
	return s.finishOutbound(ctx, id, types.OutboundConfirmed, `
		UPDATE outbound_transactions
		SET status = $2, last_checked_at = $3,
			mined_tx_hash = CASE WHEN $4 <> '' AND $4 <> destination_tx_hash THEN $4 ELSE mined_tx_hash END
		WHERE id = $1 AND status = $5
	`, minedTxHash)
}

func (s *Store) MarkOutboundFailed(ctx context.Context, id string, message string) error {
	return s.finishOutbound(ctx, id, types.OutboundFailed, `
		UPDATE outbound_transactions
		SET status = $2, last_checked_at = $3, message = $4
		WHERE id = $1 AND status = $5
	`, message)
}

// finishOutbound moves a pending record to status. Repeating the same move is a no-op.
func (s *Store) finishOutbound(ctx context.Context, id string, status types.OutboundStatus, query, arg string) error {
	tag, err := s.pool.Exec(ctx, query, id, string(status), s.now(), arg, string(types.OutboundPending))
	if err != nil {
		return errors.Wrapf(err, "postgres: mark outbound %s", status)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	tx, err := s.GetOutbound(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status == status {
		return nil
	}
	return ledger.ErrInvalidTransition
}

func (s *Store) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE outbound_transactions SET last_checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return errors.Wrap(err, "postgres: touch outbound")
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) MarkOutboundNotified(ctx context.Context, id string, txHash string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE outbound_transactions SET notice_tx_hash = $2 WHERE id = $1`, id, txHash)
	if err != nil {
		return errors.Wrap(err, "postgres: mark outbound notified")
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) getOutbound(ctx context.Context, where string, arg string) (types.OutboundTransaction, error) {
	tx, err := scanOutbound(s.pool.QueryRow(ctx, `SELECT `+outboundColumns+` FROM outbound_transactions WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.OutboundTransaction{}, ledger.ErrNotFound
	}
	return tx, errors.Wrap(err, "postgres: get outbound")
}

func (s *Store) GetOutbound(ctx context.Context, id string) (types.OutboundTransaction, error) {
	return s.getOutbound(ctx, `id = $1`, id)
}

func (s *Store) GetPayoutBySource(ctx context.Context, sourceTxID string) (types.OutboundTransaction, error) {
	return s.getOutbound(ctx, `source_tx_id = $1 AND id = correlation_id`, sourceTxID)
}

func (s *Store) listOutbound(ctx context.Context, where string, arg string) ([]types.OutboundTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outboundColumns+` FROM outbound_transactions WHERE `+where+` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list outbound")
	}
	defer rows.Close()

	var out []types.OutboundTransaction
	for rows.Next() {
		tx, err := scanOutbound(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgres: scan outbound")
		}
		out = append(out, tx)
	}
	return out, errors.Wrap(rows.Err(), "postgres: list outbound")
}

func (s *Store) ListOutbound(ctx context.Context, status types.OutboundStatus) ([]types.OutboundTransaction, error) {
	return s.listOutbound(ctx, `status = $1`, string(status))
}

func (s *Store) ListOutboundByCorrelation(ctx context.Context, correlationID string) ([]types.OutboundTransaction, error) {
	return s.listOutbound(ctx, `correlation_id = $1`, correlationID)
}

func (s *Store) MaxPendingNonce(ctx context.Context, signer string) (uint64, bool, error) {
	var max *int64
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(nonce) FROM outbound_transactions WHERE signer = $1 AND status = $2
	`, signer, string(types.OutboundPending)).Scan(&max)
	if err != nil {
		return 0, false, errors.Wrap(err, "postgres: max pending nonce")
	}
	if max == nil {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

func (s *Store) InsertRefund(ctx context.Context, r types.RefundRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO refunds (
			source_tx_id, recipient, amount, denomination, reason, kind, status,
			attempts, refund_tx_id, failures, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, r.SourceTxID, r.Recipient, r.Amount, r.Denomination, r.Reason, string(r.Kind), string(r.Status),
		r.Attempts, r.RefundTxID, r.Failures, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ledger.ErrDuplicate
	}
	return errors.Wrap(err, "postgres: insert refund")
}

const refundColumns = `source_tx_id, recipient, amount, denomination, reason, kind, status,
	attempts, refund_tx_id, failures, created_at, updated_at`

func scanRefund(row pgx.Row) (types.RefundRecord, error) {
	var (
		r            types.RefundRecord
		kind, status string
	)
	err := row.Scan(&r.SourceTxID, &r.Recipient, &r.Amount, &r.Denomination, &r.Reason, &kind, &status,
		&r.Attempts, &r.RefundTxID, &r.Failures, &r.CreatedAt, &r.UpdatedAt)
	r.Kind = types.RefundKind(kind)
	r.Status = types.RefundStatus(status)
	return r, err
}

func (s *Store) GetRefund(ctx context.Context, sourceTxID string) (types.RefundRecord, error) {
	r, err := scanRefund(s.pool.QueryRow(ctx, `SELECT `+refundColumns+` FROM refunds WHERE source_tx_id = $1`, sourceTxID))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.RefundRecord{}, ledger.ErrNotFound
	}
	return r, errors.Wrap(err, "postgres: get refund")
}

func (s *Store) MarkRefundSent(ctx context.Context, sourceTxID string, refundTxID string) error {
	return s.finishRefund(ctx, sourceTxID, `
		UPDATE refunds
		SET status = $2, refund_tx_id = $3, attempts = attempts + 1, updated_at = $4
		WHERE source_tx_id = $1 AND status <> $5
	`, types.RefundSent, refundTxID)
}

func (s *Store) MarkRefundFailed(ctx context.Context, sourceTxID string, reason string) error {
	return s.finishRefund(ctx, sourceTxID, `
		UPDATE refunds
		SET status = $2, attempts = attempts + 1, updated_at = $4,
			failures = CASE WHEN failures = '' THEN $3 WHEN $3 = '' THEN failures ELSE failures || '; ' || $3 END
		WHERE source_tx_id = $1 AND status <> $5
	`, types.RefundFailed, reason)
}

// sent refunds are final
func (s *Store) finishRefund(ctx context.Context, sourceTxID, query string, status types.RefundStatus, arg string) error {
	tag, err := s.pool.Exec(ctx, query, sourceTxID, string(status), arg, s.now(), string(types.RefundSent))
	if err != nil {
		return errors.Wrapf(err, "postgres: mark refund %s", status)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetRefund(ctx, sourceTxID); err != nil {
		return err
	}
	return ledger.ErrInvalidTransition
}

func (s *Store) ListRefunds(ctx context.Context, status types.RefundStatus) ([]types.RefundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE status = $1 ORDER BY created_at, source_tx_id`, string(status))
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list refunds")
	}
	defer rows.Close()

	var out []types.RefundRecord
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, errors.Wrap(err, "postgres: scan refund")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "postgres: list refunds")
}

func (s *Store) NextSignatureNonce(ctx context.Context) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		UPDATE signature_nonce_counter SET value = value + 1 WHERE id = 1 RETURNING value
	`).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "postgres: signature nonce")
	}
	return uint64(n), nil
}

func (s *Store) GetScannedBlock(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM scan_cursor WHERE id = 1`).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "postgres: get scanned block")
	}
	return uint64(block), true, nil
}

func (s *Store) SetScannedBlock(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scan_cursor (id, block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET block = EXCLUDED.block
	`, int64(block))
	return errors.Wrap(err, "postgres: set scanned block")
}

func (s *Store) GetEVMScannedBlock(ctx context.Context) (uint64, bool, error) {
	var block int64
	err := s.pool.QueryRow(ctx, `SELECT block FROM evm_scan_cursor WHERE id = 1`).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "postgres: get evm scanned block")
	}
	return uint64(block), true, nil
}

func (s *Store) SetEVMScannedBlock(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evm_scan_cursor (id, block) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET block = EXCLUDED.block
	`, int64(block))
	return errors.Wrap(err, "postgres: set evm scanned block")
}

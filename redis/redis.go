package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gohivebridge/ledger"
	"gohivebridge/types"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
)

const (
	keyScannedBlock   = "hiveBlockScanned"
	keyEVMScanned     = "evmBlockScanned"
	keySignatureNonce = "signatureNonce"

	// optimistic transactions retried on a concurrent write of a watched key
	maxTxRetries = 8
)

func depositKey(id string) string             { return "deposit:" + id }
func depositSet(s types.DepositStatus) string { return "deposits:" + string(s) }

func outboundKey(id string) string              { return "outbound:" + id }
func outboundSet(s types.OutboundStatus) string { return "outbounds:" + string(s) }
func payoutKey(sourceTxID string) string        { return "payout:" + sourceTxID }
func correlationKey(id string) string           { return "correlation:" + id }

func refundKey(id string) string            { return "refund:" + id }
func refundSet(s types.RefundStatus) string { return "refunds:" + string(s) }

// insert a record only when its key is free and index it in its status set
var insertScript = redis.NewScript(2, `
if redis.call('SETNX', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// insert a payout root, unique both by record id and by source transaction
var insertRootScript = redis.NewScript(4, `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('SETNX', KEYS[2], ARGV[2]) == 0 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SADD', KEYS[3], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[2])
return 1
`)

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

// Store is the redis backed ledger. Records are JSON values, each status has
// a set holding the ids currently in it.
type Store struct {
	pool *redis.Pool
	now  func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// NewPool dials host:port lazily with the same timeouts on every connection.
func NewPool(host string, port int, password string, db int) *redis.Pool {
	addr := fmt.Sprintf("%s:%d", host, port)
	opts := append(timeoutDialOptions(), redis.DialDatabase(db))
	if password != "" {
		opts = append(opts, redis.DialPassword(password))
	}
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 4 * time.Minute,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, opts...) },
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func New(pool *redis.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Ping checks that the server answers, used at startup.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	_, err = conn.Do("PING")
	return errors.Wrap(err, "redis ping")
}

func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) insert(ctx context.Context, script *redis.Script, keysAndArgs ...interface{}) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	ok, err := redis.Int(script.Do(conn, keysAndArgs...))
	if err != nil {
		return errors.Wrap(err, "redis insert")
	}
	if ok == 0 {
		return ledger.ErrDuplicate
	}
	return nil
}

// watch runs apply inside WATCH keys ... EXEC. apply reads through conn, then
// queues its writes after sending MULTI. A concurrent write to any watched key
// aborts EXEC and apply runs again on fresh data.
func (s *Store) watch(ctx context.Context, keys []string, apply func(conn redis.Conn) error) error {
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		done, err := s.watchOnce(ctx, args, apply)
		if err != nil || done {
			return err
		}
	}
	return errors.Errorf("redis transaction on %v: too many concurrent writes", keys)
}

func (s *Store) watchOnce(ctx context.Context, keys []interface{}, apply func(conn redis.Conn) error) (bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return false, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	if _, err := conn.Do("WATCH", keys...); err != nil {
		return false, errors.Wrap(err, "redis WATCH")
	}
	if err := apply(conn); err != nil {
		conn.Do("UNWATCH")
		return false, err
	}
	reply, err := conn.Do("EXEC")
	if err != nil {
		return false, errors.Wrap(err, "redis EXEC")
	}
	return reply != nil, nil
}

func getJSON(conn redis.Conn, key string, v interface{}) error {
	raw, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return ledger.ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "redis GET %s", key)
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decode %s", key)
}

// scanSet walks every member of a status set and decodes the records they point to.
// Members whose record disappeared are skipped.
func scanSet(conn redis.Conn, set string, keyOf func(string) string, decode func(raw []byte) error) error {
	var cursor int64
	for {
		values, err := redis.Values(conn.Do("SSCAN", set, cursor))
		if err != nil {
			return errors.Wrapf(err, "redis SSCAN %s", set)
		}

		var ids []string
		if _, err = redis.Scan(values, &cursor, &ids); err != nil {
			return errors.Wrapf(err, "redis SSCAN %s", set)
		}

		for _, id := range ids {
			raw, err := redis.Bytes(conn.Do("GET", keyOf(id)))
			if errors.Is(err, redis.ErrNil) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "redis GET %s", keyOf(id))
			}
			if err := decode(raw); err != nil {
				return errors.Wrapf(err, "decode %s", keyOf(id))
			}
		}

		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) InsertDeposit(ctx context.Context, rec types.DepositRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode deposit")
	}
	return s.insert(ctx, insertScript, depositKey(rec.SourceTxID), depositSet(rec.Status), raw, rec.SourceTxID)
}

func (s *Store) GetDeposit(ctx context.Context, sourceTxID string) (types.DepositRecord, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return types.DepositRecord{}, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var rec types.DepositRecord
	if err := getJSON(conn, depositKey(sourceTxID), &rec); err != nil {
		return types.DepositRecord{}, err
	}
	return rec, nil
}

func (s *Store) UpdateDepositStatus(ctx context.Context, sourceTxID string, status types.DepositStatus, message string) error {
	key := depositKey(sourceTxID)
	return s.watch(ctx, []string{key}, func(conn redis.Conn) error {
		var rec types.DepositRecord
		if err := getJSON(conn, key, &rec); err != nil {
			return err
		}
		if !rec.Status.CanTransition(status) {
			return ledger.ErrInvalidTransition
		}
		prev := rec.Status
		rec.Status = status
		rec.Message = message
		rec.UpdatedAt = s.now()

		raw, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "encode deposit")
		}
		conn.Send("MULTI")
		conn.Send("SET", key, raw)
		conn.Send("SREM", depositSet(prev), sourceTxID)
		conn.Send("SADD", depositSet(status), sourceTxID)
		return nil
	})
}

func (s *Store) ListDeposits(ctx context.Context, status types.DepositStatus) ([]types.DepositRecord, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var out []types.DepositRecord
	err = scanSet(conn, depositSet(status), depositKey, func(raw []byte) error {
		var rec types.DepositRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		// set membership may lag a record moved by a concurrent transaction
		if rec.Status == status {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeenAt.Before(out[j].FirstSeenAt) })
	return out, nil
}

func (s *Store) InsertOutbound(ctx context.Context, tx types.OutboundTransaction) error {
	raw, err := json.Marshal(tx)
	if err != nil {
		return errors.Wrap(err, "encode outbound")
	}
	return s.insert(ctx, insertRootScript,
		outboundKey(tx.ID), payoutKey(tx.SourceTxID), outboundSet(tx.Status), correlationKey(tx.CorrelationID),
		raw, tx.ID)
}

func (s *Store) ReplaceOutbound(ctx context.Context, prevID string, next types.OutboundTransaction) error {
	prevKey, nextKey := outboundKey(prevID), outboundKey(next.ID)
	return s.watch(ctx, []string{prevKey, nextKey}, func(conn redis.Conn) error {
		var prev types.OutboundTransaction
		if err := getJSON(conn, prevKey, &prev); err != nil {
			return err
		}
		if prev.Status != types.OutboundPending {
			return ledger.ErrInvalidTransition
		}
		if prev.CorrelationID != next.CorrelationID || prev.Nonce != next.Nonce {
			return ledger.ErrInvalidTransition
		}
		exists, err := redis.Bool(conn.Do("EXISTS", nextKey))
		if err != nil {
			return errors.Wrap(err, "redis EXISTS")
		}
		if exists {
			return ledger.ErrDuplicate
		}

		prev.Status = types.OutboundReplaced
		prev.ReplacedBy = next.ID
		prev.LastCheckedAt = s.now()

		prevRaw, err := json.Marshal(prev)
		if err != nil {
			return errors.Wrap(err, "encode outbound")
		}
		nextRaw, err := json.Marshal(next)
		if err != nil {
			return errors.Wrap(err, "encode outbound")
		}
		conn.Send("MULTI")
		conn.Send("SET", prevKey, prevRaw)
		conn.Send("SREM", outboundSet(types.OutboundPending), prevID)
		conn.Send("SADD", outboundSet(types.OutboundReplaced), prevID)
		conn.Send("SET", nextKey, nextRaw)
		conn.Send("SADD", outboundSet(next.Status), next.ID)
		conn.Send("RPUSH", correlationKey(next.CorrelationID), next.ID)
		return nil
	})
}

func (s *Store) MarkOutboundConfirmed(ctx context.Context, id string, minedTxHash string) error {
	return s.finishOutbound(ctx, id, types.OutboundConfirmed, func(tx *types.OutboundTransaction) {
		if minedTxHash != "" && minedTxHash != tx.DestinationTxHash {
			tx.MinedTxHash = minedTxHash
		}
	})
}

func (s *Store) MarkOutboundFailed(ctx context.Context, id string, message string) error {
	return s.finishOutbound(ctx, id, types.OutboundFailed, func(tx *types.OutboundTransaction) {
		tx.Message = message
	})
}

func (s *Store) finishOutbound(ctx context.Context, id string, status types.OutboundStatus, mutate func(tx *types.OutboundTransaction)) error {
	key := outboundKey(id)
	return s.watch(ctx, []string{key}, func(conn redis.Conn) error {
		var tx types.OutboundTransaction
		if err := getJSON(conn, key, &tx); err != nil {
			return err
		}
		if tx.Status == status {
			conn.Send("MULTI")
			return nil
		}
		if tx.Status != types.OutboundPending {
			return ledger.ErrInvalidTransition
		}
		tx.Status = status
		tx.LastCheckedAt = s.now()
		mutate(&tx)

		raw, err := json.Marshal(tx)
		if err != nil {
			return errors.Wrap(err, "encode outbound")
		}
		conn.Send("MULTI")
		conn.Send("SET", key, raw)
		conn.Send("SREM", outboundSet(types.OutboundPending), id)
		conn.Send("SADD", outboundSet(status), id)
		return nil
	})
}

func (s *Store) TouchOutbound(ctx context.Context, id string, at time.Time) error {
	key := outboundKey(id)
	return s.watch(ctx, []string{key}, func(conn redis.Conn) error {
		var tx types.OutboundTransaction
		if err := getJSON(conn, key, &tx); err != nil {
			return err
		}
		tx.LastCheckedAt = at

		raw, err := json.Marshal(tx)
		if err != nil {
			return errors.Wrap(err, "encode outbound")
		}
		conn.Send("MULTI")
		conn.Send("SET", key, raw)
		return nil
	})
}

func (s *Store) MarkOutboundNotified(ctx context.Context, id string, txHash string) error {
	key := outboundKey(id)
	return s.watch(ctx, []string{key}, func(conn redis.Conn) error {
		var tx types.OutboundTransaction
		if err := getJSON(conn, key, &tx); err != nil {
			return err
		}
		tx.NoticeTxHash = txHash

		raw, err := json.Marshal(tx)
		if err != nil {
			return errors.Wrap(err, "encode outbound")
		}
		conn.Send("MULTI")
		conn.Send("SET", key, raw)
		return nil
	})
}

func (s *Store) GetOutbound(ctx context.Context, id string) (types.OutboundTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return types.OutboundTransaction{}, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var tx types.OutboundTransaction
	if err := getJSON(conn, outboundKey(id), &tx); err != nil {
		return types.OutboundTransaction{}, err
	}
	return tx, nil
}

func (s *Store) GetPayoutBySource(ctx context.Context, sourceTxID string) (types.OutboundTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return types.OutboundTransaction{}, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	id, err := redis.String(conn.Do("GET", payoutKey(sourceTxID)))
	if errors.Is(err, redis.ErrNil) {
		return types.OutboundTransaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return types.OutboundTransaction{}, errors.Wrap(err, "redis GET payout")
	}

	var tx types.OutboundTransaction
	if err := getJSON(conn, outboundKey(id), &tx); err != nil {
		return types.OutboundTransaction{}, err
	}
	return tx, nil
}

func (s *Store) ListOutbound(ctx context.Context, status types.OutboundStatus) ([]types.OutboundTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var out []types.OutboundTransaction
	err = scanSet(conn, outboundSet(status), outboundKey, func(raw []byte) error {
		var tx types.OutboundTransaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return err
		}
		if tx.Status == status {
			out = append(out, tx)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ListOutboundByCorrelation(ctx context.Context, correlationID string) ([]types.OutboundTransaction, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	ids, err := redis.Strings(conn.Do("LRANGE", correlationKey(correlationID), 0, -1))
	if err != nil {
		return nil, errors.Wrap(err, "redis LRANGE")
	}

	out := make([]types.OutboundTransaction, 0, len(ids))
	for _, id := range ids {
		var tx types.OutboundTransaction
		err := getJSON(conn, outboundKey(id), &tx)
		if errors.Is(err, ledger.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) MaxPendingNonce(ctx context.Context, signer string) (uint64, bool, error) {
	pending, err := s.ListOutbound(ctx, types.OutboundPending)
	if err != nil {
		return 0, false, err
	}

	var (
		max uint64
		ok  bool
	)
	for _, tx := range pending {
		if tx.Signer != signer {
			continue
		}
		if !ok || tx.Nonce > max {
			max, ok = tx.Nonce, true
		}
	}
	return max, ok, nil
}

func (s *Store) InsertRefund(ctx context.Context, r types.RefundRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode refund")
	}
	return s.insert(ctx, insertScript, refundKey(r.SourceTxID), refundSet(r.Status), raw, r.SourceTxID)
}

func (s *Store) GetRefund(ctx context.Context, sourceTxID string) (types.RefundRecord, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return types.RefundRecord{}, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var r types.RefundRecord
	if err := getJSON(conn, refundKey(sourceTxID), &r); err != nil {
		return types.RefundRecord{}, err
	}
	return r, nil
}

func (s *Store) MarkRefundSent(ctx context.Context, sourceTxID string, refundTxID string) error {
	return s.finishRefund(ctx, sourceTxID, types.RefundSent, func(r *types.RefundRecord) {
		r.RefundTxID = refundTxID
	})
}

func (s *Store) MarkRefundFailed(ctx context.Context, sourceTxID string, reason string) error {
	return s.finishRefund(ctx, sourceTxID, types.RefundFailed, func(r *types.RefundRecord) {
		r.Failures = ledger.AppendMessage(r.Failures, reason)
	})
}

func (s *Store) finishRefund(ctx context.Context, sourceTxID string, status types.RefundStatus, mutate func(r *types.RefundRecord)) error {
	key := refundKey(sourceTxID)
	return s.watch(ctx, []string{key}, func(conn redis.Conn) error {
		var r types.RefundRecord
		if err := getJSON(conn, key, &r); err != nil {
			return err
		}
		if r.Status == types.RefundSent {
			return ledger.ErrInvalidTransition
		}
		prev := r.Status
		r.Status = status
		r.Attempts++
		r.UpdatedAt = s.now()
		mutate(&r)

		raw, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, "encode refund")
		}
		conn.Send("MULTI")
		conn.Send("SET", key, raw)
		conn.Send("SREM", refundSet(prev), sourceTxID)
		conn.Send("SADD", refundSet(status), sourceTxID)
		return nil
	})
}

func (s *Store) ListRefunds(ctx context.Context, status types.RefundStatus) ([]types.RefundRecord, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	var out []types.RefundRecord
	err = scanSet(conn, refundSet(status), refundKey, func(raw []byte) error {
		var r types.RefundRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if r.Status == status {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) NextSignatureNonce(ctx context.Context) (uint64, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	n, err := redis.Uint64(conn.Do("INCR", keySignatureNonce))
	return n, errors.Wrap(err, "redis INCR")
}

func (s *Store) GetScannedBlock(ctx context.Context) (uint64, bool, error) {
	return s.getBlock(ctx, keyScannedBlock)
}

func (s *Store) SetScannedBlock(ctx context.Context, block uint64) error {
	return s.setBlock(ctx, keyScannedBlock, block)
}

func (s *Store) GetEVMScannedBlock(ctx context.Context) (uint64, bool, error) {
	return s.getBlock(ctx, keyEVMScanned)
}

func (s *Store) SetEVMScannedBlock(ctx context.Context, block uint64) error {
	return s.setBlock(ctx, keyEVMScanned, block)
}

func (s *Store) getBlock(ctx context.Context, key string) (uint64, bool, error) {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	block, err := redis.Uint64(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "redis GET")
	}
	return block, true, nil
}

func (s *Store) setBlock(ctx context.Context, key string, block uint64) error {
	conn, err := s.pool.GetContext(ctx)
	if err != nil {
		return errors.Wrap(err, "redis connect")
	}
	defer conn.Close()

	_, err = conn.Do("SET", key, block)
	return errors.Wrap(err, "redis SET")
}

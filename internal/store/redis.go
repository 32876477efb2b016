package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	goredis "github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// walletCommitScript applies a signed delta to balance_micros, refusing to
// go below zero unless ARGV[2] is 1, and in the same step writes the
// transaction hash, its index entry and the summary increments. Key types
// are checked before the first write so a bad key cannot leave a balance
// change without its transaction.
//
// KEYS: wallet, tx, tx-index, summary
// ARGV: delta, allow_negative, now, mark_topup, ttl, score, tx_id,
// n_tx_fields, tx field/value pairs..., summary field/increment pairs...
// Returns {ok, balance}.
var walletCommitScript = redis.NewScript(`
local wallet, tx, idx, summary = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local want = {hash = {wallet, tx, summary}, zset = {idx}}
for kind, keys in pairs(want) do
  for _, k in ipairs(keys) do
    local got = redis.call("TYPE", k)["ok"]
    if got ~= "none" and got ~= kind then
      return redis.error_reply("WRONGTYPE " .. k .. " holds " .. got)
    end
  end
end

local delta = tonumber(ARGV[1])
local now = ARGV[3]
local ttl = tonumber(ARGV[5])
local current = tonumber(redis.call("HGET", wallet, "balance_micros") or "0")
local next_balance = current + delta
if tonumber(ARGV[2]) == 0 and next_balance < 0 then
  return {0, current}
end

redis.call("HSET", wallet, "currency", "EUR", "balance_micros", next_balance, "updated_at", now)
if ARGV[4] == "1" then
  redis.call("HSET", wallet, "last_topup_at", now)
end

local n = tonumber(ARGV[8])
local fields = {}
for i = 9, 8 + 2 * n do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", tx, unpack(fields))
redis.call("EXPIRE", tx, ttl)
redis.call("ZADD", idx, ARGV[6], ARGV[7])
redis.call("EXPIRE", idx, ttl)

local first = 9 + 2 * n
if first <= #ARGV then
  for i = first, #ARGV, 2 do
    redis.call("HINCRBY", summary, ARGV[i], ARGV[i + 1])
  end
  redis.call("EXPIRE", summary, ttl)
end
return {1, next_balance}
`)

// refundCursorScript advances a charge's cumulative refund mark and returns
// the increment.
var refundCursorScript = redis.NewScript(`
local key = KEYS[1]
local incoming = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local prev = tonumber(redis.call("GET", key) or "0")
if incoming <= prev then
  return 0
end
redis.call("SET", key, incoming, "EX", ttl)
return incoming - prev
`)

// restoreRefundScript moves a charge's mark from ARGV[1] back by ARGV[2]
// when nothing advanced it in between.
var restoreRefundScript = redis.NewScript(`
local key = KEYS[1]
local expected = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if tonumber(redis.call("GET", key) or "0") ~= expected then
  return 0
end
local prev = expected - delta
if prev <= 0 then
  redis.call("DEL", key)
else
  redis.call("SET", key, prev, "EX", ttl)
end
return 1
`)

// releaseEventScript deletes an event lock only if it still reads processing.
var releaseEventScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == "processing" then
  redis.call("DEL", KEYS[1])
  return 1
end
return 0
`)

// Redis is the Store backed by a Redis server.
type Redis struct {
	rdb *redis.Client
	rs  *redsync.Redsync

	// LockExpiry bounds how long an account lock survives a crashed holder.
	LockExpiry time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		rdb:        rdb,
		rs:         redsync.New(goredis.NewPool(rdb)),
		LockExpiry: 10 * time.Second,
	}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error { return r.rdb.Ping(ctx).Err() }

func (r *Redis) CommitWalletDelta(ctx context.Context, c WalletCommit) (DeltaResult, error) {
	if c.Tx.TxID == "" {
		return DeltaResult{}, ErrInvalidCommit
	}
	fields, err := txToHash(c.Tx)
	if err != nil {
		return DeltaResult{}, fmt.Errorf("encode tx: %w", err)
	}
	allow, topup := 0, 0
	if c.AllowNegative {
		allow = 1
	}
	if c.MarkTopup {
		topup = 1
	}
	now := c.Tx.CreatedAt
	args := []interface{}{
		c.DeltaMicros, allow, formatTime(now), topup,
		int64(RetentionTTL / time.Second), now.UnixMilli(), c.Tx.TxID, len(fields),
	}
	for _, f := range sortedKeys(fields) {
		args = append(args, f, fields[f])
	}
	incr := summaryFields(c.Summary)
	for _, f := range sortedKeys(incr) {
		args = append(args, f, incr[f])
	}
	keys := []string{
		walletKey(c.AccountID),
		txKey(c.Tx.TxID),
		txIndexKey(c.AccountID),
		summaryKey(c.AccountID, domain.MonthKey(now)),
	}

	res, err := walletCommitScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return DeltaResult{}, fmt.Errorf("wallet commit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return DeltaResult{}, fmt.Errorf("wallet commit script: unexpected reply %v", res)
	}
	okFlag, _ := arr[0].(int64)
	balance, _ := arr[1].(int64)
	return DeltaResult{OK: okFlag == 1, BalanceMicros: balance}, nil
}

func (r *Redis) GetWallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	h, err := r.rdb.HGetAll(ctx, walletKey(accountID)).Result()
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return walletFromHash(accountID, h), nil
}

func (r *Redis) ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, int, error) {
	idx := txIndexKey(accountID)
	total, err := r.rdb.ZCard(ctx, idx).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("count tx: %w", err)
	}
	if limit <= 0 || int64(offset) >= total {
		return []domain.Transaction{}, int(total), nil
	}
	ids, err := r.rdb.ZRevRange(ctx, idx, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("range tx: %w", err)
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, txKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, 0, fmt.Errorf("load tx: %w", err)
		}
	}

	out := make([]domain.Transaction, 0, len(ids))
	for i, id := range ids {
		h := cmds[i].Val()
		if len(h) == 0 {
			continue
		}
		if tx, ok := txFromHash(id, h); ok {
			out = append(out, tx)
		}
	}
	return out, int(total), nil
}

func (r *Redis) IncrMonthSummary(ctx context.Context, accountID, month string, delta domain.MonthSummary) error {
	fields := summaryFields(delta)
	if len(fields) == 0 {
		return nil
	}
	k := summaryKey(accountID, month)
	pipe := r.rdb.TxPipeline()
	for f, v := range fields {
		pipe.HIncrBy(ctx, k, f, v)
	}
	pipe.Expire(ctx, k, RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incr summary: %w", err)
	}
	return nil
}

func (r *Redis) GetMonthSummary(ctx context.Context, accountID, month string) (domain.MonthSummary, error) {
	h, err := r.rdb.HGetAll(ctx, summaryKey(accountID, month)).Result()
	if err != nil {
		return domain.MonthSummary{}, fmt.Errorf("get summary: %w", err)
	}
	return summaryFromHash(month, h), nil
}

func (r *Redis) CreateIdempotency(ctx context.Context, accountID, token string, rec domain.IdempotencyRecord) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	ok, err := r.rdb.SetNX(ctx, idempotencyKey(accountID, token), b, IdempotencyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("create idempotency: %w", err)
	}
	return ok, nil
}

func (r *Redis) GetIdempotency(ctx context.Context, accountID, token string) (*domain.IdempotencyRecord, error) {
	raw, err := r.rdb.Get(ctx, idempotencyKey(accountID, token)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency: %w", err)
	}
	return decodeIdempotency(raw), nil
}

func (r *Redis) PutIdempotency(ctx context.Context, accountID, token string, rec domain.IdempotencyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, idempotencyKey(accountID, token), b, IdempotencyTTL).Err()
}

func (r *Redis) DeleteIdempotency(ctx context.Context, accountID, token string) error {
	return r.rdb.Del(ctx, idempotencyKey(accountID, token)).Err()
}

func (r *Redis) AcquireEvent(ctx context.Context, eventID string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, eventKey(eventID), string(domain.EventProcessing), EventLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire event: %w", err)
	}
	return ok, nil
}

func (r *Redis) EventState(ctx context.Context, eventID string) (domain.EventState, error) {
	v, err := r.rdb.Get(ctx, eventKey(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.EventAbsent, nil
	}
	if err != nil {
		return domain.EventAbsent, fmt.Errorf("event state: %w", err)
	}
	return domain.EventState(v), nil
}

func (r *Redis) MarkEventProcessed(ctx context.Context, eventID string) error {
	return r.rdb.Set(ctx, eventKey(eventID), string(domain.EventProcessed), EventProcessedTTL).Err()
}

func (r *Redis) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := releaseEventScript.Run(ctx, r.rdb, []string{eventKey(eventID)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release event: %w", err)
	}
	return nil
}

func (r *Redis) ConsumeRefundDelta(ctx context.Context, chargeID string, cumulativeMicros int64) (int64, error) {
	if cumulativeMicros <= 0 {
		return 0, nil
	}
	delta, err := refundCursorScript.Run(ctx, r.rdb, []string{refundCursorKey(chargeID)},
		cumulativeMicros, int64(RetentionTTL/time.Second)).Int64()
	if err != nil {
		return 0, fmt.Errorf("refund cursor script: %w", err)
	}
	return max(0, delta), nil
}

func (r *Redis) RestoreRefundDelta(ctx context.Context, chargeID string, cumulativeMicros, deltaMicros int64) error {
	if deltaMicros <= 0 {
		return nil
	}
	err := restoreRefundScript.Run(ctx, r.rdb, []string{refundCursorKey(chargeID)},
		cumulativeMicros, deltaMicros, int64(RetentionTTL/time.Second)).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("restore refund cursor: %w", err)
	}
	return nil
}

func (r *Redis) getString(ctx context.Context, key string) (string, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (r *Redis) CustomerForAccount(ctx context.Context, accountID string) (string, error) {
	return r.getString(ctx, customerKey(accountID))
}

func (r *Redis) AccountForCustomer(ctx context.Context, customerID string) (string, error) {
	return r.getString(ctx, customerMapKey(customerID))
}

func (r *Redis) LinkCustomer(ctx context.Context, accountID, customerID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, customerKey(accountID), customerID, RetentionTTL)
	pipe.Set(ctx, customerMapKey(customerID), accountID, RetentionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("link customer: %w", err)
	}
	return nil
}

func (r *Redis) PutCheckoutSession(ctx context.Context, sessionID string, meta domain.CheckoutSessionMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, sessionKey(sessionID), b, RetentionTTL).Err()
}

func (r *Redis) GetCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSessionMeta, error) {
	raw, err := r.getString(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	return decodeSession(raw), nil
}

func (r *Redis) GetAutoRecharge(ctx context.Context, accountID string) (domain.AutoRechargeConfig, bool, error) {
	h, err := r.rdb.HGetAll(ctx, autoRechargeKey(accountID)).Result()
	if err != nil {
		return domain.AutoRechargeConfig{}, false, fmt.Errorf("get auto-recharge: %w", err)
	}
	if len(h) == 0 {
		return domain.AutoRechargeConfig{}, false, nil
	}
	return autoRechargeFromHash(h), true, nil
}

func (r *Redis) PutAutoRecharge(ctx context.Context, accountID string, cfg domain.AutoRechargeConfig) error {
	return r.rdb.HSet(ctx, autoRechargeKey(accountID), autoRechargeToHash(cfg)).Err()
}

func (r *Redis) LockAccount(ctx context.Context, accountID string) (func(), error) {
	mutex := r.rs.NewMutex(lockKey(accountID), redsync.WithExpiry(r.LockExpiry))
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockNotAcquired, err)
	}
	return func() {
		_, _ = mutex.UnlockContext(context.Background())
	}, nil
}

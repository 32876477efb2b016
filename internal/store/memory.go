package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is the in-process Store. A single mutex guards all maps, which
// makes every compound operation (balance delta, set-if-absent, refund
// cursor advance) atomic within the process. It is not shared across
// processes.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	wallets      map[string]domain.Wallet
	txs          map[string]domain.Transaction
	txIndex      map[string][]string // newest first
	summaries    map[string]domain.MonthSummary
	autoRecharge map[string]domain.AutoRechargeConfig
	kv           map[string]entry

	locks keyedMutex
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		wallets:      map[string]domain.Wallet{},
		txs:          map[string]domain.Transaction{},
		txIndex:      map[string][]string{},
		summaries:    map[string]domain.MonthSummary{},
		autoRecharge: map[string]domain.AutoRechargeConfig{},
		kv:           map[string]entry{},
	}
}

// get returns a live kv value. Callers hold m.mu.
func (m *Memory) get(key string) (string, bool) {
	e, ok := m.kv[key]
	if !ok {
		return "", false
	}
	if e.expired(m.now()) {
		delete(m.kv, key)
		return "", false
	}
	return e.value, true
}

// set stores a kv value; ttl <= 0 means no expiry. Callers hold m.mu.
func (m *Memory) set(key, value string, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.kv[key] = e
}

// Sweep drops expired keys and transactions past RetentionTTL. It returns
// how many records were removed.
func (m *Memory) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k, e := range m.kv {
		if e.expired(now) {
			delete(m.kv, k)
			removed++
		}
	}
	cutoff := now.Add(-RetentionTTL)
	for acct, ids := range m.txIndex {
		kept := ids[:0]
		for _, id := range ids {
			tx, ok := m.txs[id]
			if ok && tx.CreatedAt.Before(cutoff) {
				delete(m.txs, id)
				removed++
				continue
			}
			kept = append(kept, id)
		}
		if len(kept) == 0 {
			delete(m.txIndex, acct)
		} else {
			m.txIndex[acct] = kept
		}
	}
	return removed
}

func (m *Memory) CommitWalletDelta(_ context.Context, c WalletCommit) (DeltaResult, error) {
	if c.Tx.TxID == "" {
		return DeltaResult{}, ErrInvalidCommit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.wallets[c.AccountID]
	next := w.BalanceMicros + c.DeltaMicros
	if !c.AllowNegative && next < 0 {
		return DeltaResult{OK: false, BalanceMicros: w.BalanceMicros}, nil
	}
	ts := c.Tx.CreatedAt.UTC()
	w.AccountID = c.AccountID
	w.BalanceMicros = next
	w.UpdatedAt = &ts
	if c.MarkTopup {
		w.LastTopupAt = &ts
	}
	m.wallets[c.AccountID] = w
	m.appendTx(c.Tx)
	if !c.Summary.IsZero() {
		k := summaryKey(c.AccountID, domain.MonthKey(ts))
		m.summaries[k] = m.summaries[k].Add(c.Summary)
	}
	return DeltaResult{OK: true, BalanceMicros: next}, nil
}

func (m *Memory) GetWallet(_ context.Context, accountID string) (domain.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[accountID]
	w.AccountID = accountID
	return w, nil
}

// appendTx indexes tx by CreatedAt, newest first. Callers hold m.mu.
func (m *Memory) appendTx(tx domain.Transaction) {
	m.txs[tx.TxID] = tx
	// Appends are almost always the newest, so scan from the head.
	ids := m.txIndex[tx.AccountID]
	pos := 0
	for pos < len(ids) && m.txs[ids[pos]].CreatedAt.After(tx.CreatedAt) {
		pos++
	}
	ids = append(ids, "")
	copy(ids[pos+1:], ids[pos:])
	ids[pos] = tx.TxID
	m.txIndex[tx.AccountID] = ids
}

func (m *Memory) ListTransactions(_ context.Context, accountID string, offset, limit int) ([]domain.Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.txIndex[accountID]
	total := len(ids)
	if offset >= total || limit <= 0 {
		return []domain.Transaction{}, total, nil
	}
	end := min(total, offset+limit)
	out := make([]domain.Transaction, 0, end-offset)
	for _, id := range ids[offset:end] {
		if tx, ok := m.txs[id]; ok {
			out = append(out, tx)
		}
	}
	return out, total, nil
}

func (m *Memory) IncrMonthSummary(_ context.Context, accountID, month string, delta domain.MonthSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := summaryKey(accountID, month)
	m.summaries[k] = m.summaries[k].Add(delta)
	return nil
}

func (m *Memory) GetMonthSummary(_ context.Context, accountID, month string) (domain.MonthSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.summaries[summaryKey(accountID, month)]
	s.MonthUTC = month
	return s, nil
}

func (m *Memory) CreateIdempotency(_ context.Context, accountID, token string, rec domain.IdempotencyRecord) (bool, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idempotencyKey(accountID, token)
	if _, ok := m.get(k); ok {
		return false, nil
	}
	m.set(k, string(b), IdempotencyTTL)
	return true, nil
}

func (m *Memory) GetIdempotency(_ context.Context, accountID, token string) (*domain.IdempotencyRecord, error) {
	m.mu.Lock()
	raw, ok := m.get(idempotencyKey(accountID, token))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeIdempotency(raw), nil
}

func (m *Memory) PutIdempotency(_ context.Context, accountID, token string, rec domain.IdempotencyRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(idempotencyKey(accountID, token), string(b), IdempotencyTTL)
	return nil
}

func (m *Memory) DeleteIdempotency(_ context.Context, accountID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, idempotencyKey(accountID, token))
	return nil
}

func (m *Memory) AcquireEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(eventID)
	if _, ok := m.get(k); ok {
		return false, nil
	}
	m.set(k, string(domain.EventProcessing), EventLockTTL)
	return true, nil
}

func (m *Memory) EventState(_ context.Context, eventID string) (domain.EventState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.get(eventKey(eventID))
	return domain.EventState(v), nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(eventKey(eventID), string(domain.EventProcessed), EventProcessedTTL)
	return nil
}

func (m *Memory) ReleaseEvent(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := eventKey(eventID)
	if v, ok := m.get(k); ok && v == string(domain.EventProcessing) {
		delete(m.kv, k)
	}
	return nil
}

func (m *Memory) ConsumeRefundDelta(_ context.Context, chargeID string, cumulativeMicros int64) (int64, error) {
	if cumulativeMicros <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := refundCursorKey(chargeID)
	raw, _ := m.get(k)
	prev := parseInt(raw)
	if cumulativeMicros <= prev {
		return 0, nil
	}
	m.set(k, formatInt(cumulativeMicros), RetentionTTL)
	return cumulativeMicros - prev, nil
}

func (m *Memory) RestoreRefundDelta(_ context.Context, chargeID string, cumulativeMicros, deltaMicros int64) error {
	if deltaMicros <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := refundCursorKey(chargeID)
	raw, _ := m.get(k)
	if parseInt(raw) != cumulativeMicros {
		return nil
	}
	if prev := cumulativeMicros - deltaMicros; prev > 0 {
		m.set(k, formatInt(prev), RetentionTTL)
	} else {
		delete(m.kv, k)
	}
	return nil
}

func (m *Memory) CustomerForAccount(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.get(customerKey(accountID))
	return v, nil
}

func (m *Memory) AccountForCustomer(_ context.Context, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, _ := m.get(customerMapKey(customerID))
	return v, nil
}

func (m *Memory) LinkCustomer(_ context.Context, accountID, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(customerKey(accountID), customerID, RetentionTTL)
	m.set(customerMapKey(customerID), accountID, RetentionTTL)
	return nil
}

func (m *Memory) PutCheckoutSession(_ context.Context, sessionID string, meta domain.CheckoutSessionMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(sessionKey(sessionID), string(b), RetentionTTL)
	return nil
}

func (m *Memory) GetCheckoutSession(_ context.Context, sessionID string) (*domain.CheckoutSessionMeta, error) {
	m.mu.Lock()
	raw, ok := m.get(sessionKey(sessionID))
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSession(raw), nil
}

func (m *Memory) GetAutoRecharge(_ context.Context, accountID string) (domain.AutoRechargeConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.autoRecharge[accountID]
	return cfg, ok, nil
}

func (m *Memory) PutAutoRecharge(_ context.Context, accountID string, cfg domain.AutoRechargeConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoRecharge[accountID] = cfg
	return nil
}

func (m *Memory) LockAccount(ctx context.Context, accountID string) (func(), error) {
	return m.locks.lock(ctx, accountID)
}

// keyedMutex hands out one channel-based lock per key so that waiting can
// honor context cancellation.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (k *keyedMutex) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]chan struct{}{}
	}
	ch, ok := k.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.locks[key] = ch
	}
	k.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

var commitSeq atomic.Int64

// adjust builds a commit for a bare balance change.
func adjust(acct string, delta int64, allowNegative bool, at time.Time) WalletCommit {
	return WalletCommit{
		AccountID:     acct,
		DeltaMicros:   delta,
		AllowNegative: allowNegative,
		Tx: domain.Transaction{
			TxID:         fmt.Sprintf("tx_%d", commitSeq.Add(1)),
			AccountID:    acct,
			Type:         domain.TxAdjustment,
			AmountMicros: delta,
			Currency:     domain.Currency,
			Source:       "test",
			CreatedAt:    at,
			Meta:         domain.AdjustmentMeta{Reason: "test"},
		},
	}
}

// runContract exercises behavior every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	t.Run("wallet_rejects_negative", func(t *testing.T) {
		s := newStore(t)
		res, err := s.CommitWalletDelta(ctx, adjust("a1", 1_000, false, now))
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.EqualValues(t, 1_000, res.BalanceMicros)

		res, err = s.CommitWalletDelta(ctx, adjust("a1", -1_001, false, now))
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.EqualValues(t, 1_000, res.BalanceMicros)

		res, err = s.CommitWalletDelta(ctx, adjust("a1", -1_500, true, now))
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.EqualValues(t, -500, res.BalanceMicros)

		w, err := s.GetWallet(ctx, "a1")
		require.NoError(t, err)
		assert.EqualValues(t, -500, w.BalanceMicros)
		assert.Nil(t, w.LastTopupAt)
	})

	t.Run("wallet_concurrent_debits_never_overdraw", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CommitWalletDelta(ctx, adjust("a1", 50, false, now))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var okCount atomic.Int64
		for i := 0; i < 80; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.CommitWalletDelta(ctx, adjust("a1", -1, false, now))
				if err == nil && res.OK {
					okCount.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 50, okCount.Load())
		w, err := s.GetWallet(ctx, "a1")
		require.NoError(t, err)
		assert.EqualValues(t, 0, w.BalanceMicros)
	})

	t.Run("commit_writes_tx_summary_and_last_topup", func(t *testing.T) {
		s := newStore(t)
		c := adjust("a1", 5_000_000, false, now)
		c.Tx.Type = domain.TxTopupCredit
		c.Tx.Meta = domain.TopupMeta{CheckoutSessionID: "cs_1", TopupKind: domain.TopupKindManual}
		c.Summary = domain.MonthSummary{TopupCreditMicros: 5_000_000}
		c.MarkTopup = true
		res, err := s.CommitWalletDelta(ctx, c)
		require.NoError(t, err)
		require.True(t, res.OK)

		w, err := s.GetWallet(ctx, "a1")
		require.NoError(t, err)
		assert.EqualValues(t, 5_000_000, w.BalanceMicros)
		require.NotNil(t, w.LastTopupAt)
		assert.True(t, w.LastTopupAt.Equal(now))

		txs, total, err := s.ListTransactions(ctx, "a1", 0, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, txs, 1)
		assert.Equal(t, c.Tx.TxID, txs[0].TxID)
		assert.Equal(t, domain.TxTopupCredit, txs[0].Type)

		sum, err := s.GetMonthSummary(ctx, "a1", "2026-05")
		require.NoError(t, err)
		assert.EqualValues(t, 5_000_000, sum.TopupCreditMicros)
	})

	t.Run("rejected_commit_writes_nothing", func(t *testing.T) {
		s := newStore(t)
		c := adjust("a1", -10, false, now)
		c.Summary = domain.MonthSummary{AdjustmentMicros: -10}
		res, err := s.CommitWalletDelta(ctx, c)
		require.NoError(t, err)
		assert.False(t, res.OK)

		_, total, err := s.ListTransactions(ctx, "a1", 0, 10)
		require.NoError(t, err)
		assert.Zero(t, total)
		sum, err := s.GetMonthSummary(ctx, "a1", "2026-05")
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
		w, err := s.GetWallet(ctx, "a1")
		require.NoError(t, err)
		assert.Nil(t, w.UpdatedAt)
	})

	t.Run("commit_requires_tx", func(t *testing.T) {
		s := newStore(t)
		_, err := s.CommitWalletDelta(ctx, WalletCommit{AccountID: "a1", DeltaMicros: 1})
		assert.ErrorIs(t, err, ErrInvalidCommit)
	})

	t.Run("transactions_newest_first_with_paging", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			req := "req"
			tx := domain.Transaction{
				TxID:         "tx_" + string(rune('a'+i)),
				AccountID:    "a1",
				Type:         domain.TxUsageDebit,
				AmountMicros: -int64(i + 1),
				Currency:     domain.Currency,
				Source:       "tts_api",
				RequestID:    &req,
				CreatedAt:    now.Add(time.Duration(i) * time.Second),
				Meta:         domain.UsageMeta{Chars: int64(i)},
			}
			_, err := s.CommitWalletDelta(ctx, WalletCommit{AccountID: "a1", DeltaMicros: tx.AmountMicros, AllowNegative: true, Tx: tx})
			require.NoError(t, err)
		}
		other := adjust("a2", 9, false, now)
		other.Tx.TxID = "tx_other"
		_, err := s.CommitWalletDelta(ctx, other)
		require.NoError(t, err)

		page, total, err := s.ListTransactions(ctx, "a1", 0, 2)
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, "tx_e", page[0].TxID)
		assert.Equal(t, "tx_d", page[1].TxID)
		assert.EqualValues(t, -5, page[0].AmountMicros)
		require.NotNil(t, page[0].RequestID)
		assert.Equal(t, "req", *page[0].RequestID)
		assert.Nil(t, page[0].StripeRef)
		meta, ok := page[0].Meta.(domain.UsageMeta)
		require.True(t, ok, "meta type %T", page[0].Meta)
		assert.EqualValues(t, 4, meta.Chars)

		page, _, err = s.ListTransactions(ctx, "a1", 4, 10)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "tx_a", page[0].TxID)

		page, total, err = s.ListTransactions(ctx, "a1", 10, 10)
		require.NoError(t, err)
		assert.Empty(t, page)
		assert.Equal(t, 5, total)
	})

	t.Run("month_summary_increments", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.IncrMonthSummary(ctx, "a1", "2026-05", domain.MonthSummary{Chars: 10, Requests: 1, UsageChargeMicros: 150}))
		require.NoError(t, s.IncrMonthSummary(ctx, "a1", "2026-05", domain.MonthSummary{AdjustmentMicros: -20, TopupCreditMicros: 5}))
		require.NoError(t, s.IncrMonthSummary(ctx, "a1", "2026-05", domain.MonthSummary{}))

		got, err := s.GetMonthSummary(ctx, "a1", "2026-05")
		require.NoError(t, err)
		assert.Equal(t, domain.MonthSummary{
			MonthUTC: "2026-05", Chars: 10, Requests: 1, UsageChargeMicros: 150, AdjustmentMicros: -20, TopupCreditMicros: 5,
		}, got)

		empty, err := s.GetMonthSummary(ctx, "a1", "2026-04")
		require.NoError(t, err)
		assert.True(t, empty.IsZero())
		assert.Equal(t, "2026-04", empty.MonthUTC)
	})

	t.Run("idempotency_set_if_absent", func(t *testing.T) {
		s := newStore(t)
		rec := domain.IdempotencyRecord{RequestHash: "h1", Status: domain.IdempotencyProcessing}
		ok, err := s.CreateIdempotency(ctx, "a1", "tok", rec)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.CreateIdempotency(ctx, "a1", "tok", domain.IdempotencyRecord{RequestHash: "h2"})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetIdempotency(ctx, "a1", "tok")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "h1", got.RequestHash)

		done := domain.IdempotencyRecord{RequestHash: "h1", Status: domain.IdempotencyCompleted,
			Response: &domain.IdempotencyResponse{BillableChars: 3, RequestID: "r1"}}
		require.NoError(t, s.PutIdempotency(ctx, "a1", "tok", done))
		got, err = s.GetIdempotency(ctx, "a1", "tok")
		require.NoError(t, err)
		require.NotNil(t, got.Response)
		assert.Equal(t, "r1", got.Response.RequestID)

		require.NoError(t, s.DeleteIdempotency(ctx, "a1", "tok"))
		got, err = s.GetIdempotency(ctx, "a1", "tok")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("idempotency_keys_do_not_collide_on_colons", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.CreateIdempotency(ctx, "a:b", "c", domain.IdempotencyRecord{RequestHash: "first"})
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.CreateIdempotency(ctx, "a", "b:c", domain.IdempotencyRecord{RequestHash: "second"})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.GetIdempotency(ctx, "a", "b:c")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "second", got.RequestHash)
	})

	t.Run("idempotency_concurrent_acquire_once", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var wins atomic.Int64
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.CreateIdempotency(ctx, "a1", "race", domain.IdempotencyRecord{RequestHash: "h", Status: domain.IdempotencyProcessing})
				if err == nil && ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 1, wins.Load())
	})

	t.Run("event_lifecycle", func(t *testing.T) {
		s := newStore(t)
		ok, err := s.AcquireEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.AcquireEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, ok)

		st, err := s.EventState(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, domain.EventProcessing, st)

		require.NoError(t, s.ReleaseEvent(ctx, "evt_1"))
		st, err = s.EventState(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, domain.EventAbsent, st)

		ok, err = s.AcquireEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, s.MarkEventProcessed(ctx, "evt_1"))

		// Release must not clear a processed event.
		require.NoError(t, s.ReleaseEvent(ctx, "evt_1"))
		st, err = s.EventState(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, domain.EventProcessed, st)
	})

	t.Run("refund_cursor_monotonic", func(t *testing.T) {
		s := newStore(t)
		var got []int64
		for _, cum := range []int64{100, 100, 250, 200, 0} {
			d, err := s.ConsumeRefundDelta(ctx, "ch_1", cum)
			require.NoError(t, err)
			got = append(got, d)
		}
		assert.Equal(t, []int64{100, 0, 150, 0, 0}, got)

		d, err := s.ConsumeRefundDelta(ctx, "ch_2", 30)
		require.NoError(t, err)
		assert.EqualValues(t, 30, d)
	})

	t.Run("refund_cursor_restore", func(t *testing.T) {
		s := newStore(t)
		d, err := s.ConsumeRefundDelta(ctx, "ch_r", 100)
		require.NoError(t, err)
		require.EqualValues(t, 100, d)

		require.NoError(t, s.RestoreRefundDelta(ctx, "ch_r", 100, 100))
		d, err = s.ConsumeRefundDelta(ctx, "ch_r", 100)
		require.NoError(t, err)
		assert.EqualValues(t, 100, d, "restored delta is handed out again")

		d, err = s.ConsumeRefundDelta(ctx, "ch_r", 250)
		require.NoError(t, err)
		require.EqualValues(t, 150, d)
		require.NoError(t, s.RestoreRefundDelta(ctx, "ch_r", 250, 150))
		d, err = s.ConsumeRefundDelta(ctx, "ch_r", 250)
		require.NoError(t, err)
		assert.EqualValues(t, 150, d, "partial restore keeps the earlier mark")

		// A mark that moved on is left alone.
		require.NoError(t, s.RestoreRefundDelta(ctx, "ch_r", 100, 100))
		d, err = s.ConsumeRefundDelta(ctx, "ch_r", 250)
		require.NoError(t, err)
		assert.Zero(t, d)
	})

	t.Run("refund_cursor_concurrent", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		var sum atomic.Int64
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := s.ConsumeRefundDelta(ctx, "ch_c", 500)
				if err == nil {
					sum.Add(d)
				}
			}()
		}
		wg.Wait()
		assert.EqualValues(t, 500, sum.Load())
	})

	t.Run("customers_and_sessions", func(t *testing.T) {
		s := newStore(t)
		c, err := s.CustomerForAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Empty(t, c)

		require.NoError(t, s.LinkCustomer(ctx, "a1", "cus_1"))
		c, err = s.CustomerForAccount(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, "cus_1", c)
		a, err := s.AccountForCustomer(ctx, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, "a1", a)

		meta, err := s.GetCheckoutSession(ctx, "cs_1")
		require.NoError(t, err)
		assert.Nil(t, meta)

		require.NoError(t, s.PutCheckoutSession(ctx, "cs_1", domain.CheckoutSessionMeta{
			AccountID: "a1", AmountMicros: 5_000_000, CreatedAt: now, SavePaymentMethod: true, Source: domain.TopupKindManual,
		}))
		meta, err = s.GetCheckoutSession(ctx, "cs_1")
		require.NoError(t, err)
		require.NotNil(t, meta)
		assert.Equal(t, "a1", meta.AccountID)
		assert.EqualValues(t, 5_000_000, meta.AmountMicros)
		assert.True(t, meta.SavePaymentMethod)
	})

	t.Run("auto_recharge_roundtrip", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.GetAutoRecharge(ctx, "a1")
		require.NoError(t, err)
		assert.False(t, ok)

		ts := now
		cfg := domain.AutoRechargeConfig{
			Enabled: true, TriggerMicros: 2_000_000, AmountMicros: 10_000_000,
			PaymentMethodID: "pm_1", Status: domain.AutoRechargeActive, UpdatedAt: &ts,
		}
		require.NoError(t, s.PutAutoRecharge(ctx, "a1", cfg))
		got, ok, err := s.GetAutoRecharge(ctx, "a1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Enabled)
		assert.EqualValues(t, 2_000_000, got.TriggerMicros)
		assert.EqualValues(t, 10_000_000, got.AmountMicros)
		assert.Equal(t, "pm_1", got.PaymentMethodID)
		assert.Equal(t, domain.AutoRechargeActive, got.Status)
		require.NotNil(t, got.UpdatedAt)
		assert.True(t, got.UpdatedAt.Equal(now))
	})

	t.Run("lock_account_serializes", func(t *testing.T) {
		s := newStore(t)
		var (
			wg      sync.WaitGroup
			inside  atomic.Int64
			overlap atomic.Bool
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				unlock, err := s.LockAccount(ctx, "a1")
				if err != nil {
					return
				}
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				unlock()
			}()
		}
		wg.Wait()
		assert.False(t, overlap.Load(), "two holders inside the critical section")
	})
}

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

// SummaryDelta is the month-summary increment contributed by tx. Metered
// usage debits carry CountInSummary=false and contribute nothing here; their
// usage is added by RegisterSuccessfulUsage once the request succeeds.
func SummaryDelta(tx domain.Transaction) domain.MonthSummary {
	var d domain.MonthSummary
	a := tx.AmountMicros
	switch tx.Type {
	case domain.TxTopupCredit:
		d.TopupCreditMicros = max(0, a)
	case domain.TxAutoTopupCredit:
		d.AutoTopupCreditMicros = max(0, a)
	case domain.TxRefundDebit:
		d.RefundDebitMicros = abs64(a)
	case domain.TxAdjustment:
		d.AdjustmentMicros = a
	case domain.TxUsageDebit:
		if m, ok := tx.Meta.(domain.UsageMeta); ok && m.CountInSummary {
			d.UsageChargeMicros = abs64(a)
			d.Chars = m.Chars
			d.Requests = 1
		}
	}
	return d
}

// BillingSummary is the public month summary of a prepaid account.
type BillingSummary struct {
	AccountID           string  `json:"account_id"`
	AdjustmentEUR       float64 `json:"adjustment_eur"`
	AutoTopupsEUR       float64 `json:"auto_topups_eur"`
	Chars               int64   `json:"chars"`
	Currency            string  `json:"currency"`
	MonthUTC            string  `json:"month_utc"`
	RefundsEUR          float64 `json:"refunds_eur"`
	Requests            int64   `json:"requests"`
	TopupsEUR           float64 `json:"topups_eur"`
	UsageEUR            float64 `json:"usage_eur"`
	WalletBalanceEUR    float64 `json:"wallet_balance_eur"`
	WalletBalanceMicros int64   `json:"wallet_balance_micros"`
}

// Summaries reads and increments month summaries.
type Summaries struct {
	Store interface {
		store.SummaryStore
		store.WalletStore
	}
	Now func() time.Time
}

// CurrentMonth returns the UTC month key for now.
func (s *Summaries) CurrentMonth() string {
	if s.Now != nil {
		return domain.MonthKey(s.Now())
	}
	return domain.MonthKey(time.Now())
}

// MonthUsage returns the counters of (accountID, month). A month with no
// activity yields zero counters.
func (s *Summaries) MonthUsage(ctx context.Context, accountID, month string) (domain.MonthSummary, error) {
	if !domain.ValidMonthKey(month) {
		return domain.MonthSummary{}, ErrInvalidMonth
	}
	m, err := s.Store.GetMonthSummary(ctx, accountID, month)
	if err != nil {
		return domain.MonthSummary{}, fmt.Errorf("get month summary: %w", err)
	}
	m.MonthUTC = month
	return m, nil
}

// RegisterSuccessfulUsage adds one successful metered request to the
// current month. Calls with no chars and no charge are ignored.
func (s *Summaries) RegisterSuccessfulUsage(ctx context.Context, accountID string, chars, chargeMicros int64) error {
	if chars <= 0 && chargeMicros <= 0 {
		return nil
	}
	delta := domain.MonthSummary{
		Chars:             max(0, chars),
		Requests:          1,
		UsageChargeMicros: max(0, chargeMicros),
	}
	if err := s.Store.IncrMonthSummary(ctx, accountID, s.CurrentMonth(), delta); err != nil {
		return fmt.Errorf("register usage: %w", err)
	}
	return nil
}

// BillingSummary combines the month counters with the current wallet balance.
func (s *Summaries) BillingSummary(ctx context.Context, accountID, month string) (BillingSummary, error) {
	m, err := s.MonthUsage(ctx, accountID, month)
	if err != nil {
		return BillingSummary{}, err
	}
	w, err := s.Store.GetWallet(ctx, accountID)
	if err != nil {
		return BillingSummary{}, fmt.Errorf("get wallet: %w", err)
	}
	return BillingSummary{
		AccountID:           accountID,
		AdjustmentEUR:       money.ToEuros(m.AdjustmentMicros),
		AutoTopupsEUR:       money.ToEuros(m.AutoTopupCreditMicros),
		Chars:               m.Chars,
		Currency:            domain.Currency,
		MonthUTC:            month,
		RefundsEUR:          money.ToEuros(m.RefundDebitMicros),
		Requests:            m.Requests,
		TopupsEUR:           money.ToEuros(m.TopupCreditMicros),
		UsageEUR:            money.ToEuros(m.UsageChargeMicros),
		WalletBalanceEUR:    money.ToEuros(w.BalanceMicros),
		WalletBalanceMicros: w.BalanceMicros,
	}, nil
}

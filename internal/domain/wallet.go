// Package domain defines the billing data model: wallet state, ledger
// transactions and their typed metadata, monthly usage rollups, auto-recharge
// configuration and the GORM-mapped tables used for audit and postpaid usage.
package domain

import "time"

// Currency is the settlement currency of every wallet.
const Currency = "EUR"

// Wallet is the stored balance of one account.
type Wallet struct {
	AccountID     string
	BalanceMicros int64
	LastTopupAt   *time.Time
	UpdatedAt     *time.Time
}

// WalletBalance is the public view of a wallet with its embedded
// auto-recharge configuration.
type WalletBalance struct {
	AccountID     string           `json:"account_id"`
	AutoRecharge  AutoRechargeView `json:"auto_recharge"`
	BalanceEUR    float64          `json:"balance_eur"`
	BalanceMicros int64            `json:"balance_micros"`
	Currency      string           `json:"currency"`
	LastTopupAt   *time.Time       `json:"last_topup_at"`
}

// MonthSummary holds the cumulative counters of one (account, UTC month).
// The same struct is used as an increment when aggregating.
type MonthSummary struct {
	MonthUTC              string `json:"month_utc,omitempty"`
	Chars                 int64  `json:"chars"`
	Requests              int64  `json:"requests"`
	UsageChargeMicros     int64  `json:"usage_charge_micros"`
	TopupCreditMicros     int64  `json:"topup_credit_micros"`
	AutoTopupCreditMicros int64  `json:"auto_topup_credit_micros"`
	RefundDebitMicros     int64  `json:"refund_debit_micros"`
	AdjustmentMicros      int64  `json:"adjustment_micros"`
}

// IsZero reports whether every counter is zero.
func (m MonthSummary) IsZero() bool {
	return m.Chars == 0 && m.Requests == 0 && m.UsageChargeMicros == 0 &&
		m.TopupCreditMicros == 0 && m.AutoTopupCreditMicros == 0 &&
		m.RefundDebitMicros == 0 && m.AdjustmentMicros == 0
}

// Add returns m with every counter of d added.
func (m MonthSummary) Add(d MonthSummary) MonthSummary {
	m.Chars += d.Chars
	m.Requests += d.Requests
	m.UsageChargeMicros += d.UsageChargeMicros
	m.TopupCreditMicros += d.TopupCreditMicros
	m.AutoTopupCreditMicros += d.AutoTopupCreditMicros
	m.RefundDebitMicros += d.RefundDebitMicros
	m.AdjustmentMicros += d.AdjustmentMicros
	return m
}

// MonthKey formats t as the UTC calendar month "YYYY-MM".
func MonthKey(t time.Time) string { return t.UTC().Format("2006-01") }

// ValidMonthKey reports whether s is a well-formed "YYYY-MM" month.
func ValidMonthKey(s string) bool {
	if len(s) != 7 {
		return false
	}
	_, err := time.Parse("2006-01", s)
	return err == nil
}

// AutoRechargeStatus is the lifecycle state of an auto-recharge config.
type AutoRechargeStatus string

const (
	AutoRechargeDisabled AutoRechargeStatus = "disabled"
	AutoRechargeActive   AutoRechargeStatus = "active"
	AutoRechargeFailed   AutoRechargeStatus = "failed"
)

// AutoRechargeConfig is the stored per-account auto-recharge state.
type AutoRechargeConfig struct {
	Enabled         bool
	TriggerMicros   int64
	AmountMicros    int64
	PaymentMethodID string
	Status          AutoRechargeStatus
	LastError       string
	UpdatedAt       *time.Time
}

// StatusFor derives the status from the enabled flag and card on file.
func StatusFor(enabled bool, paymentMethodID string) AutoRechargeStatus {
	switch {
	case !enabled:
		return AutoRechargeDisabled
	case paymentMethodID != "":
		return AutoRechargeActive
	default:
		return AutoRechargeFailed
	}
}

// AutoRechargeView is the public JSON shape of AutoRechargeConfig.
type AutoRechargeView struct {
	AmountEUR       float64            `json:"amount_eur"`
	Enabled         bool               `json:"enabled"`
	LastError       *string            `json:"last_error"`
	PaymentMethodID *string            `json:"payment_method_id"`
	Status          AutoRechargeStatus `json:"status"`
	TriggerEUR      float64            `json:"trigger_eur"`
	UpdatedAt       *time.Time         `json:"updated_at"`
}

// CheckoutSessionMeta is stored per provider checkout session so webhook
// handling does not depend on the provider echoing our metadata back.
type CheckoutSessionMeta struct {
	AccountID         string    `json:"account_id"`
	AmountMicros      int64     `json:"amount_micros"`
	CreatedAt         time.Time `json:"created_at"`
	SavePaymentMethod bool      `json:"save_payment_method"`
	Source            string    `json:"source"`
}

// Top-up kinds carried in provider metadata.
const (
	TopupKindManual = "manual"
	TopupKindAuto   = "auto"
)

// IdempotencyStatus is the state of a prepaid idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyResponse is everything needed to replay a metered response.
type IdempotencyResponse struct {
	BillableChars            int64  `json:"billable_chars"`
	ChargeMicros             int64  `json:"charge_micros"`
	PriceTierEURPerMillion   int64  `json:"price_tier_eur_per_million"`
	RequestID                string `json:"request_id"`
	WalletBalanceMicrosAfter int64  `json:"wallet_balance_micros_after"`
}

// IdempotencyRecord is the stored value for one (account, token).
type IdempotencyRecord struct {
	RequestHash string               `json:"request_hash"`
	Response    *IdempotencyResponse `json:"response,omitempty"`
	Status      IdempotencyStatus    `json:"status"`
}

// EventState is the dedup state of a provider webhook event.
type EventState string

const (
	EventAbsent     EventState = ""
	EventProcessing EventState = "processing"
	EventProcessed  EventState = "processed"
)

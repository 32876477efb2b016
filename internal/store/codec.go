package store

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// Lua may hand back floats for large counters.
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0
		}
		return int64(f)
	}
	return n
}

// sortedKeys gives script arguments a stable order.
func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return &t
}

func optString(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decodeIdempotency(raw string) *domain.IdempotencyRecord {
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil
	}
	return &rec
}

func decodeSession(raw string) *domain.CheckoutSessionMeta {
	var meta domain.CheckoutSessionMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil
	}
	return &meta
}

func walletFromHash(accountID string, h map[string]string) domain.Wallet {
	return domain.Wallet{
		AccountID:     accountID,
		BalanceMicros: parseInt(h["balance_micros"]),
		LastTopupAt:   parseTime(h["last_topup_at"]),
		UpdatedAt:     parseTime(h["updated_at"]),
	}
}

func txToHash(tx domain.Transaction) (map[string]interface{}, error) {
	meta, err := domain.EncodeMeta(tx.Meta)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"account_id":    tx.AccountID,
		"amount_micros": formatInt(tx.AmountMicros),
		"created_at":    formatTime(tx.CreatedAt),
		"currency":      tx.Currency,
		"meta_json":     meta,
		"request_id":    optString(tx.RequestID),
		"source":        tx.Source,
		"stripe_ref":    optString(tx.StripeRef),
		"type":          string(tx.Type),
	}, nil
}

// txFromHash returns false for records with an unknown type.
func txFromHash(txID string, h map[string]string) (domain.Transaction, bool) {
	t := domain.TxType(h["type"])
	if !t.Valid() {
		return domain.Transaction{}, false
	}
	amount := parseInt(h["amount_micros"])
	tx := domain.Transaction{
		TxID:         txID,
		AccountID:    h["account_id"],
		Type:         t,
		AmountMicros: amount,
		AmountEUR:    float64(amount) / 1e6,
		Currency:     domain.Currency,
		Source:       h["source"],
		RequestID:    strPtr(h["request_id"]),
		StripeRef:    strPtr(h["stripe_ref"]),
	}
	if tx.Source == "" {
		tx.Source = "unknown"
	}
	if ts := parseTime(h["created_at"]); ts != nil {
		tx.CreatedAt = *ts
	}
	// Unreadable meta does not hide the transaction.
	if meta, err := domain.DecodeMeta(t, h["meta_json"]); err == nil {
		tx.Meta = meta
	}
	return tx, true
}

func summaryFromHash(month string, h map[string]string) domain.MonthSummary {
	return domain.MonthSummary{
		MonthUTC:              month,
		Chars:                 parseInt(h["chars"]),
		Requests:              parseInt(h["requests"]),
		UsageChargeMicros:     parseInt(h["usage_charge_micros"]),
		TopupCreditMicros:     parseInt(h["topup_credit_micros"]),
		AutoTopupCreditMicros: parseInt(h["auto_topup_credit_micros"]),
		RefundDebitMicros:     parseInt(h["refund_debit_micros"]),
		AdjustmentMicros:      parseInt(h["adjustment_micros"]),
	}
}

// summaryFields lists the non-zero counters of d as hash field increments.
func summaryFields(d domain.MonthSummary) map[string]int64 {
	out := map[string]int64{}
	add := func(field string, v int64) {
		if v != 0 {
			out[field] = v
		}
	}
	add("chars", d.Chars)
	add("requests", d.Requests)
	add("usage_charge_micros", d.UsageChargeMicros)
	add("topup_credit_micros", d.TopupCreditMicros)
	add("auto_topup_credit_micros", d.AutoTopupCreditMicros)
	add("refund_debit_micros", d.RefundDebitMicros)
	add("adjustment_micros", d.AdjustmentMicros)
	return out
}

func autoRechargeToHash(cfg domain.AutoRechargeConfig) map[string]interface{} {
	enabled := "0"
	if cfg.Enabled {
		enabled = "1"
	}
	updated := ""
	if cfg.UpdatedAt != nil {
		updated = formatTime(*cfg.UpdatedAt)
	}
	return map[string]interface{}{
		"amount_micros":     formatInt(cfg.AmountMicros),
		"enabled":           enabled,
		"last_error":        cfg.LastError,
		"payment_method_id": cfg.PaymentMethodID,
		"status":            string(cfg.Status),
		"trigger_micros":    formatInt(cfg.TriggerMicros),
		"updated_at":        updated,
	}
}

func autoRechargeFromHash(h map[string]string) domain.AutoRechargeConfig {
	status := domain.AutoRechargeStatus(h["status"])
	switch status {
	case domain.AutoRechargeActive, domain.AutoRechargeFailed, domain.AutoRechargeDisabled:
	default:
		status = domain.AutoRechargeDisabled
	}
	return domain.AutoRechargeConfig{
		Enabled:         h["enabled"] == "1" || h["enabled"] == "true",
		TriggerMicros:   max(0, parseInt(h["trigger_micros"])),
		AmountMicros:    max(0, parseInt(h["amount_micros"])),
		PaymentMethodID: h["payment_method_id"],
		Status:          status,
		LastError:       h["last_error"],
		UpdatedAt:       parseTime(h["updated_at"]),
	}
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TxType tags a ledger transaction and selects its metadata shape.
type TxType string

const (
	TxTopupCredit     TxType = "topup_credit"
	TxUsageDebit      TxType = "usage_debit"
	TxRefundDebit     TxType = "refund_debit"
	TxAutoTopupCredit TxType = "auto_topup_credit"
	TxAdjustment      TxType = "adjustment"
)

// Valid reports whether t is a known transaction type.
func (t TxType) Valid() bool {
	switch t {
	case TxTopupCredit, TxUsageDebit, TxRefundDebit, TxAutoTopupCredit, TxAdjustment:
		return true
	}
	return false
}

// IsTopup reports whether t sets the wallet's last top-up time.
func (t TxType) IsTopup() bool { return t == TxTopupCredit || t == TxAutoTopupCredit }

// Transaction is an immutable ledger record. AmountMicros is signed:
// positive for credits, negative for debits.
type Transaction struct {
	TxID         string    `json:"tx_id"`
	AccountID    string    `json:"account_id"`
	Type         TxType    `json:"type"`
	AmountMicros int64     `json:"amount_micros"`
	AmountEUR    float64   `json:"amount_eur"`
	Currency     string    `json:"currency"`
	Source       string    `json:"source"`
	RequestID    *string   `json:"request_id"`
	StripeRef    *string   `json:"stripe_ref"`
	CreatedAt    time.Time `json:"created_at"`
	Meta         TxMeta    `json:"meta"`
}

// TxMeta is the type-specific payload of a transaction. Implementations are
// UsageMeta, TopupMeta, RefundMeta and AdjustmentMeta.
type TxMeta interface {
	txType() []TxType
}

// UsageMeta accompanies usage_debit. CountInSummary is false for metered
// debits, whose usage is registered only once the request succeeds.
type UsageMeta struct {
	Chars          int64  `json:"chars"`
	CountInSummary bool   `json:"count_in_summary"`
	Locale         string `json:"locale,omitempty"`
	ReaderID       string `json:"reader_id,omitempty"`
}

// TopupMeta accompanies topup_credit and auto_topup_credit.
type TopupMeta struct {
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`
	PaymentIntentID   string `json:"payment_intent_id,omitempty"`
	TopupKind         string `json:"topup_kind,omitempty"`
}

// RefundMeta accompanies refund_debit.
type RefundMeta struct {
	ChargeID        string `json:"charge_id"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
}

// AdjustmentMeta accompanies adjustment.
type AdjustmentMeta struct {
	Reason    string `json:"reason"`
	RequestID string `json:"request_id,omitempty"`
}

func (UsageMeta) txType() []TxType      { return []TxType{TxUsageDebit} }
func (TopupMeta) txType() []TxType      { return []TxType{TxTopupCredit, TxAutoTopupCredit} }
func (RefundMeta) txType() []TxType     { return []TxType{TxRefundDebit} }
func (AdjustmentMeta) txType() []TxType { return []TxType{TxAdjustment} }

// MetaMatches reports whether meta is an allowed payload for t. A nil meta
// matches every type.
func MetaMatches(t TxType, meta TxMeta) bool {
	if meta == nil {
		return true
	}
	for _, allowed := range meta.txType() {
		if allowed == t {
			return true
		}
	}
	return false
}

// EncodeMeta serializes meta for storage. Nil encodes as "".
func EncodeMeta(meta TxMeta) (string, error) {
	if meta == nil {
		return "", nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeMeta parses stored meta into the struct selected by t.
func DecodeMeta(t TxType, raw string) (TxMeta, error) {
	if raw == "" {
		return nil, nil
	}
	var (
		meta TxMeta
		err  error
	)
	switch t {
	case TxUsageDebit:
		var m UsageMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case TxTopupCredit, TxAutoTopupCredit:
		var m TopupMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case TxRefundDebit:
		var m RefundMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	case TxAdjustment:
		var m AdjustmentMeta
		err = json.Unmarshal([]byte(raw), &m)
		meta = m
	default:
		return nil, fmt.Errorf("unknown transaction type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", t, err)
	}
	return meta, nil
}

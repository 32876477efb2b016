package domain

import (
	"testing"
	"time"
)

func TestDecodeMeta_SelectsByType(t *testing.T) {
	raw, err := EncodeMeta(UsageMeta{Chars: 42, Locale: "es-ES", ReaderID: "claro"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	meta, err := DecodeMeta(TxUsageDebit, raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u, ok := meta.(UsageMeta)
	if !ok {
		t.Fatalf("expected UsageMeta, got %T", meta)
	}
	if u.Chars != 42 || u.CountInSummary || u.ReaderID != "claro" {
		t.Fatalf("unexpected meta: %+v", u)
	}

	raw, _ = EncodeMeta(TopupMeta{CheckoutSessionID: "cs_1", TopupKind: TopupKindAuto})
	meta, err = DecodeMeta(TxAutoTopupCredit, raw)
	if err != nil {
		t.Fatalf("decode topup: %v", err)
	}
	if tm, ok := meta.(TopupMeta); !ok || tm.CheckoutSessionID != "cs_1" {
		t.Fatalf("unexpected topup meta: %#v", meta)
	}
}

func TestDecodeMeta_EmptyAndUnknown(t *testing.T) {
	meta, err := DecodeMeta(TxAdjustment, "")
	if err != nil || meta != nil {
		t.Fatalf("empty raw: got (%v, %v)", meta, err)
	}
	if _, err := DecodeMeta(TxType("bogus"), `{}`); err == nil {
		t.Fatalf("expected error for unknown type")
	}
	if _, err := DecodeMeta(TxRefundDebit, `{not json`); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestMetaMatches(t *testing.T) {
	if !MetaMatches(TxRefundDebit, RefundMeta{ChargeID: "ch"}) {
		t.Fatalf("refund meta should match refund_debit")
	}
	if MetaMatches(TxUsageDebit, RefundMeta{}) {
		t.Fatalf("refund meta must not match usage_debit")
	}
	if !MetaMatches(TxTopupCredit, TopupMeta{}) || !MetaMatches(TxAutoTopupCredit, TopupMeta{}) {
		t.Fatalf("topup meta should match both topup types")
	}
	if !MetaMatches(TxAdjustment, nil) {
		t.Fatalf("nil meta matches every type")
	}
}

func TestMonthKeyAndValidation(t *testing.T) {
	ts := time.Date(2026, 3, 31, 23, 30, 0, 0, time.FixedZone("x", -2*3600))
	if got := MonthKey(ts); got != "2026-04" {
		t.Fatalf("MonthKey = %q, want 2026-04 (UTC)", got)
	}
	for _, ok := range []string{"2026-01", "1999-12"} {
		if !ValidMonthKey(ok) {
			t.Fatalf("%q should be valid", ok)
		}
	}
	for _, bad := range []string{"", "2026-13", "2026-1", "26-01", "2026/01", "2026-01-01"} {
		if ValidMonthKey(bad) {
			t.Fatalf("%q should be invalid", bad)
		}
	}
}

func TestStatusForAndSummaryAdd(t *testing.T) {
	if StatusFor(false, "pm") != AutoRechargeDisabled {
		t.Fatalf("disabled expected")
	}
	if StatusFor(true, "") != AutoRechargeFailed {
		t.Fatalf("failed expected without payment method")
	}
	if StatusFor(true, "pm") != AutoRechargeActive {
		t.Fatalf("active expected")
	}

	var s MonthSummary
	if !s.IsZero() {
		t.Fatalf("zero summary should report IsZero")
	}
	s = s.Add(MonthSummary{Chars: 3, Requests: 1, AdjustmentMicros: -5})
	s = s.Add(MonthSummary{Chars: 2, Requests: 1})
	if s.Chars != 5 || s.Requests != 2 || s.AdjustmentMicros != -5 || s.IsZero() {
		t.Fatalf("unexpected sum: %+v", s)
	}
}

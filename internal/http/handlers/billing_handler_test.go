package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/http/middleware"
	"github.com/tbourn/go-prepaid-billing/internal/services"
)

// ---------- stubs ----------

type stubWallets struct {
	w   domain.WalletBalance
	err error
}

func (s stubWallets) Balance(context.Context, string) (domain.WalletBalance, error) {
	return s.w, s.err
}

type stubLedger struct {
	page      services.TransactionPage
	gotCursor string
	gotLimit  int
}

func (s *stubLedger) ListTransactions(_ context.Context, _ string, cursor string, limit int) (services.TransactionPage, error) {
	s.gotCursor, s.gotLimit = cursor, limit
	return s.page, nil
}

type stubSummaries struct{ gotMonth string }

func (s *stubSummaries) BillingSummary(_ context.Context, acct, month string) (services.BillingSummary, error) {
	s.gotMonth = month
	return services.BillingSummary{AccountID: acct, MonthUTC: month, Currency: domain.Currency}, nil
}

type stubLegacy struct{ gotMonth string }

func (s *stubLegacy) Summary(_ context.Context, acct, month string) (services.LegacySummary, error) {
	s.gotMonth = month
	return services.LegacySummary{AccountID: acct, MonthUTC: month, Currency: "USD"}, nil
}

type stubAutoRecharge struct {
	cfg    domain.AutoRechargeConfig
	setErr error
	gotIn  services.AutoRechargeInput
}

func (s *stubAutoRecharge) Get(context.Context, string) (domain.AutoRechargeConfig, error) {
	return s.cfg, nil
}

func (s *stubAutoRecharge) Set(_ context.Context, _ string, in services.AutoRechargeInput) (domain.AutoRechargeConfig, error) {
	s.gotIn = in
	if s.setErr != nil {
		return domain.AutoRechargeConfig{}, s.setErr
	}
	return domain.AutoRechargeConfig{
		Enabled:       in.Enabled,
		TriggerMicros: int64(in.TriggerEUR * 1e6),
		AmountMicros:  int64(in.AmountEUR * 1e6),
		Status:        domain.StatusFor(in.Enabled, ""),
	}, nil
}

type stubTopups struct {
	sess services.TopupSession
	err  error
}

func (s stubTopups) CreateCheckoutSession(context.Context, string, services.TopupRequest) (services.TopupSession, error) {
	return s.sess, s.err
}

// newBillingRouter mirrors the /billing group of the server router.
func newBillingRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	auth := middleware.Authenticate(stubResolver{cred: testCredential()})

	g := r.Group("/billing")
	g.GET("/summary", auth, h.GetSummary)
	wallet := g.Group("", h.RequirePrepaid(), auth)
	wallet.GET("/wallet", h.GetWallet)
	wallet.GET("/transactions", h.ListTransactions)
	wallet.GET("/auto-recharge", h.GetAutoRecharge)
	wallet.PATCH("/auto-recharge", h.PatchAutoRecharge)
	wallet.POST("/topups/checkout-session", h.CreateCheckoutSession)
	return r
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- tests ----------

func TestWalletRoutes_DisabledInPostpaidMode(t *testing.T) {
	h := New(Deps{Meter: &stubMeter{prepaid: false}, Legacy: &stubLegacy{}})
	r := newBillingRouter(h)

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/billing/wallet"},
		{http.MethodGet, "/billing/transactions"},
		{http.MethodGet, "/billing/auto-recharge"},
		{http.MethodPatch, "/billing/auto-recharge"},
		{http.MethodPost, "/billing/topups/checkout-session"},
	} {
		w := do(r, tc.method, tc.path, "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s %s: status=%d", tc.method, tc.path, w.Code)
		}
		if got := decodeBody(t, w)["error"]; got != "prepaid_billing_disabled" {
			t.Fatalf("%s %s: error=%v", tc.method, tc.path, got)
		}
	}

	// the summary stays available and switches to the postpaid shape
	w := do(r, http.MethodGet, "/billing/summary?month=2025-02", "")
	if w.Code != http.StatusOK || decodeBody(t, w)["currency"] != "USD" {
		t.Fatalf("legacy summary: status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestGetWallet(t *testing.T) {
	h := New(Deps{Meter: &stubMeter{prepaid: true}, Wallets: stubWallets{w: domain.WalletBalance{
		AccountID: "acct_1", BalanceMicros: 1_500_000, BalanceEUR: 1.5, Currency: domain.Currency,
	}}})
	w := do(newBillingRouter(h), http.MethodGet, "/billing/wallet", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["account_id"] != "acct_1" || body["balance_micros"] != float64(1_500_000) {
		t.Fatalf("body=%#v", body)
	}

	h = New(Deps{Meter: &stubMeter{prepaid: true}, Wallets: stubWallets{err: errors.New("store down")}})
	if w := do(newBillingRouter(h), http.MethodGet, "/billing/wallet", ""); w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListTransactions_Params(t *testing.T) {
	led := &stubLedger{}
	h := New(Deps{Meter: &stubMeter{prepaid: true}, Ledger: led})
	r := newBillingRouter(h)

	w := do(r, http.MethodGet, "/billing/transactions?cursor=abc&limit=500", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if led.gotCursor != "abc" || led.gotLimit != 100 {
		t.Fatalf("cursor=%q limit=%d", led.gotCursor, led.gotLimit)
	}
	body := decodeBody(t, w)
	txs, isList := body["transactions"].([]any)
	if !isList || len(txs) != 0 {
		t.Fatalf("transactions should be an empty list: %#v", body)
	}
	if v, present := body["next_cursor"]; !present || v != nil {
		t.Fatalf("next_cursor should be null: %#v", body)
	}

	do(r, http.MethodGet, "/billing/transactions?limit=junk", "")
	if led.gotLimit != 20 {
		t.Fatalf("default limit=%d", led.gotLimit)
	}
}

func TestGetSummary_Month(t *testing.T) {
	sums := &stubSummaries{}
	h := New(Deps{Meter: &stubMeter{prepaid: true}, Summaries: sums, Now: func() time.Time { return fixedNow }})
	r := newBillingRouter(h)

	w := do(r, http.MethodGet, "/billing/summary", "")
	if w.Code != http.StatusOK || sums.gotMonth != "2025-03" {
		t.Fatalf("status=%d month=%q", w.Code, sums.gotMonth)
	}
	if decodeBody(t, w)["currency"] != domain.Currency {
		t.Fatalf("body=%s", w.Body.String())
	}

	for _, bad := range []string{"2025-13", "2025-3", "", "march"} {
		w = do(r, http.MethodGet, "/billing/summary?month="+bad, "")
		if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "invalid_month" {
			t.Fatalf("month %q: status=%d body=%s", bad, w.Code, w.Body.String())
		}
	}
}

func TestAutoRecharge_GetAndPatch(t *testing.T) {
	ar := &stubAutoRecharge{cfg: domain.AutoRechargeConfig{
		Enabled: true, TriggerMicros: 2_000_000, AmountMicros: 10_000_000,
		PaymentMethodID: "pm_1", Status: domain.AutoRechargeActive,
	}}
	h := New(Deps{Meter: &stubMeter{prepaid: true}, AutoRecharge: ar})
	r := newBillingRouter(h)

	w := do(r, http.MethodGet, "/billing/auto-recharge", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["trigger_eur"] != float64(2) || body["amount_eur"] != float64(10) || body["payment_method_id"] != "pm_1" {
		t.Fatalf("body=%#v", body)
	}

	w = do(r, http.MethodPatch, "/billing/auto-recharge", `{"enabled":true,"trigger_eur":3,"amount_eur":15}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status=%d body=%s", w.Code, w.Body.String())
	}
	if ar.gotIn != (services.AutoRechargeInput{Enabled: true, TriggerEUR: 3, AmountEUR: 15}) {
		t.Fatalf("input=%+v", ar.gotIn)
	}
	if decodeBody(t, w)["status"] != string(domain.AutoRechargeFailed) {
		t.Fatalf("status should reflect the missing card: %s", w.Body.String())
	}
}

func TestPatchAutoRecharge_Errors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		setErr error
		status int
		code   string
	}{
		{"malformed", `{`, nil, http.StatusBadRequest, "invalid_json"},
		{"missing field", `{"enabled":true,"amount_eur":10}`, nil, http.StatusBadRequest, "invalid_payload"},
		{"wrong type", `{"enabled":"yes","trigger_eur":1,"amount_eur":10}`, nil, http.StatusBadRequest, "invalid_payload"},
		{"amount", `{"enabled":true,"trigger_eur":1,"amount_eur":2}`, services.ErrInvalidAutoRechargeAmount, http.StatusBadRequest, "invalid_auto_recharge_amount"},
		{"trigger", `{"enabled":true,"trigger_eur":20,"amount_eur":10}`, services.ErrInvalidAutoRechargeTrigger, http.StatusBadRequest, "invalid_auto_recharge_trigger"},
		{"store", `{"enabled":true,"trigger_eur":1,"amount_eur":10}`, errors.New("lock timeout"), http.StatusInternalServerError, "unable_to_update_auto_recharge"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(Deps{Meter: &stubMeter{prepaid: true}, AutoRecharge: &stubAutoRecharge{setErr: tc.setErr}})
			w := do(newBillingRouter(h), http.MethodPatch, "/billing/auto-recharge", tc.body)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			if got := decodeBody(t, w)["error"]; got != tc.code {
				t.Fatalf("error=%v want %s", got, tc.code)
			}
		})
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	exp := int64(1_741_948_013)
	want := services.TopupSession{
		AmountEUR: 10, CheckoutSessionID: "cs_1", CheckoutURL: "https://checkout.example/cs_1",
		Currency: domain.Currency, ExpiresAt: &exp,
	}
	const body = `{"pack_id":"pack_10","success_url":"https://app.example/ok","cancel_url":"https://app.example/cancel"}`

	h := New(Deps{Meter: &stubMeter{prepaid: true}, Topups: stubTopups{sess: want}})
	w := do(newBillingRouter(h), http.MethodPost, "/billing/topups/checkout-session", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	got := decodeBody(t, w)
	if got["checkout_url"] != want.CheckoutURL || got["checkout_session_id"] != "cs_1" || got["expires_at"] != float64(exp) {
		t.Fatalf("body=%#v", got)
	}

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"amount", &services.TopupAmountError{Reason: "below minimum", MinimumEUR: 5}, http.StatusBadRequest, "invalid_topup_amount"},
		{"pack", &services.PayloadError{Message: "unknown pack_id"}, http.StatusBadRequest, "invalid_payload"},
		{"redirect", services.ErrInvalidRedirectURL, http.StatusBadRequest, "invalid_payload"},
		{"no gateway", services.ErrPaymentsUnavailable, http.StatusServiceUnavailable, "stripe_unavailable"},
		{"no url", services.ErrCheckoutUnavailable, http.StatusInternalServerError, "checkout_unavailable"},
		{"provider", errors.New("card_declined"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(Deps{Meter: &stubMeter{prepaid: true}, Topups: stubTopups{err: tc.err}})
			w := do(newBillingRouter(h), http.MethodPost, "/billing/topups/checkout-session", body)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d", w.Code, tc.status)
			}
			b := decodeBody(t, w)
			if b["error"] != tc.code {
				t.Fatalf("error=%v want %s", b["error"], tc.code)
			}
			if tc.code == "invalid_topup_amount" && b["minimum_eur"] != float64(5) {
				t.Fatalf("minimum_eur=%v", b["minimum_eur"])
			}
		})
	}
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
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

type stubResolver struct {
	cred services.Credential
	err  error
}

func (s stubResolver) Resolve(context.Context, string) (services.Credential, error) {
	return s.cred, s.err
}

type stubMeter struct {
	prepaid  bool
	admitErr error
	res      services.MeterResult
	err      error

	calls int
	got   services.MeterRequest
}

func (m *stubMeter) Admit(services.Credential) error { return m.admitErr }
func (m *stubMeter) Prepaid() bool                   { return m.prepaid }
func (m *stubMeter) Serve(_ context.Context, req services.MeterRequest) (services.MeterResult, error) {
	m.calls++
	m.got = req
	return m.res, m.err
}

type stubLimiter struct {
	d       middleware.Decision
	gotKey  string
	gotRate int
}

func (l *stubLimiter) Take(key string, perMinute int) middleware.Decision {
	l.gotKey, l.gotRate = key, perMinute
	return l.d
}

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func testCredential() services.Credential {
	return services.Credential{
		AccountID:          "acct_1",
		KeyID:              "key_1",
		Status:             domain.KeyStatusActive,
		BillingStatus:      domain.BillingStatusActive,
		RateLimitPerMinute: 60,
	}
}

// newTTSRouter mounts POST /tts behind the same middleware the server uses.
func newTTSRouter(h *Handlers, resolver middleware.CredentialResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/tts",
		middleware.Authenticate(resolver),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{}),
		h.SynthesizeSpeech,
	)
	return r
}

func postTTS(r http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/tts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v (body=%q)", err, w.Body.String())
	}
	return body
}

const validTTS = `{"text":"  hola mundo  ","locale":"es-ES","readerId":"claro","speed":1}`

// ---------- tests ----------

func TestSynthesizeSpeech_OK(t *testing.T) {
	meter := &stubMeter{prepaid: true, res: services.MeterResult{
		Audio:     []byte("ID3audio"),
		RequestID: "req_1",
		Headers: map[string]string{
			"x-billable-chars":       "10",
			"x-estimated-charge-eur": "0.000160",
			"x-request-id":           "req_1",
		},
	}}
	lim := &stubLimiter{d: middleware.Decision{Allowed: true, Remaining: 59}}
	h := New(Deps{Meter: meter, Limiter: lim, Now: func() time.Time { return fixedNow }})
	r := newTTSRouter(h, stubResolver{cred: testCredential()})

	w := postTTS(r, validTTS, map[string]string{"Idempotency-Key": "  idem-1  "})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content-type=%q", ct)
	}
	if w.Body.String() != "ID3audio" {
		t.Fatalf("body=%q", w.Body.String())
	}
	checks := map[string]string{
		"X-Billable-Chars":       "10",
		"X-Estimated-Charge-Eur": "0.000160",
		"X-Request-Id":           "req_1",
		"X-Rate-Limit-Remaining": "59",
		"X-Idempotent-Replay":    "false",
		"Cache-Control":          "no-store",
		"Content-Disposition":    `attachment; filename="tts-es-es-1741944413000.mp3"`,
	}
	for k, want := range checks {
		if got := w.Header().Get(k); got != want {
			t.Errorf("%s=%q want %q", k, got, want)
		}
	}

	if meter.got.Payload.Text != "hola mundo" {
		t.Fatalf("payload not normalized: %q", meter.got.Payload.Text)
	}
	if meter.got.IdempotencyKey != "idem-1" {
		t.Fatalf("idempotency key=%q", meter.got.IdempotencyKey)
	}
	if lim.gotKey != "key_1:192.0.2.1" || lim.gotRate != 60 {
		t.Fatalf("limiter key=%q rate=%d", lim.gotKey, lim.gotRate)
	}
}

func TestSynthesizeSpeech_ReplayHeader(t *testing.T) {
	meter := &stubMeter{prepaid: true, res: services.MeterResult{Audio: []byte("a"), Replay: true}}
	h := New(Deps{Meter: meter, Limiter: &stubLimiter{d: middleware.Decision{Allowed: true}}})
	w := postTTS(newTTSRouter(h, stubResolver{cred: testCredential()}), validTTS, nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("status=%d replay=%q", w.Code, w.Header().Get("X-Idempotent-Replay"))
	}
}

func TestSynthesizeSpeech_InvalidAPIKey(t *testing.T) {
	meter := &stubMeter{prepaid: true}
	h := New(Deps{Meter: meter, Limiter: &stubLimiter{}})
	w := postTTS(newTTSRouter(h, stubResolver{err: services.ErrInvalidAPIKey}), validTTS, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", w.Code)
	}
	if meter.calls != 0 {
		t.Fatal("meter must not run without a credential")
	}
}

func TestSynthesizeSpeech_BillingRequired(t *testing.T) {
	cred := testCredential()
	cred.BillingStatus = domain.BillingStatusDunning
	meter := &stubMeter{admitErr: services.ErrBillingRequired}
	h := New(Deps{Meter: meter, Limiter: &stubLimiter{}})

	w := postTTS(newTTSRouter(h, stubResolver{cred: cred}), validTTS, nil)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status=%d", w.Code)
	}
	body := decodeBody(t, w)
	if body["error"] != "billing_required" || body["billingStatus"] != domain.BillingStatusDunning {
		t.Fatalf("body=%#v", body)
	}
	if meter.calls != 0 {
		t.Fatal("meter must not run")
	}
}

func TestSynthesizeSpeech_RequestValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		code string
	}{
		{"malformed json", `{"text":`, "invalid_json"},
		{"wrong type", `{"text":"x","locale":"es","readerId":"claro","speed":"fast"}`, "invalid_payload"},
		{"unknown reader", `{"text":"x","locale":"es","readerId":"robot","speed":1}`, "invalid_payload"},
		{"bad speed", `{"text":"x","locale":"es","readerId":"claro","speed":3}`, "invalid_payload"},
		{"blank text", `{"text":"   ","locale":"es","readerId":"claro","speed":1}`, "empty_text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter := &stubMeter{prepaid: true}
			lim := &stubLimiter{d: middleware.Decision{Allowed: true}}
			h := New(Deps{Meter: meter, Limiter: lim})
			w := postTTS(newTTSRouter(h, stubResolver{cred: testCredential()}), tc.raw, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
			}
			if got := decodeBody(t, w)["error"]; got != tc.code {
				t.Fatalf("error=%v want %s", got, tc.code)
			}
			if meter.calls != 0 || lim.gotKey != "" {
				t.Fatal("invalid requests must not reach the limiter or the meter")
			}
		})
	}
}

func TestSynthesizeSpeech_InvalidIdempotencyKey(t *testing.T) {
	meter := &stubMeter{prepaid: true}
	h := New(Deps{Meter: meter, Limiter: &stubLimiter{d: middleware.Decision{Allowed: true}}})
	w := postTTS(newTTSRouter(h, stubResolver{cred: testCredential()}), validTTS,
		map[string]string{"Idempotency-Key": strings.Repeat("k", 300)})
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["error"] != "invalid_payload" {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestSynthesizeSpeech_RateLimited(t *testing.T) {
	meter := &stubMeter{prepaid: true}
	lim := &stubLimiter{d: middleware.Decision{Allowed: false, RetryAfterSec: 7}}
	h := New(Deps{Meter: meter, Limiter: lim})

	w := postTTS(newTTSRouter(h, stubResolver{cred: testCredential()}), validTTS, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d", w.Code)
	}
	if w.Header().Get("Retry-After") != "7" || w.Header().Get("X-Rate-Limit-Remaining") != "0" {
		t.Fatalf("headers: retry=%q remaining=%q", w.Header().Get("Retry-After"), w.Header().Get("X-Rate-Limit-Remaining"))
	}
	body := decodeBody(t, w)
	if body["error"] != "rate_limited" || body["retryAfterSec"] != float64(7) {
		t.Fatalf("body=%#v", body)
	}
	if meter.calls != 0 {
		t.Fatal("meter must not run when rate limited")
	}
}

func TestSynthesizeSpeech_MeterErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		check  func(t *testing.T, body map[string]any)
	}{
		{"conflict", services.ErrIdempotencyConflict, http.StatusConflict, "idempotency_conflict", nil},
		{"in progress", services.ErrIdempotencyInProgress, http.StatusConflict, "idempotency_in_progress", nil},
		{
			"quota", &services.QuotaError{CurrentChars: 99_999_000, LimitChars: 100_000_000},
			http.StatusTooManyRequests, "quota_exceeded",
			func(t *testing.T, body map[string]any) {
				if body["currentChars"] != float64(99_999_000) || body["monthlyHardLimitChars"] != float64(100_000_000) {
					t.Fatalf("body=%#v", body)
				}
			},
		},
		{
			"insufficient balance", &services.InsufficientBalanceError{BalanceMicros: 420_000},
			http.StatusPaymentRequired, "insufficient_balance",
			func(t *testing.T, body map[string]any) {
				if body["balance_eur"] != 0.42 {
					t.Fatalf("balance_eur=%v", body["balance_eur"])
				}
			},
		},
		{
			"synthesis", &services.SynthesisError{Err: errors.New("voice unavailable")},
			http.StatusInternalServerError, "tts_failed",
			func(t *testing.T, body map[string]any) {
				if body["message"] != "voice unavailable" {
					t.Fatalf("message=%v", body["message"])
				}
			},
		},
		{"payload", &services.PayloadError{Message: "text has no billable characters"}, http.StatusBadRequest, "invalid_payload", nil},
		{"unexpected", io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal_error", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			meter := &stubMeter{prepaid: true, err: tc.err}
			h := New(Deps{Meter: meter, Limiter: &stubLimiter{d: middleware.Decision{Allowed: true, Remaining: 3}}})
			w := postTTS(newTTSRouter(h, stubResolver{cred: testCredential()}), validTTS, nil)
			if w.Code != tc.status {
				t.Fatalf("status=%d want %d body=%s", w.Code, tc.status, w.Body.String())
			}
			body := decodeBody(t, w)
			if body["error"] != tc.code {
				t.Fatalf("error=%v want %s", body["error"], tc.code)
			}
			if body["request_id"] == "" || body["request_id"] == nil {
				t.Fatalf("request_id missing: %#v", body)
			}
			if tc.check != nil {
				tc.check(t, body)
			}
		})
	}
}

func TestAudioFilename(t *testing.T) {
	if got := audioFilename("pt-BR", 42); got != "tts-pt-br-42.mp3" {
		t.Fatalf("got %q", got)
	}
	if got := audioFilename(`es"/..`, 1); got != "tts-es____-1.mp3" {
		t.Fatalf("got %q", got)
	}
}

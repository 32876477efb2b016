package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/pricing"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

// Postpaid defaults.
const (
	DefaultTrialChars        = int64(500_000)
	DefaultInvoiceMinimumUSD = 5.0
	legacyCurrency           = "USD"
)

// collectionOffsetsDays are the dunning attempts after month end.
var collectionOffsetsDays = []int{0, 2, 5}

// LegacyMeter bills postpaid accounts in USD. Usage is recorded after
// successful synthesis; the first TrialChars characters of an account are
// free.
type LegacyMeter struct {
	DB                *gorm.DB
	Synth             Synthesizer
	Schedule          pricing.Schedule
	TrialChars        int64
	InvoiceMinimumUSD float64
	Log               zerolog.Logger
	Now               func() time.Time
	NewRequestID      func() string
}

var _ Meter = (*LegacyMeter)(nil)

func (m *LegacyMeter) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *LegacyMeter) trialChars() int64 {
	if m.TrialChars <= 0 {
		return DefaultTrialChars
	}
	return m.TrialChars
}

func (m *LegacyMeter) invoiceMinimum() float64 {
	if m.InvoiceMinimumUSD <= 0 {
		return DefaultInvoiceMinimumUSD
	}
	return money.Round6(m.InvoiceMinimumUSD)
}

// Admit rejects credentials whose billing is not in good standing.
func (m *LegacyMeter) Admit(cred Credential) error {
	if cred.RequiresPayment() {
		return ErrBillingRequired
	}
	return nil
}

// Prepaid reports false.
func (m *LegacyMeter) Prepaid() bool { return false }

// ApplyTrial splits chars into the part covered by the remaining trial
// allowance and the billable rest.
func ApplyTrial(chars, trialUsed, trialLimit int64) (billable, applied int64) {
	chars = max(0, chars)
	remaining := max(0, trialLimit-max(0, trialUsed))
	applied = min(chars, remaining)
	return chars - applied, applied
}

// LegacyHeaders renders the billing headers of a postpaid response.
func LegacyHeaders(ev *domain.UsageEvent) map[string]string {
	return map[string]string{
		"x-billable-chars":             strconv.FormatInt(ev.Chars, 10),
		"x-estimated-charge-usd":       money.FormatUnits(ev.ChargeMicroUSD),
		"x-price-tier-usd-per-million": strconv.FormatFloat(float64(ev.PriceTierUSDPerMillion), 'f', 6, 64),
		"x-request-id":                 ev.RequestID,
		"x-trial-chars-applied":        strconv.FormatInt(ev.TrialCharsApplied, 10),
	}
}

// Serve runs the postpaid flow: idempotency, quota, trial, pricing,
// synthesis, then the usage event and idempotency completion.
func (m *LegacyMeter) Serve(ctx context.Context, req MeterRequest) (res MeterResult, err error) {
	acct := req.Credential.AccountID
	ctx, span := otel.Tracer("services/LegacyMeter").Start(ctx, "Serve",
		trace.WithAttributes(attribute.String("account.id", acct), observability.BillingModeAttr(false)),
	)
	defer func() {
		outcome := "success"
		switch {
		case err != nil:
			outcome = meterOutcome(err)
			span.RecordError(err)
		case res.Replay:
			outcome = "replay"
		}
		observability.MeteredRequests.WithLabelValues(outcome).Inc()
		span.End()
	}()

	p := req.Payload
	hash := RequestHash(p)
	key := strings.TrimSpace(req.IdempotencyKey)

	if key != "" {
		replay, err := m.begin(ctx, acct, key, hash)
		if err != nil {
			return MeterResult{}, err
		}
		if replay != nil {
			audio, serr := m.Synth.Synthesize(ctx, synthesisRequest(p))
			if serr != nil {
				return MeterResult{}, &SynthesisError{Err: serr}
			}
			return MeterResult{Audio: audio, Replay: true, RequestID: replay.RequestID, Headers: LegacyHeaders(replay)}, nil
		}
	}
	cleanup := context.WithoutCancel(ctx)
	abort := func() {
		if key == "" {
			return
		}
		if aerr := repo.DeleteIdempotency(cleanup, m.DB, acct, key); aerr != nil {
			m.Log.Error().Err(aerr).Str("account_id", acct).Msg("idempotency abort failed")
		}
	}

	chars := CountBillableChars(p.Text)
	if chars <= 0 {
		abort()
		return MeterResult{}, &PayloadError{Message: "no billable characters"}
	}

	now := m.now()
	month := domain.MonthKey(now)
	usage, err := repo.MonthUsageStats(ctx, m.DB, acct, month)
	if err != nil {
		abort()
		return MeterResult{}, fmt.Errorf("month usage: %w", err)
	}
	if QuotaExceeded(usage.Chars, chars, req.Credential.MonthlyHardLimitChars) {
		abort()
		return MeterResult{}, &QuotaError{CurrentChars: usage.Chars, LimitChars: *req.Credential.MonthlyHardLimitChars}
	}
	trialUsed, err := repo.TrialCharsUsed(ctx, m.DB, acct)
	if err != nil {
		abort()
		return MeterResult{}, fmt.Errorf("trial usage: %w", err)
	}
	billable, applied := ApplyTrial(chars, trialUsed, m.trialChars())

	schedule := m.Schedule
	if len(schedule) == 0 {
		schedule = pricing.LegacyUSD
	}
	price := schedule.Charge(billable, usage.BillableChars)

	audio, err := m.Synth.Synthesize(ctx, synthesisRequest(p))
	if err != nil {
		abort()
		return MeterResult{}, &SynthesisError{Err: err}
	}

	requestID := uuid.NewString()
	if m.NewRequestID != nil {
		requestID = m.NewRequestID()
	}
	ev := &domain.UsageEvent{
		RequestID:              requestID,
		AccountID:              acct,
		MonthUTC:               month,
		DayUTC:                 now.Format("2006-01-02"),
		KeyID:                  req.Credential.KeyID,
		Chars:                  chars,
		BillableChars:          billable,
		TrialCharsApplied:      applied,
		ChargeMicroUSD:         price.ChargeMicros,
		PriceTierUSDPerMillion: price.PrimaryRateMicrosPerChar,
		Locale:                 p.Locale,
		VoiceTier:              VoiceTier(p.ReaderID),
		IdempotencyKey:         optString(key),
		Timestamp:              now,
	}
	if err := repo.CreateUsageEvent(ctx, m.DB, ev); err != nil {
		abort()
		return MeterResult{}, fmt.Errorf("record usage: %w", err)
	}
	if key != "" {
		if err := repo.CompleteIdempotency(ctx, m.DB, acct, key, requestID, store.IdempotencyTTL); err != nil {
			abort()
			return MeterResult{}, fmt.Errorf("complete idempotency: %w", err)
		}
	}

	return MeterResult{Audio: audio, RequestID: requestID, Headers: LegacyHeaders(ev)}, nil
}

// begin acquires key or resolves the stored request. It returns the usage
// event to replay, nil when the caller now owns the key, or an error.
func (m *LegacyMeter) begin(ctx context.Context, acct, key, hash string) (*domain.UsageEvent, error) {
	_, err := repo.CreateIdempotency(ctx, m.DB, acct, key, hash, store.IdempotencyTTL)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, repo.ErrDuplicate) {
		return nil, fmt.Errorf("acquire idempotency: %w", err)
	}

	rec, err := repo.GetIdempotency(ctx, m.DB, acct, key, m.now())
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrIdempotencyInProgress
	case err != nil:
		return nil, fmt.Errorf("read idempotency: %w", err)
	case rec.RequestHash != hash:
		return nil, ErrIdempotencyConflict
	case rec.Status != repo.IdemCompleted || rec.RequestID == "":
		return nil, ErrIdempotencyInProgress
	}

	ev, err := repo.GetUsageEvent(ctx, m.DB, rec.RequestID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrIdempotencyInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("read usage event: %w", err)
	}
	return ev, nil
}

// LegacyDay is one day of a postpaid summary.
type LegacyDay struct {
	BillableChars     int64   `json:"billable_chars"`
	ChargeUSD         float64 `json:"charge_usd"`
	Chars             int64   `json:"chars"`
	DayUTC            string  `json:"day_utc"`
	Requests          int64   `json:"requests"`
	TrialCharsApplied int64   `json:"trial_chars_applied"`
}

// LegacySummary is the postpaid month summary with its invoice preview.
type LegacySummary struct {
	AccountID             string      `json:"account_id"`
	BillableChars         int64       `json:"billable_chars"`
	ChargeUSD             float64     `json:"charge_usd"`
	Chars                 int64       `json:"chars"`
	CollectionAttemptsUTC []string    `json:"collection_attempts_utc"`
	Currency              string      `json:"currency"`
	Daily                 []LegacyDay `json:"daily"`
	InvoiceMinimumUSD     float64     `json:"invoice_minimum_usd"`
	InvoiceTotalUSD       float64     `json:"invoice_total_usd"`
	MonthUTC              string      `json:"month_utc"`
	Requests              int64       `json:"requests"`
	TrialCharsApplied     int64       `json:"trial_chars_applied"`
}

// InvoiceTotalUSD applies the invoice minimum to a month with billable usage.
// A month with no requests or no charge invoices nothing.
func InvoiceTotalUSD(chargeUSD float64, requests int64, minimumUSD float64) float64 {
	charge := max(0, money.Round6(chargeUSD))
	if requests <= 0 || charge <= 0 {
		return 0
	}
	return money.Round6(max(minimumUSD, charge))
}

// CollectionAttemptsUTC returns the payment attempt times for month: the
// first of the following month and two retries.
func CollectionAttemptsUTC(month string) []string {
	t, err := time.Parse("2006-01", month)
	if err != nil {
		return []string{}
	}
	first := t.AddDate(0, 1, 0)
	out := make([]string, 0, len(collectionOffsetsDays))
	for _, d := range collectionOffsetsDays {
		out = append(out, first.AddDate(0, 0, d).Format("2006-01-02T15:04:05.000Z"))
	}
	return out
}

// Summary returns the postpaid summary of (accountID, month).
func (m *LegacyMeter) Summary(ctx context.Context, accountID, month string) (LegacySummary, error) {
	if !domain.ValidMonthKey(month) {
		return LegacySummary{}, ErrInvalidMonth
	}
	usage, err := repo.MonthUsageStats(ctx, m.DB, accountID, month)
	if err != nil {
		return LegacySummary{}, fmt.Errorf("month usage: %w", err)
	}
	days, err := repo.DailyUsageStats(ctx, m.DB, accountID, month)
	if err != nil {
		return LegacySummary{}, fmt.Errorf("daily usage: %w", err)
	}

	daily := make([]LegacyDay, 0, len(days))
	for _, d := range days {
		daily = append(daily, LegacyDay{
			BillableChars:     d.BillableChars,
			ChargeUSD:         money.ToUnits(d.ChargeMicroUSD),
			Chars:             d.Chars,
			DayUTC:            d.DayUTC,
			Requests:          d.Requests,
			TrialCharsApplied: d.TrialCharsApplied,
		})
	}
	charge := money.ToUnits(usage.ChargeMicroUSD)
	minimum := m.invoiceMinimum()
	return LegacySummary{
		AccountID:             accountID,
		BillableChars:         usage.BillableChars,
		ChargeUSD:             charge,
		Chars:                 usage.Chars,
		CollectionAttemptsUTC: CollectionAttemptsUTC(month),
		Currency:              legacyCurrency,
		Daily:                 daily,
		InvoiceMinimumUSD:     minimum,
		InvoiceTotalUSD:       InvoiceTotalUSD(charge, usage.Requests, minimum),
		MonthUTC:              month,
		Requests:              usage.Requests,
		TrialCharsApplied:     usage.TrialCharsApplied,
	}, nil
}

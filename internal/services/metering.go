// Package services – Metering
//
// A Meter turns one validated synthesis request into audio plus the billing
// headers describing what was charged. PrepaidMeter debits the EUR wallet
// before synthesis and compensates on failure; LegacyMeter records postpaid
// USD usage after synthesis.

package services

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/pricing"
)

// SynthesisRequest is what a Synthesizer needs to produce audio.
type SynthesisRequest struct {
	Text      string
	Locale    string
	ReaderID  string
	VoiceTier string
	Speed     float64
}

// Synthesizer produces MP3 audio for text. Implementations live outside the
// billing core.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error)
}

// MeterRequest is one authenticated, validated metered request.
type MeterRequest struct {
	Credential     Credential
	Payload        TTSPayload // already normalized
	IdempotencyKey string
}

// MeterResult is a successful (or replayed) metered response. Headers holds
// the billing headers only.
type MeterResult struct {
	Audio     []byte
	Replay    bool
	RequestID string
	Headers   map[string]string
}

// Meter bills metered requests under one billing mode.
type Meter interface {
	// Admit rejects credentials that may not use the meter at all.
	Admit(cred Credential) error
	Serve(ctx context.Context, req MeterRequest) (MeterResult, error)
	// Prepaid reports whether wallet endpoints are available.
	Prepaid() bool
}

func synthesisRequest(p TTSPayload) SynthesisRequest {
	return SynthesisRequest{
		Text:      p.Text,
		Locale:    p.Locale,
		ReaderID:  p.ReaderID,
		VoiceTier: VoiceTier(p.ReaderID),
		Speed:     p.Speed,
	}
}

// PrepaidMeter charges the wallet before synthesis.
type PrepaidMeter struct {
	Ledger       *Ledger
	Summaries    *Summaries
	Idempotency  *Idempotency
	AutoRecharge *AutoRecharge // optional
	Synth        Synthesizer
	Schedule     pricing.Schedule
	Log          zerolog.Logger
	NewRequestID func() string
}

var _ Meter = (*PrepaidMeter)(nil)

// Admit accepts every usable credential; prepaid accounts are gated by
// their balance instead.
func (m *PrepaidMeter) Admit(Credential) error { return nil }

// Prepaid reports true.
func (m *PrepaidMeter) Prepaid() bool { return true }

func (m *PrepaidMeter) schedule() pricing.Schedule {
	if len(m.Schedule) == 0 {
		return pricing.Prepaid
	}
	return m.Schedule
}

func (m *PrepaidMeter) requestID() string {
	if m.NewRequestID != nil {
		return m.NewRequestID()
	}
	return uuid.NewString()
}

// PrepaidHeaders renders the billing headers of a prepaid response.
func PrepaidHeaders(r domain.IdempotencyResponse) map[string]string {
	return map[string]string{
		"x-billable-chars":             strconv.FormatInt(r.BillableChars, 10),
		"x-estimated-charge-eur":       money.FormatEuros(r.ChargeMicros),
		"x-price-tier-eur-per-million": strconv.FormatInt(r.PriceTierEURPerMillion, 10),
		"x-request-id":                 r.RequestID,
		"x-wallet-balance-eur":         money.FormatEuros(r.WalletBalanceMicrosAfter),
	}
}

// Serve runs the prepaid flow: idempotency, quota, pricing, debit (with one
// auto-recharge retry), synthesis, then usage registration and completion.
// Every failure after the token is acquired releases it, and a failure after
// the debit is compensated by an adjustment credit.
func (m *PrepaidMeter) Serve(ctx context.Context, req MeterRequest) (res MeterResult, err error) {
	acct := req.Credential.AccountID
	ctx, span := otel.Tracer("services/PrepaidMeter").Start(ctx, "Serve",
		trace.WithAttributes(attribute.String("account.id", acct), observability.BillingModeAttr(true)),
	)
	defer func() {
		outcome := "success"
		switch {
		case err != nil:
			outcome = meterOutcome(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		case res.Replay:
			outcome = "replay"
		}
		observability.MeteredRequests.WithLabelValues(outcome).Inc()
		span.End()
	}()

	p := req.Payload
	hash := RequestHash(p)

	idem, err := m.Idempotency.Begin(ctx, acct, req.IdempotencyKey, hash)
	if err != nil {
		return MeterResult{}, err
	}
	switch idem.Outcome {
	case IdemConflict:
		return MeterResult{}, ErrIdempotencyConflict
	case IdemProcessing:
		return MeterResult{}, ErrIdempotencyInProgress
	case IdemReplay:
		audio, serr := m.Synth.Synthesize(ctx, synthesisRequest(p))
		if serr != nil {
			return MeterResult{}, &SynthesisError{Err: serr}
		}
		return MeterResult{
			Audio:     audio,
			Replay:    true,
			RequestID: idem.Response.RequestID,
			Headers:   PrepaidHeaders(*idem.Response),
		}, nil
	}

	// Cleanup outlives the caller: a disconnect must not strand the debit
	// or the token.
	cleanup := context.WithoutCancel(ctx)
	abort := func() {
		if aerr := m.Idempotency.Abort(cleanup, acct, req.IdempotencyKey); aerr != nil {
			m.Log.Error().Err(aerr).Str("account_id", acct).Msg("idempotency abort failed")
		}
	}

	chars := CountBillableChars(p.Text)
	if chars <= 0 {
		abort()
		return MeterResult{}, &PayloadError{Message: "no billable characters"}
	}

	usage, err := m.Summaries.MonthUsage(ctx, acct, m.Summaries.CurrentMonth())
	if err != nil {
		abort()
		return MeterResult{}, err
	}
	if QuotaExceeded(usage.Chars, chars, req.Credential.MonthlyHardLimitChars) {
		abort()
		return MeterResult{}, &QuotaError{CurrentChars: usage.Chars, LimitChars: *req.Credential.MonthlyHardLimitChars}
	}

	price := m.schedule().Charge(chars, usage.Chars)
	requestID := m.requestID()
	debit := DeltaInput{
		AccountID:    acct,
		AmountMicros: price.ChargeMicros,
		Type:         domain.TxUsageDebit,
		Source:       sourceMeteredUsage,
		RequestID:    requestID,
		Meta: domain.UsageMeta{
			Chars:          chars,
			CountInSummary: false,
			Locale:         p.Locale,
			ReaderID:       p.ReaderID,
		},
	}

	var dr DeltaResult
	if price.ChargeMicros > 0 {
		dr, err = m.Ledger.Debit(ctx, debit)
		if err != nil {
			abort()
			return MeterResult{}, err
		}
		if !dr.OK && m.AutoRecharge != nil {
			rr, rerr := m.AutoRecharge.MaybeRecharge(ctx, acct, price.ChargeMicros, hash)
			if rerr != nil {
				abort()
				return MeterResult{}, rerr
			}
			if rr.Succeeded {
				if dr, err = m.Ledger.Debit(ctx, debit); err != nil {
					abort()
					return MeterResult{}, err
				}
			}
		}
		if !dr.OK {
			abort()
			return MeterResult{}, &InsufficientBalanceError{BalanceMicros: dr.BalanceMicros}
		}
	} else {
		w, werr := m.Ledger.Wallet(ctx, acct)
		if werr != nil {
			abort()
			return MeterResult{}, werr
		}
		dr = DeltaResult{OK: true, BalanceMicros: w.BalanceMicros}
	}

	resp := domain.IdempotencyResponse{
		BillableChars:            chars,
		ChargeMicros:             price.ChargeMicros,
		PriceTierEURPerMillion:   price.PrimaryRateMicrosPerChar,
		RequestID:                requestID,
		WalletBalanceMicrosAfter: dr.BalanceMicros,
	}

	audio, err := m.Synth.Synthesize(ctx, synthesisRequest(p))
	if err != nil {
		err = &SynthesisError{Err: err}
	} else if err = m.Summaries.RegisterSuccessfulUsage(ctx, acct, chars, price.ChargeMicros); err == nil {
		err = m.Idempotency.Complete(ctx, acct, req.IdempotencyKey, hash, resp)
	}
	if err != nil {
		m.rollback(cleanup, acct, requestID, price.ChargeMicros)
		abort()
		return MeterResult{}, err
	}

	return MeterResult{
		Audio:     audio,
		RequestID: requestID,
		Headers:   PrepaidHeaders(resp),
	}, nil
}

// rollback credits back a charge whose request did not complete.
func (m *PrepaidMeter) rollback(ctx context.Context, accountID, requestID string, amount int64) {
	if amount <= 0 {
		return
	}
	res, err := m.Ledger.Credit(ctx, DeltaInput{
		AccountID:    accountID,
		AmountMicros: amount,
		Type:         domain.TxAdjustment,
		Source:       sourceMeteredRollback,
		RequestID:    requestID,
		Meta:         domain.AdjustmentMeta{Reason: reasonSynthesisRollback, RequestID: requestID},
	})
	if err != nil {
		m.Log.Error().Err(err).Str("account_id", accountID).Str("request_id", requestID).Int64("amount_micros", amount).Msg("rollback credit failed")
		return
	}
	m.Log.Warn().Str("account_id", accountID).Str("request_id", requestID).Str("tx_id", res.Transaction.TxID).Msg("metered charge rolled back")
}

func meterOutcome(err error) string {
	switch {
	case errors.Is(err, ErrIdempotencyConflict):
		return "idempotency_conflict"
	case errors.Is(err, ErrIdempotencyInProgress):
		return "idempotency_in_progress"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrSynthesisFailed):
		return "synthesis_failed"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrBillingRequired):
		return "billing_required"
	}
	return "error"
}

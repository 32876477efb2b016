package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/http/middleware"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/services"
)

var unsafeFilenameChars = regexp.MustCompile(`[^a-z0-9-]`)

// audioFilename builds the download name for a synthesized clip. Only the
// stem is sanitized so the extension stays ".mp3".
func audioFilename(locale string, unixMilli int64) string {
	stem := strings.ToLower(fmt.Sprintf("tts-%s-%d", locale, unixMilli))
	return unsafeFilenameChars.ReplaceAllString(stem, "_") + ".mp3"
}

// SynthesizeSpeech serves POST /tts. The request is admitted, validated and
// rate limited here; billing and synthesis are the meter's job.
func (h *Handlers) SynthesizeSpeech(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	if err := h.meter.Admit(cred); err != nil {
		if errors.Is(err, services.ErrBillingRequired) {
			failWith(c, http.StatusPaymentRequired, ErrCodeBillingRequired, "", gin.H{"billingStatus": cred.BillingStatus})
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	var raw services.TTSPayload
	if !bindJSON(c, &raw) {
		return
	}
	payload, err := raw.Normalize()
	if err != nil {
		var pe *services.PayloadError
		switch {
		case errors.Is(err, services.ErrEmptyText):
			fail(c, http.StatusBadRequest, ErrCodeEmptyText, "")
		case errors.As(err, &pe):
			fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, pe.Message)
		default:
			fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "")
		}
		return
	}

	decision := h.limiter.Take(cred.KeyID+":"+c.ClientIP(), cred.RateLimitPerMinute)
	remaining := strconv.Itoa(max(0, decision.Remaining))
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(decision.RetryAfterSec))
		c.Header("X-Rate-Limit-Remaining", remaining)
		failWith(c, http.StatusTooManyRequests, ErrCodeRateLimited, "", gin.H{"retryAfterSec": decision.RetryAfterSec})
		return
	}

	key, _ := middleware.GetIdempotencyKey(c)
	res, err := h.meter.Serve(c.Request.Context(), services.MeterRequest{
		Credential:     cred,
		Payload:        payload,
		IdempotencyKey: key,
	})
	if err != nil {
		h.meterError(c, err)
		return
	}

	for k, v := range res.Headers {
		c.Header(k, v)
	}
	c.Header("X-Rate-Limit-Remaining", remaining)
	c.Header("X-Idempotent-Replay", strconv.FormatBool(res.Replay))
	c.Header("Cache-Control", "no-store")
	c.Header("Content-Disposition", `attachment; filename="`+audioFilename(payload.Locale, h.now().UnixMilli())+`"`)
	c.Data(http.StatusOK, "audio/mpeg", res.Audio)
}

// meterError maps a Serve failure to its response.
func (h *Handlers) meterError(c *gin.Context, err error) {
	var (
		quota   *services.QuotaError
		balance *services.InsufficientBalanceError
		synth   *services.SynthesisError
		pe      *services.PayloadError
	)
	switch {
	case errors.Is(err, services.ErrIdempotencyConflict):
		fail(c, http.StatusConflict, ErrCodeIdempotencyConflict, "")
	case errors.Is(err, services.ErrIdempotencyInProgress):
		fail(c, http.StatusConflict, ErrCodeIdempotencyInProgress, "")
	case errors.As(err, &quota):
		failWith(c, http.StatusTooManyRequests, ErrCodeQuotaExceeded, "", gin.H{
			"currentChars":          quota.CurrentChars,
			"monthlyHardLimitChars": quota.LimitChars,
		})
	case errors.As(err, &balance):
		failWith(c, http.StatusPaymentRequired, ErrCodeInsufficientBalance, "", gin.H{
			"balance_eur": money.ToEuros(balance.BalanceMicros),
		})
	case errors.As(err, &synth):
		fail(c, http.StatusInternalServerError, ErrCodeTTSFailed, synth.Err.Error())
	case errors.Is(err, services.ErrSynthesisFailed):
		fail(c, http.StatusInternalServerError, ErrCodeTTSFailed, "unknown_error")
	case errors.As(err, &pe):
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, pe.Message)
	case errors.Is(err, services.ErrInvalidPayload):
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

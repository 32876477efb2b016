// Package services defines the billing business logic: the wallet ledger,
// monthly summaries, idempotency, metering, auto-recharge, top-ups and
// payment webhooks. This file centralizes service-level error values so that
// they can be consistently returned by service methods and checked by callers.
//
// Translation into user-facing codes or HTTP status codes is performed at the
// handler layer.
package services

import (
	"errors"
	"fmt"
)

// Input validation errors.
var (
	// ErrInvalidAmount is returned when a ledger credit or debit is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidTxType is returned when a transaction type is unknown or its
	// metadata does not match the type.
	ErrInvalidTxType = errors.New("invalid transaction type or metadata")

	// ErrInvalidMonth is returned for a month key that is not "YYYY-MM".
	ErrInvalidMonth = errors.New("month must be YYYY-MM")

	// ErrInvalidPayload is returned when a metered request body fails validation.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrEmptyText is returned when the text to meter is empty after trimming.
	ErrEmptyText = errors.New("text is empty")

	// ErrInvalidAutoRechargeAmount is returned when the recharge amount is
	// below the minimum top-up.
	ErrInvalidAutoRechargeAmount = errors.New("auto-recharge amount below minimum top-up")

	// ErrInvalidAutoRechargeTrigger is returned when the trigger is not
	// positive or not below the recharge amount.
	ErrInvalidAutoRechargeTrigger = errors.New("auto-recharge trigger must be positive and below the amount")

	// ErrInvalidRedirectURL is returned when a checkout success or cancel URL
	// is not an absolute http(s) URL.
	ErrInvalidRedirectURL = errors.New("redirect url must be absolute http(s)")
)

// Credential errors.
var (
	// ErrInvalidAPIKey is returned for a missing, unknown or disabled credential.
	ErrInvalidAPIKey = errors.New("invalid api key")
)

// Metering errors.
var (
	// ErrIdempotencyConflict indicates the token was reused with a different body.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")

	// ErrIdempotencyInProgress indicates another request holds the token.
	ErrIdempotencyInProgress = errors.New("idempotent request already in progress")

	// ErrInsufficientBalance is matched by *InsufficientBalanceError.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrQuotaExceeded is matched by *QuotaError.
	ErrQuotaExceeded = errors.New("monthly character quota exceeded")

	// ErrSynthesisFailed is matched by *SynthesisError.
	ErrSynthesisFailed = errors.New("synthesis failed")

	// ErrBillingRequired is returned by the postpaid meter when the account's
	// billing status is not active.
	ErrBillingRequired = errors.New("billing required")
)

// Payment errors.
var (
	// ErrPaymentsUnavailable is returned when no payment provider is configured.
	ErrPaymentsUnavailable = errors.New("payment provider not configured")

	// ErrCheckoutUnavailable is returned when the provider returns no checkout URL.
	ErrCheckoutUnavailable = errors.New("checkout session has no url")

	// ErrPrepaidDisabled is returned by wallet-only operations in postpaid mode.
	ErrPrepaidDisabled = errors.New("prepaid billing disabled")

	// ErrMissingSignature is returned for a webhook delivery without a signature.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidSignature is returned when webhook verification fails.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrWebhookDecode is returned for a correctly signed event whose payload
	// cannot be read. The provider retries it.
	ErrWebhookDecode = errors.New("undecodable webhook event")

	// ErrWebhookInProgress is returned when another delivery of the same event
	// is being processed.
	ErrWebhookInProgress = errors.New("webhook event in progress")
)

// InsufficientBalanceError carries the wallet balance at rejection time.
type InsufficientBalanceError struct {
	BalanceMicros int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: %d micros", e.BalanceMicros)
}

// Is reports a match against ErrInsufficientBalance.
func (e *InsufficientBalanceError) Is(target error) bool { return target == ErrInsufficientBalance }

// QuotaError carries the monthly usage and the hard limit.
type QuotaError struct {
	CurrentChars int64
	LimitChars   int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %d chars", e.CurrentChars, e.LimitChars)
}

// Is reports a match against ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool { return target == ErrQuotaExceeded }

// SynthesisError wraps the synthesizer's failure.
type SynthesisError struct {
	Err error
}

func (e *SynthesisError) Error() string { return "synthesis failed: " + e.Err.Error() }

func (e *SynthesisError) Unwrap() error { return e.Err }

// Is reports a match against ErrSynthesisFailed.
func (e *SynthesisError) Is(target error) bool { return target == ErrSynthesisFailed }

// TopupAmountError is returned when a top-up request does not resolve to a
// valid amount. MinimumEUR is set when the amount is below the minimum.
type TopupAmountError struct {
	Reason     string
	MinimumEUR float64
}

func (e *TopupAmountError) Error() string { return "invalid top-up amount: " + e.Reason }

// PayloadError is an ErrInvalidPayload with a field-specific message.
type PayloadError struct {
	Message string
}

func (e *PayloadError) Error() string { return "invalid payload: " + e.Message }

// Is reports a match against ErrInvalidPayload.
func (e *PayloadError) Is(target error) bool { return target == ErrInvalidPayload }

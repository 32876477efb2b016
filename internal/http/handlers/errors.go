// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are the stable, machine-readable `error` field of every error body.
// Clients branch on them; messages are informational only.
//
// Example response:
//
//	HTTP/1.1 402 Payment Required
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "error": "insufficient_balance",
//	  "balance_eur": 0.42
//	}
package handlers

const (
	// Request shape
	ErrCodeInvalidJSON    = "invalid_json"
	ErrCodeInvalidPayload = "invalid_payload"
	ErrCodeEmptyText      = "empty_text"
	ErrCodeInvalidMonth   = "invalid_month"

	// Credentials and billing standing
	ErrCodeInvalidAPIKey          = "invalid_api_key"
	ErrCodeBillingRequired        = "billing_required"
	ErrCodeInsufficientBalance    = "insufficient_balance"
	ErrCodePrepaidBillingDisabled = "prepaid_billing_disabled"

	// Metering
	ErrCodeIdempotencyConflict   = "idempotency_conflict"
	ErrCodeIdempotencyInProgress = "idempotency_in_progress"
	ErrCodeRateLimited           = "rate_limited"
	ErrCodeQuotaExceeded         = "quota_exceeded"
	ErrCodeTTSFailed             = "tts_failed"

	// Top-ups and auto-recharge
	ErrCodeInvalidTopupAmount         = "invalid_topup_amount"
	ErrCodeStripeUnavailable          = "stripe_unavailable"
	ErrCodeCheckoutUnavailable        = "checkout_unavailable"
	ErrCodeInvalidAutoRechargeAmount  = "invalid_auto_recharge_amount"
	ErrCodeInvalidAutoRechargeTrigger = "invalid_auto_recharge_trigger"
	ErrCodeAutoRechargeUpdateFailed   = "unable_to_update_auto_recharge"

	// Provider webhooks
	ErrCodeMissingSignature        = "missing_signature"
	ErrCodeInvalidSignature        = "invalid_signature"
	ErrCodeWebhookInProgress       = "webhook_in_progress"
	ErrCodeWebhookProcessingFailed = "webhook_processing_failed"

	// Generic
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
)

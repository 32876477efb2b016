package services

import (
	"context"
	"time"
)

// Event types handled by the webhook processor.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventChargeRefunded       = "charge.refunded"
	EventPaymentIntentFailed  = "payment_intent.payment_failed"
	PaymentIntentSucceeded    = "succeeded"
	metadataAccountID         = "account_id"
	metadataTopupKind         = "topup_kind"
	metadataTopupMicros       = "topup_micros"
	sourceStripeCheckout      = "stripe_checkout"
	sourceStripeAutoCheckout  = "stripe_auto_checkout"
	sourceStripeAutoIntent    = "stripe_auto_payment_intent"
	sourceStripeRefund        = "stripe_refund"
	sourceMeteredUsage        = "tts_api"
	sourceMeteredRollback     = "tts_rollback"
	reasonSynthesisRollback   = "tts_generation_failed_rollback"
	autoRechargeNotConfigured = "auto_recharge_not_configured"
)

// PaymentGateway is the narrow surface of the payment provider used by
// top-ups, auto-recharge and webhook handling.
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, accountID string) (string, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (CheckoutSession, error)
	ChargeOffSession(ctx context.Context, p OffSessionCharge) (PaymentIntent, error)
	PaymentMethodForIntent(ctx context.Context, paymentIntentID string) (string, error)
	// ParseWebhook verifies signature over payload and returns the
	// normalized event. Verification failures wrap ErrInvalidSignature.
	ParseWebhook(payload []byte, signature string) (PaymentEvent, error)
}

// CheckoutParams describes a one-off EUR top-up checkout.
type CheckoutParams struct {
	CustomerID        string
	AmountCents       int64
	ProductName       string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
	SavePaymentMethod bool
}

// CheckoutSession is the provider's hosted checkout.
type CheckoutSession struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

// OffSessionCharge is a confirmed charge against a saved card.
type OffSessionCharge struct {
	CustomerID      string
	PaymentMethodID string
	AmountCents     int64
	IdempotencyKey  string
	Metadata        map[string]string
}

// PaymentIntent is the provider's view of a charge attempt.
type PaymentIntent struct {
	ID              string
	Status          string
	AmountCents     int64
	AmountReceived  int64
	PaymentMethodID string
}

// PaymentEvent is a verified webhook delivery. Exactly one of the payload
// pointers is set for handled types; all are nil for other types.
type PaymentEvent struct {
	ID       string
	Type     string
	Checkout *CheckoutCompleted
	Refund   *ChargeRefunded
	Failure  *PaymentFailed
}

// CheckoutCompleted is the payload of checkout.session.completed.
type CheckoutCompleted struct {
	SessionID        string
	CustomerID       string
	PaymentIntentID  string
	AmountTotalCents int64
	Metadata         map[string]string
}

// ChargeRefunded is the payload of charge.refunded. AmountRefundedCents is
// cumulative over the charge's lifetime.
type ChargeRefunded struct {
	ChargeID            string
	PaymentIntentID     string
	AmountRefundedCents int64
	Metadata            map[string]string
}

// PaymentFailed is the payload of payment_intent.payment_failed.
type PaymentFailed struct {
	PaymentIntentID string
	Message         string
	Metadata        map[string]string
}

package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

const paymentFailedFallback = "payment_intent_failed"

// ParseWebhook verifies the Stripe-Signature header and decodes the handled
// event types. Events signed by a different API version are accepted since
// only a few stable fields are read.
func (g *Gateway) ParseWebhook(payload []byte, signature string) (services.PaymentEvent, error) {
	if g.webhookSecret == "" {
		return services.PaymentEvent{}, fmt.Errorf("%w: %w", services.ErrPaymentsUnavailable, ErrNotConfigured)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return services.PaymentEvent{}, fmt.Errorf("%w: %v", services.ErrInvalidSignature, err)
	}
	out, err := decodeEvent(event)
	if err != nil {
		return out, fmt.Errorf("%w: %v", services.ErrWebhookDecode, err)
	}
	return out, nil
}

func decodeEvent(event stripe.Event) (services.PaymentEvent, error) {
	out := services.PaymentEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}
	raw := event.Data.Raw

	switch out.Type {
	case services.EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, fmt.Errorf("decode checkout session: %w", err)
		}
		c := &services.CheckoutCompleted{
			SessionID:        s.ID,
			AmountTotalCents: s.AmountTotal,
			Metadata:         s.Metadata,
		}
		if c.AmountTotalCents == 0 {
			c.AmountTotalCents = s.AmountSubtotal
		}
		if s.Customer != nil {
			c.CustomerID = s.Customer.ID
		}
		if s.PaymentIntent != nil {
			c.PaymentIntentID = s.PaymentIntent.ID
		}
		out.Checkout = c

	case services.EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(raw, &ch); err != nil {
			return out, fmt.Errorf("decode charge: %w", err)
		}
		r := &services.ChargeRefunded{
			ChargeID:            ch.ID,
			AmountRefundedCents: ch.AmountRefunded,
			Metadata:            ch.Metadata,
		}
		if ch.PaymentIntent != nil {
			r.PaymentIntentID = ch.PaymentIntent.ID
		}
		out.Refund = r

	case services.EventPaymentIntentFailed:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw, &pi); err != nil {
			return out, fmt.Errorf("decode payment intent: %w", err)
		}
		msg := paymentFailedFallback
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			msg = pi.LastPaymentError.Msg
		}
		out.Failure = &services.PaymentFailed{
			PaymentIntentID: pi.ID,
			Message:         msg,
			Metadata:        pi.Metadata,
		}
	}
	if out.ID == "" {
		return out, errors.New("event without id")
	}
	return out, nil
}

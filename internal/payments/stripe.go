// Package payments adapts Stripe to services.PaymentGateway. It owns every
// stripe-go import in the module: customers, hosted checkout, off-session
// PaymentIntents and webhook verification.
package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

const currencyEUR = "eur"

// Gateway talks to Stripe through a per-instance client so tests and
// multiple keys never touch stripe-go's global state.
type Gateway struct {
	api           *client.API
	webhookSecret string
}

var _ services.PaymentGateway = (*Gateway)(nil)

// NewGateway builds a gateway for secretKey. webhookSecret may be empty, in
// which case ParseWebhook rejects every delivery.
func NewGateway(secretKey, webhookSecret string) *Gateway {
	return newGateway(secretKey, webhookSecret, nil)
}

func newGateway(secretKey, webhookSecret string, backends *stripe.Backends) *Gateway {
	sc := &client.API{}
	sc.Init(secretKey, backends)
	return &Gateway{api: sc, webhookSecret: webhookSecret}
}

// CreateCustomer creates a provider customer tagged with the account id.
func (g *Gateway) CreateCustomer(ctx context.Context, accountID string) (string, error) {
	params := &stripe.CustomerParams{
		Metadata: map[string]string{"account_id": accountID},
	}
	params.Context = ctx
	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", mapStripeError(err)
	}
	return c.ID, nil
}

// CreateCheckoutSession opens a one-item EUR payment checkout. The metadata
// is copied onto the session and onto the resulting PaymentIntent so both
// the checkout and the refund webhooks can resolve the account.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, p services.CheckoutParams) (services.CheckoutSession, error) {
	if p.AmountCents <= 0 {
		return services.CheckoutSession{}, errors.New("checkout amount must be positive")
	}
	intentData := &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: copyMetadata(p.Metadata),
	}
	if p.SavePaymentMethod {
		intentData.SetupFutureUsage = stripe.String(string(stripe.PaymentIntentSetupFutureUsageOffSession))
	}
	params := &stripe.CheckoutSessionParams{
		Customer:           stripe.String(p.CustomerID),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currencyEUR),
				UnitAmount: stripe.Int64(p.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.ProductName),
				},
			},
		}},
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		Metadata:          copyMetadata(p.Metadata),
		PaymentIntentData: intentData,
	}
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return services.CheckoutSession{}, mapStripeError(err)
	}
	out := services.CheckoutSession{ID: s.ID, URL: s.URL}
	if s.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(s.ExpiresAt, 0).UTC()
	}
	return out, nil
}

// ChargeOffSession confirms a PaymentIntent against a saved card without the
// cardholder present. A non-succeeded status is returned as data, not as an
// error; only transport and card errors are errors.
func (g *Gateway) ChargeOffSession(ctx context.Context, p services.OffSessionCharge) (services.PaymentIntent, error) {
	if p.CustomerID == "" || p.PaymentMethodID == "" {
		return services.PaymentIntent{}, errors.New("customer and payment method are required")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.AmountCents),
		Currency:      stripe.String(currencyEUR),
		Customer:      stripe.String(p.CustomerID),
		PaymentMethod: stripe.String(p.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Metadata:      copyMetadata(p.Metadata),
	}
	if p.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(p.IdempotencyKey)
	}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return services.PaymentIntent{}, mapStripeError(err)
	}
	return toIntent(pi), nil
}

// PaymentMethodForIntent returns the payment method attached to an intent,
// or "" when none is attached yet.
func (g *Gateway) PaymentMethodForIntent(ctx context.Context, paymentIntentID string) (string, error) {
	if strings.TrimSpace(paymentIntentID) == "" {
		return "", nil
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.api.PaymentIntents.Get(paymentIntentID, params)
	if err != nil {
		return "", mapStripeError(err)
	}
	if pi.PaymentMethod == nil {
		return "", nil
	}
	return pi.PaymentMethod.ID, nil
}

func toIntent(pi *stripe.PaymentIntent) services.PaymentIntent {
	out := services.PaymentIntent{
		ID:             pi.ID,
		Status:         string(pi.Status),
		AmountCents:    pi.Amount,
		AmountReceived: pi.AmountReceived,
	}
	if pi.PaymentMethod != nil {
		out.PaymentMethodID = pi.PaymentMethod.ID
	}
	return out
}

func copyMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

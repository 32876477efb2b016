package payments

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v79"
)

var (
	// ErrDeclined is returned when the card issuer refused the charge.
	ErrDeclined = errors.New("payment declined")

	// ErrAuthenticationRequired is returned when an off-session charge needs
	// the cardholder to complete 3-D Secure.
	ErrAuthenticationRequired = errors.New("payment requires authentication")

	// ErrProviderDown is returned for provider-side 5xx responses.
	ErrProviderDown = errors.New("payment provider unavailable")

	// ErrNotConfigured is returned when the gateway was built without a key.
	ErrNotConfigured = errors.New("payment provider not configured")
)

// mapStripeError converts provider errors into package errors so that stripe
// types stay inside this package. The provider message is kept for the
// auto-recharge last_error field.
func mapStripeError(err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("stripe: %w", err)
	}
	msg := se.Msg
	if msg == "" {
		msg = string(se.Code)
	}
	switch se.Code {
	case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeExpiredCard, stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		return fmt.Errorf("%w: %s", ErrDeclined, msg)
	case stripe.ErrorCodeAuthenticationRequired:
		return fmt.Errorf("%w: %s", ErrAuthenticationRequired, msg)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrProviderDown, msg)
	}
	return fmt.Errorf("stripe %s: %s", se.Type, msg)
}

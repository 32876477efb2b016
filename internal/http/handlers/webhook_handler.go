package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

// WebhookAck is the 200 body returned to the payment provider.
type WebhookAck struct {
	Received bool `json:"received"`
	Deduped  bool `json:"deduped,omitempty"`
}

// StripeWebhook verifies and applies a provider event. The raw body is passed
// through untouched because the signature covers the exact bytes.
func (h *Handlers) StripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "unreadable body")
		return
	}

	res, err := h.webhooks.Receive(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		ok(c, http.StatusOK, WebhookAck{Received: true, Deduped: res.Deduped})
	case errors.Is(err, services.ErrPaymentsUnavailable):
		fail(c, http.StatusServiceUnavailable, ErrCodeStripeUnavailable, "")
	case errors.Is(err, services.ErrMissingSignature):
		fail(c, http.StatusBadRequest, ErrCodeMissingSignature, "")
	case errors.Is(err, services.ErrInvalidSignature):
		fail(c, http.StatusBadRequest, ErrCodeInvalidSignature, "")
	case errors.Is(err, services.ErrWebhookInProgress):
		fail(c, http.StatusConflict, ErrCodeWebhookInProgress, "")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeWebhookProcessingFailed, err.Error())
	}
}

package payments

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/tbourn/go-prepaid-billing/internal/services"
)

const testSecret = "whsec_test"

func sign(t *testing.T, payload string) string {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func TestParseWebhook_CheckoutCompleted(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_1","object":"event","api_version":"2020-08-27","type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","object":"checkout.session","customer":"cus_1","payment_intent":"pi_1",
		"amount_total":2500,"metadata":{"account_id":"acct_1","topup_kind":"manual"}}}}`

	ev, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, services.EventCheckoutCompleted, ev.Type)
	require.NotNil(t, ev.Checkout)
	assert.Equal(t, "cs_1", ev.Checkout.SessionID)
	assert.Equal(t, "cus_1", ev.Checkout.CustomerID)
	assert.Equal(t, "pi_1", ev.Checkout.PaymentIntentID)
	assert.EqualValues(t, 2500, ev.Checkout.AmountTotalCents)
	assert.Equal(t, "acct_1", ev.Checkout.Metadata["account_id"])
	assert.Nil(t, ev.Refund)
	assert.Nil(t, ev.Failure)
}

func TestParseWebhook_ChargeRefunded(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_2","object":"event","type":"charge.refunded",
		"data":{"object":{"id":"ch_1","object":"charge","payment_intent":"pi_1","amount_refunded":250,
		"metadata":{"account_id":"acct_1"}}}}`

	ev, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	require.NotNil(t, ev.Refund)
	assert.Equal(t, "ch_1", ev.Refund.ChargeID)
	assert.Equal(t, "pi_1", ev.Refund.PaymentIntentID)
	assert.EqualValues(t, 250, ev.Refund.AmountRefundedCents)
	assert.Equal(t, "acct_1", ev.Refund.Metadata["account_id"])
}

func TestParseWebhook_PaymentFailed(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_3","object":"event","type":"payment_intent.payment_failed",
		"data":{"object":{"id":"pi_2","object":"payment_intent","metadata":{"account_id":"acct_2"},
		"last_payment_error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}}}`

	ev, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	require.NotNil(t, ev.Failure)
	assert.Equal(t, "pi_2", ev.Failure.PaymentIntentID)
	assert.Equal(t, "Your card was declined.", ev.Failure.Message)
	assert.Equal(t, "acct_2", ev.Failure.Metadata["account_id"])

	payload = `{"id":"evt_4","object":"event","type":"payment_intent.payment_failed",
		"data":{"object":{"id":"pi_3","object":"payment_intent"}}}`
	ev, err = g.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, paymentFailedFallback, ev.Failure.Message)
}

func TestParseWebhook_UnhandledTypeHasNoPayload(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_5","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`

	ev, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	require.NoError(t, err)
	assert.Equal(t, "customer.created", ev.Type)
	assert.Nil(t, ev.Checkout)
	assert.Nil(t, ev.Refund)
	assert.Nil(t, ev.Failure)
}

func TestParseWebhook_RejectsBadSignature(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_6","object":"event","type":"charge.refunded","data":{"object":{}}}`

	_, err := g.ParseWebhook([]byte(payload), "t=1,v1=deadbeef")
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrInvalidSignature))

	tampered := sign(t, payload)
	_, err = g.ParseWebhook([]byte(payload+" "), tampered)
	assert.True(t, errors.Is(err, services.ErrInvalidSignature))
}

func TestParseWebhook_SignedButUndecodable(t *testing.T) {
	g := NewGateway("sk_test_123", testSecret)
	payload := `{"id":"evt_8","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1","object":"charge","amount_refunded":"lots"}}}`

	_, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	require.Error(t, err)
	assert.True(t, errors.Is(err, services.ErrWebhookDecode))
	assert.False(t, errors.Is(err, services.ErrInvalidSignature))
}

func TestParseWebhook_WithoutSecret(t *testing.T) {
	g := NewGateway("sk_test_123", "")
	payload := `{"id":"evt_7","object":"event","type":"charge.refunded","data":{"object":{}}}`

	_, err := g.ParseWebhook([]byte(payload), sign(t, payload))
	assert.True(t, errors.Is(err, services.ErrPaymentsUnavailable))
	assert.True(t, errors.Is(err, ErrNotConfigured))
	assert.False(t, errors.Is(err, services.ErrInvalidSignature))
}

package services

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

// TopupPacks are the fixed top-up packs in EUR.
var TopupPacks = map[string]float64{
	"pack_5":  5,
	"pack_10": 10,
	"pack_25": 25,
	"pack_50": 50,
}

// TopupRequest is the checkout-session request body. Exactly one of PackID
// and AmountEUR must be set.
type TopupRequest struct {
	PackID            string   `json:"pack_id,omitempty"`
	AmountEUR         *float64 `json:"amount_eur,omitempty"`
	SuccessURL        string   `json:"success_url"`
	CancelURL         string   `json:"cancel_url"`
	SavePaymentMethod *bool    `json:"save_payment_method,omitempty"`
}

// Validate checks the shape of the request; amount rules are applied by
// ResolveTopupAmount.
func (r TopupRequest) Validate() error {
	if !isHTTPURL(r.SuccessURL) || !isHTTPURL(r.CancelURL) {
		return ErrInvalidRedirectURL
	}
	if r.PackID != "" {
		if _, ok := TopupPacks[r.PackID]; !ok {
			return &PayloadError{Message: "unknown pack_id"}
		}
	}
	return nil
}

// TopupSession is the checkout-session response.
type TopupSession struct {
	AmountEUR         float64 `json:"amount_eur"`
	CheckoutSessionID string  `json:"checkout_session_id"`
	CheckoutURL       string  `json:"checkout_url"`
	Currency          string  `json:"currency"`
	ExpiresAt         *int64  `json:"expires_at"`
}

// ResolveTopupAmount turns a pack id or a free amount into EUR and micros.
// Free amounts are rounded to cents; anything below MinTopupEUR is rejected.
func ResolveTopupAmount(packID string, amountEUR *float64) (float64, int64, error) {
	hasPack, hasAmount := packID != "", amountEUR != nil
	if hasPack == hasAmount {
		return 0, 0, &TopupAmountError{Reason: "exactly one of pack_id and amount_eur is required", MinimumEUR: MinTopupEUR}
	}
	var eur float64
	if hasPack {
		v, ok := TopupPacks[packID]
		if !ok {
			return 0, 0, &TopupAmountError{Reason: "unknown pack", MinimumEUR: MinTopupEUR}
		}
		eur = v
	} else {
		eur = money.RoundEuros2(*amountEUR)
	}
	micros := money.FromEuros(eur)
	if !(eur >= MinTopupEUR) || micros < money.FromEuros(MinTopupEUR) {
		return 0, 0, &TopupAmountError{Reason: "below minimum", MinimumEUR: MinTopupEUR}
	}
	return eur, micros, nil
}

// Topups creates provider checkout sessions for manual wallet top-ups.
type Topups struct {
	Store   store.CustomerStore
	Gateway PaymentGateway // nil when payments are not configured
	Log     zerolog.Logger
	Now     func() time.Time
}

// CreateCheckoutSession resolves the amount, ensures a provider customer for
// the account and opens a hosted checkout. The session metadata is stored so
// the completion webhook does not depend on the provider echoing it back.
func (s *Topups) CreateCheckoutSession(ctx context.Context, accountID string, req TopupRequest) (TopupSession, error) {
	ctx, span := otel.Tracer("services/Topups").Start(ctx, "CreateCheckoutSession",
		trace.WithAttributes(attribute.String("account.id", accountID)),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		return TopupSession{}, err
	}
	eur, micros, err := ResolveTopupAmount(req.PackID, req.AmountEUR)
	if err != nil {
		return TopupSession{}, err
	}
	if s.Gateway == nil {
		return TopupSession{}, ErrPaymentsUnavailable
	}
	save := true
	if req.SavePaymentMethod != nil {
		save = *req.SavePaymentMethod
	}

	customerID, err := s.Store.CustomerForAccount(ctx, accountID)
	if err != nil {
		return TopupSession{}, fmt.Errorf("get customer: %w", err)
	}
	if customerID == "" {
		if customerID, err = s.Gateway.CreateCustomer(ctx, accountID); err != nil {
			return TopupSession{}, err
		}
		if err := s.Store.LinkCustomer(ctx, accountID, customerID); err != nil {
			return TopupSession{}, fmt.Errorf("link customer: %w", err)
		}
	}

	sess, err := s.Gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:  customerID,
		AmountCents: money.ToCents(micros),
		ProductName: fmt.Sprintf("API Wallet Top-up €%.2f", eur),
		SuccessURL:  req.SuccessURL,
		CancelURL:   req.CancelURL,
		Metadata: map[string]string{
			metadataAccountID:   accountID,
			metadataTopupKind:   domain.TopupKindManual,
			metadataTopupMicros: strconv.FormatInt(micros, 10),
		},
		SavePaymentMethod: save,
	})
	if err != nil {
		return TopupSession{}, err
	}

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	if err := s.Store.PutCheckoutSession(ctx, sess.ID, domain.CheckoutSessionMeta{
		AccountID:         accountID,
		AmountMicros:      micros,
		CreatedAt:         now,
		SavePaymentMethod: save,
		Source:            domain.TopupKindManual,
	}); err != nil {
		return TopupSession{}, fmt.Errorf("store checkout session: %w", err)
	}
	if sess.URL == "" {
		return TopupSession{}, ErrCheckoutUnavailable
	}

	out := TopupSession{
		AmountEUR:         eur,
		CheckoutSessionID: sess.ID,
		CheckoutURL:       sess.URL,
		Currency:          domain.Currency,
	}
	if !sess.ExpiresAt.IsZero() {
		exp := sess.ExpiresAt.Unix()
		out.ExpiresAt = &exp
	}
	s.Log.Info().Str("account_id", accountID).Str("checkout_session_id", sess.ID).Int64("amount_micros", micros).Msg("checkout session created")
	return out, nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// Package services – Webhooks
//
// Webhooks applies verified payment-provider events to wallets exactly once
// per event id. The event lock is taken with set-if-absent and a short TTL;
// a failed handler releases it so the provider's retry can reprocess, and a
// processed event stays deduplicated for the retention window.

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/repo"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

const webhookProvider = "stripe"

// EventOutcome is the result of Webhooks.Begin.
type EventOutcome int

const (
	EventAcquired EventOutcome = iota
	EventInProgress
	EventDone
)

// WebhookResult tells the handler how to answer the provider.
type WebhookResult struct {
	Deduped bool
}

// WebhookStore is the subset of store.Store the processor needs.
type WebhookStore interface {
	store.EventStore
	store.RefundCursorStore
	store.CustomerStore
}

// Webhooks processes provider events.
type Webhooks struct {
	Store        WebhookStore
	Ledger       *Ledger
	AutoRecharge *AutoRecharge
	Gateway      PaymentGateway // nil when payments are not configured
	DB           *gorm.DB       // optional audit trail
	Log          zerolog.Logger
	Now          func() time.Time
}

func (s *Webhooks) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Begin takes the processing lock for eventID.
func (s *Webhooks) Begin(ctx context.Context, eventID string) (EventOutcome, error) {
	ok, err := s.Store.AcquireEvent(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("acquire event: %w", err)
	}
	if ok {
		return EventAcquired, nil
	}
	state, err := s.Store.EventState(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("event state: %w", err)
	}
	switch state {
	case domain.EventProcessed:
		return EventDone, nil
	case domain.EventProcessing:
		return EventInProgress, nil
	default:
		// The lock expired between the two calls; try once more.
		if ok, err := s.Store.AcquireEvent(ctx, eventID); err != nil {
			return 0, fmt.Errorf("acquire event: %w", err)
		} else if ok {
			return EventAcquired, nil
		}
		return EventInProgress, nil
	}
}

// Complete marks eventID processed.
func (s *Webhooks) Complete(ctx context.Context, eventID string) error {
	if err := s.Store.MarkEventProcessed(ctx, eventID); err != nil {
		return fmt.Errorf("complete event: %w", err)
	}
	return nil
}

// Abort releases the lock if the event is still processing.
func (s *Webhooks) Abort(ctx context.Context, eventID string) error {
	if err := s.Store.ReleaseEvent(ctx, eventID); err != nil {
		return fmt.Errorf("abort event: %w", err)
	}
	return nil
}

// Receive verifies and processes one delivery. It returns ErrPaymentsUnavailable,
// ErrMissingSignature, ErrInvalidSignature or ErrWebhookDecode before
// touching any state,
// ErrWebhookInProgress while another delivery holds the lock, and the
// handler's error after releasing the lock.
func (s *Webhooks) Receive(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	if s.Gateway == nil {
		return WebhookResult{}, ErrPaymentsUnavailable
	}
	if strings.TrimSpace(signature) == "" {
		return WebhookResult{}, ErrMissingSignature
	}
	ev, err := s.Gateway.ParseWebhook(payload, signature)
	switch {
	case errors.Is(err, ErrPaymentsUnavailable), errors.Is(err, ErrWebhookDecode):
		return WebhookResult{}, err
	case err != nil:
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return s.Process(ctx, ev)
}

// Process applies a verified event exactly once.
func (s *Webhooks) Process(ctx context.Context, ev PaymentEvent) (WebhookResult, error) {
	ctx, span := otel.Tracer("services/Webhooks").Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.Type),
		),
	)
	defer span.End()

	s.audit(ctx, ev, nil, false)

	outcome, err := s.Begin(ctx, ev.ID)
	if err != nil {
		return WebhookResult{}, err
	}
	switch outcome {
	case EventDone:
		observability.WebhookEvents.WithLabelValues(ev.Type, "deduped").Inc()
		return WebhookResult{Deduped: true}, nil
	case EventInProgress:
		observability.WebhookEvents.WithLabelValues(ev.Type, "in_progress").Inc()
		return WebhookResult{}, ErrWebhookInProgress
	}

	if herr := s.handle(ctx, ev); herr != nil {
		if aerr := s.Abort(context.WithoutCancel(ctx), ev.ID); aerr != nil {
			s.Log.Error().Err(aerr).Str("event_id", ev.ID).Msg("webhook: release lock failed")
		}
		s.Log.Error().Err(herr).Str("event_id", ev.ID).Str("event_type", ev.Type).Msg("webhook processing failed")
		observability.WebhookEvents.WithLabelValues(ev.Type, "failed").Inc()
		s.audit(ctx, ev, herr, true)
		return WebhookResult{}, herr
	}
	if err := s.Complete(ctx, ev.ID); err != nil {
		return WebhookResult{}, err
	}
	observability.WebhookEvents.WithLabelValues(ev.Type, "processed").Inc()
	s.audit(ctx, ev, nil, true)
	return WebhookResult{}, nil
}

func (s *Webhooks) handle(ctx context.Context, ev PaymentEvent) error {
	switch {
	case ev.Type == EventCheckoutCompleted && ev.Checkout != nil:
		return s.checkoutCompleted(ctx, ev.Checkout)
	case ev.Type == EventChargeRefunded && ev.Refund != nil:
		return s.chargeRefunded(ctx, ev.Refund)
	case ev.Type == EventPaymentIntentFailed && ev.Failure != nil:
		return s.paymentFailed(ctx, ev.Failure)
	}
	return nil
}

func (s *Webhooks) checkoutCompleted(ctx context.Context, c *CheckoutCompleted) error {
	stored, err := s.Store.GetCheckoutSession(ctx, c.SessionID)
	if err != nil {
		return fmt.Errorf("get checkout session: %w", err)
	}
	accountID := c.Metadata[metadataAccountID]
	if accountID == "" && stored != nil {
		accountID = stored.AccountID
	}
	if accountID == "" && c.CustomerID != "" {
		if accountID, err = s.Store.AccountForCustomer(ctx, c.CustomerID); err != nil {
			return fmt.Errorf("account for customer: %w", err)
		}
	}
	if accountID == "" {
		s.Log.Warn().Str("checkout_session_id", c.SessionID).Msg("webhook: checkout without resolvable account")
		return nil
	}
	if c.CustomerID != "" {
		if err := s.Store.LinkCustomer(ctx, accountID, c.CustomerID); err != nil {
			return fmt.Errorf("link customer: %w", err)
		}
	}

	pm := s.paymentMethodFor(ctx, c.PaymentIntentID)

	amount := money.FromCents(max(0, c.AmountTotalCents))
	if stored != nil && stored.AmountMicros > 0 {
		amount = stored.AmountMicros
	}
	if amount > 0 {
		kind := c.Metadata[metadataTopupKind]
		if kind == "" && stored != nil {
			kind = stored.Source
		}
		txType, source := domain.TxTopupCredit, sourceStripeCheckout
		if kind == domain.TopupKindAuto {
			txType, source = domain.TxAutoTopupCredit, sourceStripeAutoCheckout
		}
		if _, err := s.Ledger.Credit(ctx, DeltaInput{
			AccountID:    accountID,
			AmountMicros: amount,
			Type:         txType,
			Source:       source,
			StripeRef:    c.SessionID,
			Meta:         domain.TopupMeta{CheckoutSessionID: c.SessionID, PaymentIntentID: c.PaymentIntentID},
		}); err != nil {
			return err
		}
	}

	if pm != "" {
		if _, err := s.AutoRecharge.SetPaymentMethod(ctx, accountID, pm); err != nil {
			s.Log.Warn().Err(err).Str("account_id", accountID).Msg("webhook: store payment method failed")
		}
	}
	return nil
}

// paymentMethodFor looks up the card used by a checkout. Lookup failures are
// logged and yield "" so a credited session is never retried for it.
func (s *Webhooks) paymentMethodFor(ctx context.Context, paymentIntentID string) string {
	if paymentIntentID == "" || s.Gateway == nil {
		return ""
	}
	pm, err := s.Gateway.PaymentMethodForIntent(ctx, paymentIntentID)
	if err != nil {
		s.Log.Warn().Err(err).Str("payment_intent_id", paymentIntentID).Msg("webhook: payment method lookup failed")
		return ""
	}
	return pm
}

func (s *Webhooks) chargeRefunded(ctx context.Context, r *ChargeRefunded) error {
	accountID := r.Metadata[metadataAccountID]
	if accountID == "" {
		return nil
	}
	cumulative := money.FromCents(max(0, r.AmountRefundedCents))
	delta, err := s.Store.ConsumeRefundDelta(ctx, r.ChargeID, cumulative)
	if err != nil {
		return fmt.Errorf("consume refund delta: %w", err)
	}
	if delta <= 0 {
		return nil
	}
	_, err = s.Ledger.Debit(ctx, DeltaInput{
		AccountID:     accountID,
		AmountMicros:  delta,
		Type:          domain.TxRefundDebit,
		Source:        sourceStripeRefund,
		StripeRef:     r.ChargeID,
		Meta:          domain.RefundMeta{ChargeID: r.ChargeID, PaymentIntentID: r.PaymentIntentID},
		AllowNegative: true,
	})
	if err != nil {
		// The retry must see the same delta again.
		if rerr := s.Store.RestoreRefundDelta(context.WithoutCancel(ctx), r.ChargeID, cumulative, delta); rerr != nil {
			s.Log.Error().Err(rerr).Str("charge_id", r.ChargeID).Int64("delta_micros", delta).Msg("webhook: restore refund cursor failed")
		}
		return err
	}
	return nil
}

func (s *Webhooks) paymentFailed(ctx context.Context, f *PaymentFailed) error {
	accountID := f.Metadata[metadataAccountID]
	if accountID == "" {
		return nil
	}
	msg := f.Message
	if msg == "" {
		msg = "payment_intent_failed"
	}
	_, err := s.AutoRecharge.MarkFailure(ctx, accountID, msg)
	return err
}

// audit records the delivery in webhook_events. Failures are logged only.
func (s *Webhooks) audit(ctx context.Context, ev PaymentEvent, procErr error, finished bool) {
	if s.DB == nil {
		return
	}
	var err error
	if finished {
		err = repo.RecordWebhookOutcome(ctx, s.DB, webhookProvider, ev.ID, procErr, s.now())
	} else {
		err = repo.RecordWebhookReceived(ctx, s.DB, webhookProvider, ev.ID, ev.Type, s.now())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.Log.Warn().Err(err).Str("event_id", ev.ID).Msg("webhook: audit write failed")
	}
}

// Package services – AutoRecharge
//
// AutoRecharge owns the per-account auto-recharge config and the off-session
// top-up attempted when a metered debit finds the wallet short. Config
// changes are read-modify-write cycles serialized by the store's account
// lock. Provider failures are recorded on the config and never returned to
// the metered caller.

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/money"
	"github.com/tbourn/go-prepaid-billing/internal/observability"
	"github.com/tbourn/go-prepaid-billing/internal/store"
)

const (
	// MinTopupEUR is the platform minimum for top-ups and recharge amounts.
	MinTopupEUR = 5.0

	defaultAutoTriggerEUR = 2.0
	defaultAutoAmountEUR  = 10.0
	maxLastErrorLen       = 200
)

// AutoRechargeDefaults are the trigger and amount of an unconfigured account.
type AutoRechargeDefaults struct {
	TriggerMicros int64
	AmountMicros  int64
}

// NewAutoRechargeDefaults validates configured defaults, falling back to a
// 2 EUR trigger and a 10 EUR amount when unset or out of range.
func NewAutoRechargeDefaults(triggerEUR, amountEUR float64) AutoRechargeDefaults {
	if !(triggerEUR > 0) {
		triggerEUR = defaultAutoTriggerEUR
	}
	if !(amountEUR >= MinTopupEUR) {
		amountEUR = defaultAutoAmountEUR
	}
	return AutoRechargeDefaults{
		TriggerMicros: money.FromEuros(triggerEUR),
		AmountMicros:  money.FromEuros(amountEUR),
	}
}

// AutoRechargeInput is a config update.
type AutoRechargeInput struct {
	Enabled    bool    `json:"enabled"`
	TriggerEUR float64 `json:"trigger_eur"`
	AmountEUR  float64 `json:"amount_eur"`
}

// RechargeResult reports whether a recharge was attempted and whether the
// wallet was credited.
type RechargeResult struct {
	Attempted bool
	Succeeded bool
}

// AutoRechargeStore is the subset of store.Store auto-recharge needs.
type AutoRechargeStore interface {
	store.AutoRechargeStore
	store.WalletStore
	CustomerForAccount(ctx context.Context, accountID string) (string, error)
}

// AutoRecharge manages auto-recharge configs and off-session top-ups.
type AutoRecharge struct {
	Store    AutoRechargeStore
	Ledger   *Ledger
	Gateway  PaymentGateway // nil when payments are not configured
	Defaults AutoRechargeDefaults
	Log      zerolog.Logger
	Now      func() time.Time
}

func (s *AutoRecharge) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *AutoRecharge) defaults() AutoRechargeDefaults {
	if s.Defaults.TriggerMicros <= 0 || s.Defaults.AmountMicros <= 0 {
		return NewAutoRechargeDefaults(0, 0)
	}
	return s.Defaults
}

// Get returns the stored config or the disabled default.
func (s *AutoRecharge) Get(ctx context.Context, accountID string) (domain.AutoRechargeConfig, error) {
	cfg, ok, err := s.Store.GetAutoRecharge(ctx, accountID)
	if err != nil {
		return domain.AutoRechargeConfig{}, fmt.Errorf("get auto-recharge: %w", err)
	}
	if !ok {
		d := s.defaults()
		return domain.AutoRechargeConfig{
			TriggerMicros: d.TriggerMicros,
			AmountMicros:  d.AmountMicros,
			Status:        domain.AutoRechargeDisabled,
		}, nil
	}
	return cfg, nil
}

// View renders cfg for API responses.
func View(cfg domain.AutoRechargeConfig) domain.AutoRechargeView {
	return domain.AutoRechargeView{
		AmountEUR:       money.ToEuros(cfg.AmountMicros),
		Enabled:         cfg.Enabled,
		LastError:       optString(cfg.LastError),
		PaymentMethodID: optString(cfg.PaymentMethodID),
		Status:          cfg.Status,
		TriggerEUR:      money.ToEuros(cfg.TriggerMicros),
		UpdatedAt:       cfg.UpdatedAt,
	}
}

// Set validates and stores a config change. The payment method on file is
// kept; last_error survives only while enabled.
func (s *AutoRecharge) Set(ctx context.Context, accountID string, in AutoRechargeInput) (domain.AutoRechargeConfig, error) {
	amount := money.FromEuros(in.AmountEUR)
	trigger := money.FromEuros(in.TriggerEUR)
	if amount < money.FromEuros(MinTopupEUR) {
		return domain.AutoRechargeConfig{}, ErrInvalidAutoRechargeAmount
	}
	if trigger <= 0 || trigger >= amount {
		return domain.AutoRechargeConfig{}, ErrInvalidAutoRechargeTrigger
	}
	return s.update(ctx, accountID, func(cfg *domain.AutoRechargeConfig) {
		cfg.Enabled = in.Enabled
		cfg.AmountMicros = amount
		cfg.TriggerMicros = trigger
		if !in.Enabled {
			cfg.LastError = ""
		}
		cfg.Status = domain.StatusFor(cfg.Enabled, cfg.PaymentMethodID)
	})
}

// MarkFailure records msg as the last error.
func (s *AutoRecharge) MarkFailure(ctx context.Context, accountID, msg string) (domain.AutoRechargeConfig, error) {
	if len(msg) > maxLastErrorLen {
		msg = msg[:maxLastErrorLen]
	}
	return s.update(ctx, accountID, func(cfg *domain.AutoRechargeConfig) {
		cfg.LastError = msg
		if cfg.Enabled {
			cfg.Status = domain.AutoRechargeFailed
		} else {
			cfg.Status = domain.AutoRechargeDisabled
		}
	})
}

// MarkActive clears the last error after a successful recharge.
func (s *AutoRecharge) MarkActive(ctx context.Context, accountID string) (domain.AutoRechargeConfig, error) {
	return s.update(ctx, accountID, func(cfg *domain.AutoRechargeConfig) {
		cfg.LastError = ""
		if cfg.Enabled {
			cfg.Status = domain.AutoRechargeActive
		} else {
			cfg.Status = domain.AutoRechargeDisabled
		}
	})
}

// SetPaymentMethod stores the card on file and recomputes the status.
func (s *AutoRecharge) SetPaymentMethod(ctx context.Context, accountID, paymentMethodID string) (domain.AutoRechargeConfig, error) {
	return s.update(ctx, accountID, func(cfg *domain.AutoRechargeConfig) {
		cfg.PaymentMethodID = paymentMethodID
		cfg.Status = domain.StatusFor(cfg.Enabled, paymentMethodID)
	})
}

func (s *AutoRecharge) update(ctx context.Context, accountID string, mutate func(*domain.AutoRechargeConfig)) (domain.AutoRechargeConfig, error) {
	unlock, err := s.Store.LockAccount(ctx, accountID)
	if err != nil {
		return domain.AutoRechargeConfig{}, fmt.Errorf("lock auto-recharge: %w", err)
	}
	defer unlock()

	cfg, err := s.Get(ctx, accountID)
	if err != nil {
		return domain.AutoRechargeConfig{}, err
	}
	mutate(&cfg)
	now := s.now()
	cfg.UpdatedAt = &now
	if err := s.Store.PutAutoRecharge(ctx, accountID, cfg); err != nil {
		return domain.AutoRechargeConfig{}, fmt.Errorf("put auto-recharge: %w", err)
	}
	return cfg, nil
}

// MaybeRecharge tops the wallet up off-session when auto-recharge is enabled
// and the balance is at or below the trigger. requestHash scopes the
// provider idempotency key so a retried request cannot charge twice.
// Returned errors are store failures only.
func (s *AutoRecharge) MaybeRecharge(ctx context.Context, accountID string, pendingChargeMicros int64, requestHash string) (RechargeResult, error) {
	ctx, span := otel.Tracer("services/AutoRecharge").Start(ctx, "MaybeRecharge",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.Int64("pending.micros", pendingChargeMicros),
		),
	)
	defer span.End()

	cfg, err := s.Get(ctx, accountID)
	if err != nil {
		return RechargeResult{}, err
	}
	if !cfg.Enabled {
		return RechargeResult{}, nil
	}
	w, err := s.Store.GetWallet(ctx, accountID)
	if err != nil {
		return RechargeResult{}, fmt.Errorf("get wallet: %w", err)
	}
	if w.BalanceMicros > cfg.TriggerMicros {
		return RechargeResult{}, nil
	}

	customerID, err := s.Store.CustomerForAccount(ctx, accountID)
	if err != nil {
		return RechargeResult{}, fmt.Errorf("get customer: %w", err)
	}
	if s.Gateway == nil || customerID == "" || cfg.PaymentMethodID == "" {
		return s.fail(ctx, accountID, autoRechargeNotConfigured)
	}

	hash := requestHash
	if len(hash) > 64 {
		hash = hash[:64]
	}
	intent, err := s.Gateway.ChargeOffSession(ctx, OffSessionCharge{
		CustomerID:      customerID,
		PaymentMethodID: cfg.PaymentMethodID,
		AmountCents:     money.ToCents(cfg.AmountMicros),
		IdempotencyKey:  "auto_topup:" + accountID + ":" + hash,
		Metadata: map[string]string{
			metadataAccountID: accountID,
			metadataTopupKind: domain.TopupKindAuto,
		},
	})
	if err != nil {
		return s.fail(ctx, accountID, err.Error())
	}
	if intent.Status != PaymentIntentSucceeded {
		return s.fail(ctx, accountID, "payment_intent_"+intent.Status)
	}
	amount := money.FromCents(intent.AmountReceived)
	if amount <= 0 {
		return s.fail(ctx, accountID, "invalid_auto_topup_amount")
	}

	if intent.PaymentMethodID != "" {
		if _, err := s.SetPaymentMethod(ctx, accountID, intent.PaymentMethodID); err != nil {
			return s.fail(ctx, accountID, err.Error())
		}
	}
	if _, err := s.Ledger.Credit(ctx, DeltaInput{
		AccountID:    accountID,
		AmountMicros: amount,
		Type:         domain.TxAutoTopupCredit,
		Source:       sourceStripeAutoIntent,
		StripeRef:    intent.ID,
		Meta:         domain.TopupMeta{PaymentIntentID: intent.ID, TopupKind: domain.TopupKindAuto},
	}); err != nil {
		return s.fail(ctx, accountID, err.Error())
	}
	if _, err := s.MarkActive(ctx, accountID); err != nil {
		// The wallet was credited; report success and leave the status stale.
		s.Log.Warn().Err(err).Str("account_id", accountID).Msg("auto-recharge: mark active failed")
	}

	observability.AutoRecharges.WithLabelValues("succeeded").Inc()
	s.Log.Info().Str("account_id", accountID).Str("payment_intent_id", intent.ID).Int64("amount_micros", amount).Msg("auto-recharge succeeded")
	return RechargeResult{Attempted: true, Succeeded: true}, nil
}

func (s *AutoRecharge) fail(ctx context.Context, accountID, msg string) (RechargeResult, error) {
	observability.AutoRecharges.WithLabelValues("failed").Inc()
	s.Log.Warn().Str("account_id", accountID).Str("reason", msg).Msg("auto-recharge failed")
	if _, err := s.MarkFailure(ctx, accountID, msg); err != nil {
		return RechargeResult{Attempted: true}, errors.Join(errors.New("mark auto-recharge failure"), err)
	}
	return RechargeResult{Attempted: true}, nil
}

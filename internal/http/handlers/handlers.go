// Billing HTTP handlers.
//
// This file declares the service contracts consumed by the handlers and the
// Handlers type that groups every endpoint:
//   - POST  /tts                              (metered synthesis)
//   - GET   /billing/wallet                   (prepaid only)
//   - GET   /billing/transactions             (prepaid only)
//   - GET   /billing/summary                  (both modes)
//   - GET   /billing/auto-recharge            (prepaid only)
//   - PATCH /billing/auto-recharge            (prepaid only)
//   - POST  /billing/topups/checkout-session  (prepaid only)
//   - POST  /payments/stripe/webhook          (prepaid only)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results and typed errors into HTTP responses.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/http/middleware"
	"github.com/tbourn/go-prepaid-billing/internal/services"
)

//
// Service contracts (context-aware)
//

// WalletService reads the public wallet view of an account.
type WalletService interface {
	Balance(ctx context.Context, accountID string) (domain.WalletBalance, error)
}

// LedgerService pages through an account's wallet transactions.
type LedgerService interface {
	ListTransactions(ctx context.Context, accountID, cursor string, limit int) (services.TransactionPage, error)
}

// SummaryService returns the prepaid month summary.
type SummaryService interface {
	BillingSummary(ctx context.Context, accountID, month string) (services.BillingSummary, error)
}

// LegacySummaryService returns the postpaid month summary.
type LegacySummaryService interface {
	Summary(ctx context.Context, accountID, month string) (services.LegacySummary, error)
}

// AutoRechargeService reads and updates auto-recharge settings.
type AutoRechargeService interface {
	Get(ctx context.Context, accountID string) (domain.AutoRechargeConfig, error)
	Set(ctx context.Context, accountID string, in services.AutoRechargeInput) (domain.AutoRechargeConfig, error)
}

// TopupService opens provider checkout sessions.
type TopupService interface {
	CreateCheckoutSession(ctx context.Context, accountID string, req services.TopupRequest) (services.TopupSession, error)
}

// WebhookService verifies and applies provider webhook deliveries.
type WebhookService interface {
	Receive(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error)
}

// RateLimiter admits metered requests against a per-minute budget.
// *middleware.RateLimiter implements it.
type RateLimiter interface {
	Take(key string, perMinute int) middleware.Decision
}

//
// Handler wiring
//

// Deps lists the collaborators of Handlers. Services that only exist in
// prepaid mode may be nil when Meter is the postpaid meter.
type Deps struct {
	Meter        services.Meter
	Limiter      RateLimiter
	Wallets      WalletService
	Ledger       LedgerService
	Summaries    SummaryService
	Legacy       LegacySummaryService
	AutoRecharge AutoRechargeService
	Topups       TopupService
	Webhooks     WebhookService
	Now          func() time.Time
}

// Handlers groups the billing endpoints.
type Handlers struct {
	meter        services.Meter
	limiter      RateLimiter
	wallets      WalletService
	ledger       LedgerService
	summaries    SummaryService
	legacy       LegacySummaryService
	autoRecharge AutoRechargeService
	topups       TopupService
	webhooks     WebhookService
	now          func() time.Time
}

// New constructs Handlers from d.
func New(d Deps) *Handlers {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handlers{
		meter:        d.Meter,
		limiter:      d.Limiter,
		wallets:      d.Wallets,
		ledger:       d.Ledger,
		summaries:    d.Summaries,
		legacy:       d.Legacy,
		autoRecharge: d.AutoRecharge,
		topups:       d.Topups,
		webhooks:     d.Webhooks,
		now:          now,
	}
}

// prepaid reports whether the wallet endpoints are enabled.
func (h *Handlers) prepaid() bool {
	return h.meter != nil && h.meter.Prepaid()
}

// RequirePrepaid answers 404 prepaid_billing_disabled on wallet-only routes
// when the server runs the postpaid meter. It runs before authentication.
func (h *Handlers) RequirePrepaid() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.prepaid() {
			fail(c, http.StatusNotFound, ErrCodePrepaidBillingDisabled, "")
			return
		}
		c.Next()
	}
}

// credential returns the authenticated credential or writes 401.
func credential(c *gin.Context) (services.Credential, bool) {
	cred, found := middleware.CredentialFrom(c)
	if !found {
		fail(c, http.StatusUnauthorized, ErrCodeInvalidAPIKey, "")
		return services.Credential{}, false
	}
	return cred, true
}

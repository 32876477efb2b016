package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
	"github.com/tbourn/go-prepaid-billing/internal/services"
	"github.com/tbourn/go-prepaid-billing/internal/utils"
)

const (
	defaultTxPageSize = 20
	maxTxPageSize     = 100
)

//
// DTOs
//

// AutoRechargePatchRequest is the PATCH /billing/auto-recharge body. All
// three fields are required.
type AutoRechargePatchRequest struct {
	Enabled    *bool    `json:"enabled"`
	TriggerEUR *float64 `json:"trigger_eur"`
	AmountEUR  *float64 `json:"amount_eur"`
}

//
// Handlers
//

// GetWallet returns the balance and auto-recharge view of the caller's wallet.
func (h *Handlers) GetWallet(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	w, err := h.wallets.Balance(c.Request.Context(), cred.AccountID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, w)
}

// ListTransactions returns one page of wallet transactions, newest first.
// Query: cursor (opaque, from next_cursor) and limit (default 20, max 100).
func (h *Handlers) ListTransactions(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	limit := utils.PageLimit(c.Query("limit"), defaultTxPageSize, maxTxPageSize)
	page, err := h.ledger.ListTransactions(c.Request.Context(), cred.AccountID, c.Query("cursor"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	ok(c, http.StatusOK, page)
}

// GetSummary returns the month summary in the active billing mode. The month
// defaults to the current UTC month; a present but malformed month is 400.
func (h *Handlers) GetSummary(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	month, given := c.GetQuery("month")
	if !given {
		month = domain.MonthKey(h.now())
	}
	if !domain.ValidMonthKey(month) {
		fail(c, http.StatusBadRequest, ErrCodeInvalidMonth, "month must be YYYY-MM")
		return
	}

	ctx := c.Request.Context()
	var (
		body any
		err  error
	)
	if h.prepaid() {
		body, err = h.summaries.BillingSummary(ctx, cred.AccountID, month)
	} else {
		body, err = h.legacy.Summary(ctx, cred.AccountID, month)
	}
	switch {
	case errors.Is(err, services.ErrInvalidMonth):
		fail(c, http.StatusBadRequest, ErrCodeInvalidMonth, "month must be YYYY-MM")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	default:
		ok(c, http.StatusOK, body)
	}
}

// GetAutoRecharge returns the caller's auto-recharge settings.
func (h *Handlers) GetAutoRecharge(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	cfg, err := h.autoRecharge.Get(c.Request.Context(), cred.AccountID)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, services.View(cfg))
}

// PatchAutoRecharge replaces the caller's auto-recharge settings.
func (h *Handlers) PatchAutoRecharge(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	var req AutoRechargePatchRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Enabled == nil || req.TriggerEUR == nil || req.AmountEUR == nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "enabled, trigger_eur and amount_eur are required")
		return
	}

	cfg, err := h.autoRecharge.Set(c.Request.Context(), cred.AccountID, services.AutoRechargeInput{
		Enabled:    *req.Enabled,
		TriggerEUR: *req.TriggerEUR,
		AmountEUR:  *req.AmountEUR,
	})
	switch {
	case errors.Is(err, services.ErrInvalidAutoRechargeAmount):
		fail(c, http.StatusBadRequest, ErrCodeInvalidAutoRechargeAmount, "")
	case errors.Is(err, services.ErrInvalidAutoRechargeTrigger):
		fail(c, http.StatusBadRequest, ErrCodeInvalidAutoRechargeTrigger, "")
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeAutoRechargeUpdateFailed, err.Error())
	default:
		ok(c, http.StatusOK, services.View(cfg))
	}
}

// CreateCheckoutSession opens a hosted checkout for a manual top-up.
func (h *Handlers) CreateCheckoutSession(c *gin.Context) {
	cred, found := credential(c)
	if !found {
		return
	}
	var req services.TopupRequest
	if !bindJSON(c, &req) {
		return
	}

	sess, err := h.topups.CreateCheckoutSession(c.Request.Context(), cred.AccountID, req)
	if err != nil {
		var (
			amountErr *services.TopupAmountError
			pe        *services.PayloadError
		)
		switch {
		case errors.As(err, &amountErr):
			failWith(c, http.StatusBadRequest, ErrCodeInvalidTopupAmount, amountErr.Reason, gin.H{"minimum_eur": amountErr.MinimumEUR})
		case errors.As(err, &pe):
			fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, pe.Message)
		case errors.Is(err, services.ErrInvalidRedirectURL):
			fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "success_url and cancel_url must be absolute http(s) URLs")
		case errors.Is(err, services.ErrPaymentsUnavailable):
			fail(c, http.StatusServiceUnavailable, ErrCodeStripeUnavailable, "")
		case errors.Is(err, services.ErrCheckoutUnavailable):
			fail(c, http.StatusInternalServerError, ErrCodeCheckoutUnavailable, "")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, sess)
}

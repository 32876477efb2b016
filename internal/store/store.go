// Package store holds billing state behind a key-value abstraction with two
// implementations: Redis (atomic Lua scripts, SET NX, hash counters, redsync
// locks) for multi-process deployments and an in-process Memory store guarded
// by mutexes for single-process use and tests. The implementation is chosen
// once at startup; callers only see the interfaces below.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// Retention windows.
const (
	RetentionTTL      = 400 * 24 * time.Hour
	IdempotencyTTL    = 7 * 24 * time.Hour
	EventLockTTL      = 5 * time.Minute
	EventProcessedTTL = 400 * 24 * time.Hour
)

// ErrLockNotAcquired is returned by LockAccount when the lock stays held
// elsewhere past the retry budget.
var ErrLockNotAcquired = errors.New("store: account lock not acquired")

// ErrInvalidCommit is returned for a WalletCommit without a transaction id.
var ErrInvalidCommit = errors.New("store: wallet commit without transaction")

// DeltaResult is the outcome of an atomic balance change. When OK is false
// the balance was left unchanged and BalanceMicros is the current value.
type DeltaResult struct {
	OK            bool
	BalanceMicros int64
}

// WalletCommit is one balance change together with the records it
// produces: the transaction, the month summary increment for the
// transaction's UTC month and, for top-ups, last_topup_at. Tx.CreatedAt is
// the commit time.
type WalletCommit struct {
	AccountID     string
	DeltaMicros   int64
	AllowNegative bool
	Tx            domain.Transaction
	Summary       domain.MonthSummary
	MarkTopup     bool
}

// WalletStore owns per-account balances.
type WalletStore interface {
	// CommitWalletDelta reads the balance, rejects the change if it would go
	// negative and AllowNegative is false, and otherwise writes the balance,
	// the transaction and the summary increment. Either all of it is applied
	// or none of it is.
	CommitWalletDelta(ctx context.Context, c WalletCommit) (DeltaResult, error)
	GetWallet(ctx context.Context, accountID string) (domain.Wallet, error)
}

// TransactionLog is the per-account transaction history. Transactions are
// only written through CommitWalletDelta.
type TransactionLog interface {
	// ListTransactions returns newest-first transactions in [offset, offset+limit)
	// and the total count for the account.
	ListTransactions(ctx context.Context, accountID string, offset, limit int) ([]domain.Transaction, int, error)
}

// SummaryStore keeps per-(account, month) counters.
type SummaryStore interface {
	IncrMonthSummary(ctx context.Context, accountID, month string, delta domain.MonthSummary) error
	GetMonthSummary(ctx context.Context, accountID, month string) (domain.MonthSummary, error)
}

// IdempotencyStore holds prepaid idempotency records with IdempotencyTTL.
type IdempotencyStore interface {
	// CreateIdempotency writes rec only if no record exists (set-if-absent)
	// and reports whether it did.
	CreateIdempotency(ctx context.Context, accountID, token string, rec domain.IdempotencyRecord) (bool, error)
	// GetIdempotency returns nil when the record is missing or unreadable.
	GetIdempotency(ctx context.Context, accountID, token string) (*domain.IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, accountID, token string, rec domain.IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, accountID, token string) error
}

// EventStore deduplicates provider webhook events.
type EventStore interface {
	// AcquireEvent sets the event to processing with EventLockTTL if absent.
	AcquireEvent(ctx context.Context, eventID string) (bool, error)
	EventState(ctx context.Context, eventID string) (domain.EventState, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
	// ReleaseEvent deletes the event only while it is still processing.
	ReleaseEvent(ctx context.Context, eventID string) error
}

// RefundCursorStore tracks the highest cumulative refund seen per charge.
type RefundCursorStore interface {
	// ConsumeRefundDelta advances the charge's high-water mark to
	// cumulativeMicros and returns the increment, or 0 if the value is not
	// above the mark.
	ConsumeRefundDelta(ctx context.Context, chargeID string, cumulativeMicros int64) (int64, error)
	// RestoreRefundDelta moves the mark back by deltaMicros after the
	// debit for a consumed delta failed. It does nothing unless the mark
	// still equals cumulativeMicros.
	RestoreRefundDelta(ctx context.Context, chargeID string, cumulativeMicros, deltaMicros int64) error
}

// CustomerStore maps accounts to payment-provider customers and stores
// checkout session metadata.
type CustomerStore interface {
	CustomerForAccount(ctx context.Context, accountID string) (string, error)
	AccountForCustomer(ctx context.Context, customerID string) (string, error)
	LinkCustomer(ctx context.Context, accountID, customerID string) error
	PutCheckoutSession(ctx context.Context, sessionID string, meta domain.CheckoutSessionMeta) error
	GetCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSessionMeta, error)
}

// AutoRechargeStore persists auto-recharge configs. LockAccount serializes
// read-modify-write cycles on one account's config; the returned func
// releases the lock.
type AutoRechargeStore interface {
	GetAutoRecharge(ctx context.Context, accountID string) (domain.AutoRechargeConfig, bool, error)
	PutAutoRecharge(ctx context.Context, accountID string, cfg domain.AutoRechargeConfig) error
	LockAccount(ctx context.Context, accountID string) (func(), error)
}

// Store is the full billing state surface.
type Store interface {
	WalletStore
	TransactionLog
	SummaryStore
	IdempotencyStore
	EventStore
	RefundCursorStore
	CustomerStore
	AutoRechargeStore
}

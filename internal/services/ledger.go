// Package services – Ledger
//
// Ledger owns every wallet mutation. A credit or debit is one atomic store
// commit: the balance read, the invariant check, the balance write, the
// Transaction append and the month summary increment either all happen or
// none do. Committed entries are then mirrored into the SQLite journal for
// audit.

package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
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
	"github.com/tbourn/go-prepaid-billing/internal/utils"
)

const (
	defaultTxPageSize = 20
	maxTxPageSize     = 100
)

// LedgerStore is the subset of store.Store the ledger uses.
type LedgerStore interface {
	store.WalletStore
	store.TransactionLog
}

// DeltaInput describes one wallet mutation. AmountMicros is the positive
// magnitude; the sign follows from Credit or Debit.
type DeltaInput struct {
	AccountID     string
	AmountMicros  int64
	Type          domain.TxType
	Source        string
	RequestID     string
	StripeRef     string
	Meta          domain.TxMeta
	AllowNegative bool
}

// DeltaResult is the outcome of Credit or Debit. OK is false only for a
// rejected debit, in which case BalanceMicros is the unchanged balance and
// Transaction is nil.
type DeltaResult struct {
	OK            bool
	BalanceMicros int64
	Transaction   *domain.Transaction
}

// TransactionPage is one page of an account's history, newest first.
type TransactionPage struct {
	NextCursor   *string              `json:"next_cursor"`
	Transactions []domain.Transaction `json:"transactions"`
}

// Ledger applies wallet credits and debits.
type Ledger struct {
	Store LedgerStore
	DB    *gorm.DB // optional audit journal
	Log   zerolog.Logger
	Now   func() time.Time
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// Credit adds in.AmountMicros to the wallet. Credits never fail the balance
// invariant.
func (l *Ledger) Credit(ctx context.Context, in DeltaInput) (DeltaResult, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "Credit",
		trace.WithAttributes(
			attribute.String("account.id", in.AccountID),
			attribute.String("tx.type", string(in.Type)),
			attribute.Int64("amount.micros", in.AmountMicros),
		),
	)
	defer span.End()

	if err := validateDelta(in); err != nil {
		return DeltaResult{}, err
	}
	in.AllowNegative = true
	res, err := l.commit(ctx, in, in.AmountMicros)
	if err != nil {
		return DeltaResult{}, fmt.Errorf("apply credit: %w", err)
	}
	return res, nil
}

// Debit subtracts in.AmountMicros. Unless in.AllowNegative is set, a debit
// that would take the balance below zero is rejected with OK=false and the
// wallet is left untouched.
func (l *Ledger) Debit(ctx context.Context, in DeltaInput) (DeltaResult, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "Debit",
		trace.WithAttributes(
			attribute.String("account.id", in.AccountID),
			attribute.String("tx.type", string(in.Type)),
			attribute.Int64("amount.micros", in.AmountMicros),
		),
	)
	defer span.End()

	if err := validateDelta(in); err != nil {
		return DeltaResult{}, err
	}
	res, err := l.commit(ctx, in, -in.AmountMicros)
	if err != nil {
		return DeltaResult{}, fmt.Errorf("apply debit: %w", err)
	}
	if !res.OK {
		span.SetAttributes(attribute.Bool("debit.rejected", true))
	}
	return res, nil
}

// Wallet returns the stored wallet. Unknown accounts have a zero balance.
func (l *Ledger) Wallet(ctx context.Context, accountID string) (domain.Wallet, error) {
	w, err := l.Store.GetWallet(ctx, accountID)
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

// ListTransactions pages through an account's history. cursor is the
// decimal offset returned as NextCursor by the previous page; limit defaults
// to 20 and is clamped to [1, 100].
func (l *Ledger) ListTransactions(ctx context.Context, accountID, cursor string, limit int) (TransactionPage, error) {
	ctx, span := otel.Tracer("services/Ledger").Start(ctx, "ListTransactions",
		trace.WithAttributes(
			attribute.String("account.id", accountID),
			attribute.String("cursor", cursor),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if limit <= 0 {
		limit = defaultTxPageSize
	}
	limit = min(limit, maxTxPageSize)
	offset := utils.OffsetCursor(cursor)

	items, total, err := l.Store.ListTransactions(ctx, accountID, offset, limit)
	if err != nil {
		return TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	page := TransactionPage{
		Transactions: items,
		NextCursor:   utils.NextOffsetCursor(offset, len(items), total),
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	return page, nil
}

func validateDelta(in DeltaInput) error {
	if in.AmountMicros <= 0 {
		return ErrInvalidAmount
	}
	if !in.Type.Valid() || !domain.MetaMatches(in.Type, in.Meta) {
		return ErrInvalidTxType
	}
	return nil
}

// commit builds the transaction for in and hands the balance change, the
// transaction and its summary increment to the store as one step.
func (l *Ledger) commit(ctx context.Context, in DeltaInput, signed int64) (DeltaResult, error) {
	source := in.Source
	if source == "" {
		source = "unknown"
	}
	tx := domain.Transaction{
		TxID:         "tx_" + uuid.NewString(),
		AccountID:    in.AccountID,
		Type:         in.Type,
		AmountMicros: signed,
		AmountEUR:    money.ToEuros(signed),
		Currency:     domain.Currency,
		Source:       source,
		RequestID:    optString(in.RequestID),
		StripeRef:    optString(in.StripeRef),
		CreatedAt:    l.now(),
		Meta:         in.Meta,
	}
	res, err := l.Store.CommitWalletDelta(ctx, store.WalletCommit{
		AccountID:     in.AccountID,
		DeltaMicros:   signed,
		AllowNegative: in.AllowNegative,
		Tx:            tx,
		Summary:       SummaryDelta(tx),
		MarkTopup:     in.Type.IsTopup(),
	})
	if err != nil {
		return DeltaResult{}, err
	}
	if !res.OK {
		return DeltaResult{OK: false, BalanceMicros: res.BalanceMicros}, nil
	}

	observability.WalletMutations.WithLabelValues(string(tx.Type)).Inc()
	observability.WalletMicros.WithLabelValues(string(tx.Type)).Add(float64(abs64(signed)))
	l.journal(ctx, tx)
	return DeltaResult{OK: true, BalanceMicros: res.BalanceMicros, Transaction: &tx}, nil
}

// journal mirrors tx into ledger_entries. Failures are logged; the store
// remains the source of truth for balances.
func (l *Ledger) journal(ctx context.Context, tx domain.Transaction) {
	if l.DB == nil {
		return
	}
	meta, err := domain.EncodeMeta(tx.Meta)
	if err != nil {
		l.Log.Warn().Err(err).Str("tx_id", tx.TxID).Msg("journal: encode meta")
		return
	}
	entry := &domain.LedgerEntry{
		TxID:         tx.TxID,
		AccountID:    tx.AccountID,
		Type:         string(tx.Type),
		AmountMicros: tx.AmountMicros,
		Source:       tx.Source,
		RequestID:    tx.RequestID,
		StripeRef:    tx.StripeRef,
		MetaJSON:     meta,
		CreatedAt:    tx.CreatedAt,
	}
	if err := repo.AppendLedgerEntry(ctx, l.DB, entry); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		l.Log.Warn().Err(err).Str("tx_id", tx.TxID).Str("account_id", tx.AccountID).Msg("journal: append failed")
	}
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

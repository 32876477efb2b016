// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the durable ledger journal, an audit
// copy of every wallet transaction.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// AppendLedgerEntry inserts e. Re-appending the same tx id returns
// ErrDuplicate.
func AppendLedgerEntry(ctx context.Context, db *gorm.DB, e *domain.LedgerEntry) error {
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ListLedgerEntries returns an account's entries newest first.
func ListLedgerEntries(ctx context.Context, db *gorm.DB, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, tx_id DESC").
		Offset(offset).Limit(limit).
		Find(&out).Error
	return out, err
}

// LedgerBalance sums an account's journaled amounts. It is used to reconcile
// the journal against the wallet balance held in the store.
func LedgerBalance(ctx context.Context, db *gorm.DB, accountID string) (int64, error) {
	var sum struct{ Total int64 }
	err := db.WithContext(ctx).Model(&domain.LedgerEntry{}).
		Select("COALESCE(SUM(amount_micros), 0) AS total").
		Where("account_id = ?", accountID).
		Scan(&sum).Error
	return sum.Total, err
}

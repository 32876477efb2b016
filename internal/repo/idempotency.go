// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the postpaid idempotency records used
// to make metered requests safe to retry.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// Postpaid idempotency statuses.
const (
	IdemProcessing = "processing"
	IdemCompleted  = "completed"
)

// GetIdempotency returns a non-expired record or ErrNotFound.
func GetIdempotency(ctx context.Context, db *gorm.DB, accountID, key string, now time.Time) (*domain.Idempotency, error) {
	var rec domain.Idempotency
	err := db.WithContext(ctx).
		Where("account_id = ? AND key = ? AND expires_at > ?", accountID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreateIdempotency inserts a processing record and returns ErrDuplicate when
// a live record already exists. An expired record for the same key is
// removed first so the token can be reused after retention.
func CreateIdempotency(ctx context.Context, db *gorm.DB, accountID, key, requestHash string, ttl time.Duration) (*domain.Idempotency, error) {
	now := time.Now().UTC()
	if err := db.WithContext(ctx).
		Where("account_id = ? AND key = ? AND expires_at <= ?", accountID, key, now).
		Delete(&domain.Idempotency{}).Error; err != nil {
		return nil, err
	}
	rec := &domain.Idempotency{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Key:         key,
		RequestHash: requestHash,
		Status:      IdemProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicate(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// CompleteIdempotency marks the record completed and links the request id.
func CompleteIdempotency(ctx context.Context, db *gorm.DB, accountID, key, requestID string, ttl time.Duration) error {
	res := db.WithContext(ctx).Model(&domain.Idempotency{}).
		Where("account_id = ? AND key = ?", accountID, key).
		Updates(map[string]any{
			"status":     IdemCompleted,
			"request_id": requestID,
			"expires_at": time.Now().UTC().Add(ttl),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteIdempotency removes the record for (accountID, key), if any.
func DeleteIdempotency(ctx context.Context, db *gorm.DB, accountID, key string) error {
	return db.WithContext(ctx).
		Where("account_id = ? AND key = ?", accountID, key).
		Delete(&domain.Idempotency{}).Error
}

// DeleteExpiredIdempotency purges records whose retention has elapsed and
// returns how many rows were removed.
func DeleteExpiredIdempotency(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&domain.Idempotency{})
	return res.RowsAffected, res.Error
}

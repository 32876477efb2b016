// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file stores postpaid usage events.
package repo

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// CreateUsageEvent inserts ev. Reusing a request id returns ErrDuplicate.
func CreateUsageEvent(ctx context.Context, db *gorm.DB, ev *domain.UsageEvent) error {
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetUsageEvent loads the usage event for requestID or returns ErrNotFound.
func GetUsageEvent(ctx context.Context, db *gorm.DB, requestID string) (*domain.UsageEvent, error) {
	var ev domain.UsageEvent
	err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

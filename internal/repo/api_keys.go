// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides lookups for provisioned API keys.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// FindAPIKeyByHash returns the key whose SHA-256 hex digest is hash, or
// ErrNotFound.
func FindAPIKeyByHash(ctx context.Context, db *gorm.DB, hash string) (*domain.APIKey, error) {
	var k domain.APIKey
	err := db.WithContext(ctx).Where("key_hash = ?", hash).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey inserts k, generating its ID when empty. A clash on key id or
// hash returns ErrDuplicate.
func CreateAPIKey(ctx context.Context, db *gorm.DB, k *domain.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Create(k).Error; err != nil {
		if isDuplicate(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// TouchAPIKey records the last time the key authenticated a request.
func TouchAPIKey(ctx context.Context, db *gorm.DB, keyID string, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("key_id = ?", keyID).
		UpdateColumn("last_used_at", at.UTC()).Error
}

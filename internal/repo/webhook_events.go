// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file records provider webhook deliveries for audit.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-prepaid-billing/internal/domain"
)

// RecordWebhookReceived upserts the audit row for (provider, eventID) and
// increments its attempt counter.
func RecordWebhookReceived(ctx context.Context, db *gorm.DB, provider, eventID, eventType string, at time.Time) error {
	row := &domain.WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventID:    eventID,
		Type:       eventType,
		Attempts:   1,
		ReceivedAt: at.UTC(),
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "provider"}, {Name: "event_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"attempts":    gorm.Expr("attempts + 1"),
			"received_at": at.UTC(),
		}),
	}).Create(row).Error
}

// RecordWebhookOutcome stores the processing result. A nil procErr marks the
// event processed.
func RecordWebhookOutcome(ctx context.Context, db *gorm.DB, provider, eventID string, procErr error, at time.Time) error {
	updates := map[string]any{}
	if procErr == nil {
		ts := at.UTC()
		updates["processed_at"] = &ts
		updates["processing_error"] = nil
	} else {
		msg := procErr.Error()
		updates["processing_error"] = &msg
	}
	return db.WithContext(ctx).Model(&domain.WebhookEvent{}).
		Where("provider = ? AND event_id = ?", provider, eventID).
		Updates(updates).Error
}

// GetWebhookEvent returns the audit row or ErrNotFound.
func GetWebhookEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := db.WithContext(ctx).Where("provider = ? AND event_id = ?", provider, eventID).First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// PruneWebhookEvents deletes audit rows received before cutoff.
func PruneWebhookEvents(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("received_at < ?", cutoff).Delete(&domain.WebhookEvent{})
	return res.RowsAffected, res.Error
}

package domain

import "time"

// Idempotency is the postpaid idempotency record, keyed by (account_id, key).
// While Status is "processing" the request is in flight; once "completed",
// RequestID points at the UsageEvent to replay.
type Idempotency struct {
	ID          string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	AccountID   string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_account_key,priority:1"`
	Key         string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_account_key,priority:2"`
	RequestHash string    `gorm:"type:TEXT NOT NULL"`
	RequestID   string    `gorm:"type:TEXT NOT NULL;default:''"`
	Status      string    `gorm:"type:TEXT NOT NULL"`
	CreatedAt   time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt   time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }

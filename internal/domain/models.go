package domain

import (
	"time"

	"gorm.io/gorm"
)

// Key and billing statuses for API credentials.
const (
	KeyStatusActive   = "active"
	KeyStatusDisabled = "disabled"

	BillingStatusActive          = "active"
	BillingStatusDunning         = "dunning"
	BillingStatusNoPaymentMethod = "no_payment_method"
)

// APIKey is a provisioned API credential. Only the SHA-256 hex digest of the
// secret is stored.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - AccountID: owning account; indexed.
//   - KeyID: public key identifier used for rate limiting and usage events.
//   - KeyHash: lowercase hex SHA-256 of the bearer secret (unique).
//   - Status: "active" or "disabled".
//   - BillingStatus: "active", "dunning" or "no_payment_method".
//   - MonthlyHardLimitChars: optional monthly character cap (nil means none).
//   - RateLimitPerMinute: per-key request budget.
//   - LastUsedAt: updated on every authenticated request.
type APIKey struct {
	ID                    string         `json:"id"                       gorm:"type:char(36);primaryKey"`
	AccountID             string         `json:"account_id"               gorm:"type:varchar(64);not null;index:idx_api_keys_account"`
	KeyID                 string         `json:"key_id"                   gorm:"type:varchar(64);not null;uniqueIndex:ux_api_keys_key_id"`
	KeyHash               string         `json:"-"                        gorm:"type:char(64);not null;uniqueIndex:ux_api_keys_hash"`
	Status                string         `json:"status"                   gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','disabled')"`
	BillingStatus         string         `json:"billing_status"           gorm:"type:varchar(32);not null;default:'active'"`
	MonthlyHardLimitChars *int64         `json:"monthly_hard_limit_chars"`
	RateLimitPerMinute    int            `json:"rate_limit_per_minute"    gorm:"not null;default:120"`
	LastUsedAt            *time.Time     `json:"last_used_at"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `json:"-"                        gorm:"index"`
}

// TableName returns the database table name for APIKey.
func (APIKey) TableName() string { return "api_keys" }

// LedgerEntry is the durable audit copy of a wallet Transaction.
type LedgerEntry struct {
	TxID         string    `json:"tx_id"         gorm:"type:varchar(64);primaryKey"`
	AccountID    string    `json:"account_id"    gorm:"type:varchar(64);not null;index:idx_ledger_account_created,priority:1"`
	Type         string    `json:"type"          gorm:"type:varchar(32);not null"`
	AmountMicros int64     `json:"amount_micros" gorm:"not null"`
	Source       string    `json:"source"        gorm:"type:varchar(64);not null"`
	RequestID    *string   `json:"request_id"    gorm:"type:varchar(64);index"`
	StripeRef    *string   `json:"stripe_ref"    gorm:"type:varchar(255)"`
	MetaJSON     string    `json:"meta_json"     gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"    gorm:"index:idx_ledger_account_created,priority:2"`
}

// TableName returns the database table name for LedgerEntry.
func (LedgerEntry) TableName() string { return "ledger_entries" }

// WebhookEvent is the audit trail of provider webhook deliveries. One row
// per provider event id; Attempts counts deliveries that reached processing.
type WebhookEvent struct {
	ID              string    `gorm:"type:char(36);primaryKey"`
	Provider        string    `gorm:"type:varchar(32);not null;uniqueIndex:ux_webhook_provider_event,priority:1"`
	EventID         string    `gorm:"type:varchar(255);not null;uniqueIndex:ux_webhook_provider_event,priority:2"`
	Type            string    `gorm:"type:varchar(128);not null"`
	Attempts        int       `gorm:"not null;default:0"`
	ReceivedAt      time.Time `gorm:"not null;index"`
	ProcessedAt     *time.Time
	ProcessingError *string `gorm:"type:text"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// UsageEvent is one metered request under postpaid billing. Charges are
// stored in micro-USD.
type UsageEvent struct {
	RequestID              string    `json:"request_id"                 gorm:"type:varchar(64);primaryKey"`
	AccountID              string    `json:"account_id"                 gorm:"type:varchar(64);not null;index:idx_usage_account_month,priority:1"`
	MonthUTC               string    `json:"-"                          gorm:"type:char(7);not null;index:idx_usage_account_month,priority:2"`
	DayUTC                 string    `json:"-"                          gorm:"type:char(10);not null"`
	KeyID                  string    `json:"key_id"                     gorm:"type:varchar(64);not null"`
	Chars                  int64     `json:"chars"                      gorm:"not null"`
	BillableChars          int64     `json:"billable_chars"             gorm:"not null"`
	TrialCharsApplied      int64     `json:"trial_chars_applied"        gorm:"not null"`
	ChargeMicroUSD         int64     `json:"-"                          gorm:"column:charge_micro_usd;not null"`
	PriceTierUSDPerMillion int64     `json:"price_tier_usd_per_million" gorm:"column:price_tier_usd_per_million;not null"`
	Locale                 string    `json:"locale"                     gorm:"type:varchar(32);not null"`
	VoiceTier              string    `json:"voice_tier"                 gorm:"type:varchar(16);not null"`
	IdempotencyKey         *string   `json:"idempotency_key"            gorm:"type:varchar(200)"`
	Timestamp              time.Time `json:"timestamp_utc"              gorm:"not null"`
}

// TableName returns the database table name for UsageEvent.
func (UsageEvent) TableName() string { return "usage_events" }

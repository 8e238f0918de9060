package models

import "time"

const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusExpired = "expired"
	SubscriptionStatusPastDue = "past_due"
	SubscriptionStatusRevoked = "revoked"
)

// Subscription is the single mutable entitlement record per user. It is
// created lazily on the first quota check and never hard-deleted; plan,
// status and expiry are driven by store webhooks and client-verified
// receipts keyed on ExternalTransactionID.
type Subscription struct {
	ID     uint   `gorm:"primaryKey" json:"id"`
	UserID string `gorm:"type:varchar(64);not null;uniqueIndex" json:"user_id"`
	Plan   string `gorm:"type:varchar(64);not null" json:"plan"`
	Status string `gorm:"type:varchar(32);not null;default:'active'" json:"status"`
	// StartAt/EndAt are nullable; a missing EndAt means no fixed expiry and
	// is only valid for non-premium plans.
	StartAt         *time.Time `gorm:"type:timestamp;default:null" json:"start_at,omitempty"`
	EndAt           *time.Time `gorm:"type:timestamp;default:null" json:"end_at,omitempty"`
	RemainingTrials int        `gorm:"not null;default:0" json:"remaining_trials"`
	// ExternalTransactionID is the store's original transaction id. The
	// unique index enforces at most one active binding per external id;
	// NULL rows (never purchased / detached) do not collide.
	ExternalTransactionID *string `gorm:"type:varchar(191);default:null;uniqueIndex" json:"external_transaction_id,omitempty"`
	// AutoRenew carries no column default: GORM skips zero-value fields
	// that declare one, and a disabled renewal intent must survive the
	// insert.
	AutoRenew bool `gorm:"not null" json:"auto_renew"`
	// LastNotifiedAt holds the signed date of the last applied store
	// notification and guards against out-of-order redelivery.
	LastNotifiedAt *time.Time `gorm:"type:timestamp;default:null" json:"last_notified_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

package billing

import "time"

// SubscriptionSummary is the read-model handed to collaborators. Plan is
// the effective plan after the lazy trial transition, never the raw row.
type SubscriptionSummary struct {
	Plan                  string     `json:"plan"`
	Status                string     `json:"status"`
	StartAt               *time.Time `json:"start_at,omitempty"`
	EndAt                 *time.Time `json:"end_at,omitempty"`
	RemainingTrials       int        `json:"remaining_trials"`
	ExternalTransactionID string     `json:"external_transaction_id,omitempty"`
	AutoRenew             bool       `json:"auto_renew"`
	DailyLimit            int        `json:"daily_limit"`
	DailyUsed             int        `json:"daily_used"`
	DailyRemaining        int        `json:"daily_remaining"`
}

// ExternalStatusUpdate is a field-scoped, idempotent update keyed on the
// store's original transaction id. Nil/empty fields are left untouched.
type ExternalStatusUpdate struct {
	ExternalTransactionID string
	Status                string
	ExpiresAt             *time.Time
	Plan                  string
	// NotifiedAt is the store's signed date for the notification. Updates
	// carrying an older NotifiedAt than the row's last applied one are
	// dropped as stale redeliveries.
	NotifiedAt *time.Time
}

// LinkInput binds a client-verified purchase to a user account.
type LinkInput struct {
	UserID                string
	ExternalTransactionID string
	Plan                  string
	Status                string
	ExpiresAt             *time.Time
	AutoRenew             bool
}

// WebhookEventInput is the normalized input for webhook journaling.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

// UserStats aggregates a user's lifetime usage.
type UserStats struct {
	TotalGenerations  int64      `json:"total_generations"`
	TotalRecognitions int64      `json:"total_recognitions"`
	LastActiveAt      *time.Time `json:"last_active_at,omitempty"`
}

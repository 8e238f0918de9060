package models

import "time"

// UsageRecord is one entry in the append-only ledger of quota-consuming
// events. Amount is the signed cost of the event: -1 for a trial debit,
// 0 for an action covered by a paid plan or a combo follow-up.
type UsageRecord struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	UserID      string `gorm:"type:varchar(64);not null;index" json:"user_id"`
	Type        string `gorm:"type:varchar(64);not null;index" json:"type"`
	Amount      int    `gorm:"not null" json:"amount"`
	Description string `gorm:"type:varchar(255)" json:"description"`
	// RelatedID links a record to the interaction it belongs to (e.g. the
	// recognition a combo generation followed). Records with a RelatedID do
	// not count as a new billable unit in daily windowed counting.
	RelatedID string    `gorm:"type:varchar(64);not null;default:''" json:"related_id,omitempty"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

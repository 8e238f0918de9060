package billing

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dreamtracer/mealnow-billing/app/models"
)

// Repository provides the DB operations used by the billing service. The
// trial decrement and the ownership detach are expressed as single
// conditional updates; they are the two paths where a read-modify-write
// in application code would lose races.
type Repository interface {
	GetSubscriptionByUserID(userID string) (*models.Subscription, error)
	GetSubscriptionByExternalID(externalID string) (*models.Subscription, error)
	CreateSubscription(sub *models.Subscription) error
	// ConsumeTrial decrements remaining_trials by one, guarded by
	// remaining_trials > 0, and reports whether the decrement applied.
	ConsumeTrial(userID string) (bool, error)
	// DowngradeTrialToFree persists the lazy trial->free transition. The
	// plan guard makes a concurrent repeat a no-op.
	DowngradeTrialToFree(userID string) error
	// UpdateByExternalID applies a field-scoped update to the subscription
	// bound to externalID and returns the number of matched rows. When
	// notBefore is non-nil the update only applies if the row's
	// last_notified_at is unset or not newer.
	UpdateByExternalID(externalID string, fields map[string]any, notBefore *time.Time) (int64, error)
	// DetachExternalID clears the binding on any subscription holding
	// externalID for a user other than keepUserID, downgrading it to an
	// expired free plan in the same statement.
	DetachExternalID(externalID, keepUserID string, now time.Time) error
	// UpsertUserSubscription inserts or updates the row keyed on user_id.
	// start_at and remaining_trials are preserved on update.
	UpsertUserSubscription(sub *models.Subscription) error

	CreateUsageRecord(rec *models.UsageRecord) error
	// CountBillableUsageSince counts quota-bearing records with no related
	// id (combo follow-ups reference their parent and do not count).
	CountBillableUsageSince(userID string, types []string, since time.Time) (int64, error)
	// LatestUnmatchedUsageOfTypeSince returns the newest record of the
	// given type in the window that no follow-up references as related_id
	// yet. One recognition grants at most one combo follow-up.
	LatestUnmatchedUsageOfTypeSince(userID, usageType string, since time.Time) (*models.UsageRecord, error)
	ListUsage(userID string, limit, offset int) ([]models.UsageRecord, error)
	CountUsageByTypes(userID string, types []string) (int64, error)
	LatestUsage(userID string) (*models.UsageRecord, error)

	ListActiveSubscriberIDs(now time.Time) ([]string, error)

	CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetSubscriptionByUserID(userID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("user_id = ?", userID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetSubscriptionByExternalID(externalID string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := r.db.Where("external_transaction_id = ?", externalID).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) CreateSubscription(sub *models.Subscription) error {
	return r.db.Create(sub).Error
}

func (r *gormRepository) ConsumeTrial(userID string) (bool, error) {
	tx := r.db.Model(&models.Subscription{}).
		Where("user_id = ? AND plan = ? AND remaining_trials > 0", userID, string(planTrial)).
		Update("remaining_trials", gorm.Expr("remaining_trials - 1"))
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *gormRepository) DowngradeTrialToFree(userID string) error {
	return r.db.Model(&models.Subscription{}).
		Where("user_id = ? AND plan = ?", userID, string(planTrial)).
		Updates(map[string]any{
			"plan":   string(planFree),
			"status": models.SubscriptionStatusExpired,
		}).Error
}

func (r *gormRepository) UpdateByExternalID(externalID string, fields map[string]any, notBefore *time.Time) (int64, error) {
	q := r.db.Model(&models.Subscription{}).Where("external_transaction_id = ?", externalID)
	if notBefore != nil {
		q = q.Where("last_notified_at IS NULL OR last_notified_at <= ?", *notBefore)
	}
	tx := q.Updates(fields)
	return tx.RowsAffected, tx.Error
}

func (r *gormRepository) DetachExternalID(externalID, keepUserID string, now time.Time) error {
	return r.db.Model(&models.Subscription{}).
		Where("external_transaction_id = ? AND user_id <> ?", externalID, keepUserID).
		Updates(map[string]any{
			"external_transaction_id": nil,
			"plan":                    string(planFree),
			"status":                  models.SubscriptionStatusExpired,
			"end_at":                  now,
			"auto_renew":              false,
		}).Error
}

func (r *gormRepository) UpsertUserSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"plan",
			"status",
			"end_at",
			"external_transaction_id",
			"auto_renew",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Re-read so the caller sees the merged row (preserved start_at etc.).
	return r.db.Where("user_id = ?", sub.UserID).First(sub).Error
}

func (r *gormRepository) CreateUsageRecord(rec *models.UsageRecord) error {
	return r.db.Create(rec).Error
}

func (r *gormRepository) CountBillableUsageSince(userID string, types []string, since time.Time) (int64, error) {
	var count int64
	err := r.db.Model(&models.UsageRecord{}).
		Where("user_id = ? AND type IN ? AND related_id = '' AND created_at >= ?", userID, types, since).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) LatestUnmatchedUsageOfTypeSince(userID, usageType string, since time.Time) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := r.db.Where("user_id = ? AND type = ? AND created_at >= ?", userID, usageType, since).
		Where("NOT EXISTS (SELECT 1 FROM usage_records AS follow_ups WHERE follow_ups.user_id = usage_records.user_id AND follow_ups.related_id = CAST(usage_records.id AS CHAR))").
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListUsage(userID string, limit, offset int) ([]models.UsageRecord, error) {
	var recs []models.UsageRecord
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&recs).Error
	return recs, err
}

func (r *gormRepository) CountUsageByTypes(userID string, types []string) (int64, error) {
	var count int64
	err := r.db.Model(&models.UsageRecord{}).
		Where("user_id = ? AND type IN ?", userID, types).
		Count(&count).Error
	return count, err
}

func (r *gormRepository) LatestUsage(userID string) (*models.UsageRecord, error) {
	var rec models.UsageRecord
	err := r.db.Where("user_id = ?", userID).Order("created_at DESC").First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *gormRepository) ListActiveSubscriberIDs(now time.Time) ([]string, error) {
	var ids []string
	err := r.db.Model(&models.Subscription{}).
		Where("status = ? AND plan IN ? AND (end_at IS NULL OR end_at > ?)",
			models.SubscriptionStatusActive, premiumPlanList(), now).
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, processingError string) error {
	now := time.Now()
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_at":     &now,
			"processing_error": processingError,
		}).Error
}

package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dreamtracer/mealnow-billing/app/models"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/entitlements"
)

// Service owns subscription, entitlement and quota state. All mutations
// of the shared subscription row go through conditional updates in the
// repository; the service itself never read-modify-writes the trial
// counter or the ownership binding.
type Service struct {
	repo Repository
	cfg  Config
	now  func() time.Time
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, cfg Config) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Service{repo: repo, cfg: cfg, now: time.Now}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, cfg Config) *Service {
	return NewService(NewRepository(db), cfg)
}

// GetUserSubscription returns the user's effective subscription summary,
// or nil when the user has no row yet. Reading performs the same lazy
// trial->free transition as the quota gate.
func (s *Service) GetUserSubscription(ctx context.Context, userID string) (*SubscriptionSummary, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := s.now()
	effective, persist := entitlements.ComputeEffectivePlan(sub.Plan, sub.EndAt, sub.RemainingTrials, now)
	if persist {
		if err := s.repo.DowngradeTrialToFree(userID); err != nil {
			return nil, err
		}
		sub.Plan = string(effective)
		sub.Status = models.SubscriptionStatusExpired
	}

	summary := &SubscriptionSummary{
		Plan:            string(effective),
		Status:          sub.Status,
		StartAt:         sub.StartAt,
		EndAt:           sub.EndAt,
		RemainingTrials: sub.RemainingTrials,
		AutoRenew:       sub.AutoRenew,
		DailyLimit:      s.cfg.DailyLimit,
	}
	if sub.ExternalTransactionID != nil {
		summary.ExternalTransactionID = *sub.ExternalTransactionID
	}
	if entitlements.IsPremium(string(effective)) {
		used, err := s.repo.CountBillableUsageSince(userID, quotaBearingActions, s.localMidnight(now))
		if err != nil {
			return nil, err
		}
		summary.DailyUsed = int(used)
		if remaining := s.cfg.DailyLimit - int(used); remaining > 0 {
			summary.DailyRemaining = remaining
		}
	}
	return summary, nil
}

// HasActiveSubscription reports whether the user currently holds any
// entitlement: a live paid plan or a live trial with remaining uses.
func (s *Service) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	_ = ctx
	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return entitlements.HasActiveAccess(sub.Plan, sub.Status, sub.EndAt, sub.RemainingTrials, s.now()), nil
}

// CheckAndConsumeQuota decides whether action may run for userID and
// records its cost; exactly one usage record is written when it returns
// true, none otherwise. A paid subscriber over the daily cap gets
// ErrQuotaExceeded rather than a plain false.
func (s *Service) CheckAndConsumeQuota(ctx context.Context, userID, action string) (bool, error) {
	_ = ctx
	if action == "" {
		action = ActionGenericUsage
	}
	now := s.now()

	sub, err := s.repo.GetSubscriptionByUserID(userID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
		sub, err = s.createTrialSubscription(userID, now)
		if err != nil {
			return false, err
		}
	}

	effective, persist := entitlements.ComputeEffectivePlan(sub.Plan, sub.EndAt, sub.RemainingTrials, now)
	if persist {
		if err := s.repo.DowngradeTrialToFree(userID); err != nil {
			return false, err
		}
	}

	switch {
	case effective == entitlements.PlanTrial:
		consumed, err := s.repo.ConsumeTrial(userID)
		if err != nil {
			return false, err
		}
		if !consumed {
			// Lost the race for the last trial; the next read downgrades.
			return false, nil
		}
		if err := s.RecordUsage(ctx, userID, action, -1, "trial", ""); err != nil {
			return false, err
		}
		return true, nil

	case entitlements.IsPremium(string(effective)):
		if !entitlements.IsEntitlingStatus(sub.Status) {
			return false, nil
		}
		if sub.EndAt != nil && !sub.EndAt.After(now) {
			return false, nil
		}
		return s.consumePaidQuota(ctx, userID, action, now)

	default:
		return false, nil
	}
}

// consumePaidQuota applies the daily cap, with the scan->generate combo
// carve-out: a generation right after a recognition is a follow-up of the
// same billable interaction, not a new unit. Each recognition can be the
// parent of at most one follow-up.
func (s *Service) consumePaidQuota(ctx context.Context, userID, action string, now time.Time) (bool, error) {
	if action == ActionGenerateRecipe {
		parent, err := s.repo.LatestUnmatchedUsageOfTypeSince(userID, ActionRecognizeIngredients, now.Add(-s.cfg.ComboWindow))
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, err
		}
		if parent != nil {
			if err := s.RecordUsage(ctx, userID, action, 0, "combo follow-up", strconv.FormatUint(uint64(parent.ID), 10)); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	used, err := s.repo.CountBillableUsageSince(userID, quotaBearingActions, s.localMidnight(now))
	if err != nil {
		return false, err
	}
	if int(used) >= s.cfg.DailyLimit {
		return false, ErrQuotaExceeded
	}
	if err := s.RecordUsage(ctx, userID, action, 0, "member benefit", ""); err != nil {
		return false, err
	}
	return true, nil
}

// createTrialSubscription seeds the row for a user seen for the first
// time. Two concurrent first requests race on the unique user index; the
// loser re-reads the winner's row.
func (s *Service) createTrialSubscription(userID string, now time.Time) (*models.Subscription, error) {
	endAt := now.AddDate(0, 0, s.cfg.TrialDays)
	sub := &models.Subscription{
		UserID:          userID,
		Plan:            string(entitlements.PlanTrial),
		Status:          models.SubscriptionStatusActive,
		StartAt:         &now,
		EndAt:           &endAt,
		RemainingTrials: s.cfg.TrialCount,
		AutoRenew:       false,
	}
	if err := s.repo.CreateSubscription(sub); err != nil {
		existing, readErr := s.repo.GetSubscriptionByUserID(userID)
		if readErr != nil {
			return nil, err
		}
		return existing, nil
	}
	return sub, nil
}

// RecordUsage appends one entry to the usage ledger.
func (s *Service) RecordUsage(ctx context.Context, userID, usageType string, amount int, description, relatedID string) error {
	_ = ctx
	return s.repo.CreateUsageRecord(&models.UsageRecord{
		UserID:      userID,
		Type:        usageType,
		Amount:      amount,
		Description: description,
		RelatedID:   relatedID,
	})
}

// GetUsageHistory returns the user's usage ledger, newest first.
func (s *Service) GetUsageHistory(ctx context.Context, userID string, limit, offset int) ([]models.UsageRecord, error) {
	_ = ctx
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListUsage(userID, limit, offset)
}

// GetUserStats aggregates lifetime generation/recognition counts.
func (s *Service) GetUserStats(ctx context.Context, userID string) (*UserStats, error) {
	_ = ctx
	generations, err := s.repo.CountUsageByTypes(userID, generationTypes)
	if err != nil {
		return nil, err
	}
	recognitions, err := s.repo.CountUsageByTypes(userID, recognitionTypes)
	if err != nil {
		return nil, err
	}
	stats := &UserStats{
		TotalGenerations:  generations,
		TotalRecognitions: recognitions,
	}
	last, err := s.repo.LatestUsage(userID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if last != nil {
		t := last.CreatedAt
		stats.LastActiveAt = &t
	}
	return stats, nil
}

// UpsertExternalStatus applies a notification-driven status update keyed
// on the original transaction id. Unknown ids are reported as
// ErrUnknownTransaction and nothing is written; webhooks never create
// speculative rows. Stale redeliveries (older signed date than the last
// applied one) degrade to a logged no-op.
func (s *Service) UpsertExternalStatus(ctx context.Context, update ExternalStatusUpdate) error {
	_ = ctx
	if strings.TrimSpace(update.ExternalTransactionID) == "" {
		return errors.New("external transaction id is required")
	}
	fields := map[string]any{"status": update.Status}
	if update.ExpiresAt != nil {
		fields["end_at"] = *update.ExpiresAt
	}
	if update.Plan != "" {
		fields["plan"] = update.Plan
	}
	if update.NotifiedAt != nil {
		fields["last_notified_at"] = *update.NotifiedAt
	}

	rows, err := s.repo.UpdateByExternalID(update.ExternalTransactionID, fields, update.NotifiedAt)
	if err != nil {
		return err
	}
	if rows > 0 {
		log.Printf("billing: subscription %s set to %s", update.ExternalTransactionID, update.Status)
		return nil
	}
	return s.explainNoMatch(update.ExternalTransactionID)
}

// UpdateAutoRenew records the renewal intent for a bound purchase. Same
// idempotency and unknown-id contract as UpsertExternalStatus.
func (s *Service) UpdateAutoRenew(ctx context.Context, externalID string, autoRenew bool, notifiedAt *time.Time) error {
	_ = ctx
	if strings.TrimSpace(externalID) == "" {
		return errors.New("external transaction id is required")
	}
	fields := map[string]any{"auto_renew": autoRenew}
	if notifiedAt != nil {
		fields["last_notified_at"] = *notifiedAt
	}
	rows, err := s.repo.UpdateByExternalID(externalID, fields, notifiedAt)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	return s.explainNoMatch(externalID)
}

// explainNoMatch decides whether a zero-row update means an unknown
// transaction or a stale redelivery skipped by the timestamp guard.
func (s *Service) explainNoMatch(externalID string) error {
	if _, err := s.repo.GetSubscriptionByExternalID(externalID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("billing: webhook for unknown transaction %s, no mutation performed", externalID)
			return ErrUnknownTransaction
		}
		return err
	}
	log.Printf("billing: stale notification for transaction %s ignored", externalID)
	return nil
}

// LinkExternalSubscription binds a client-verified purchase to userID.
// Any other account holding the same transaction id is detached (plan
// free, status expired, binding cleared) in a single conditional update
// before the target row is upserted; repeating the call with the same
// arguments is a no-op.
func (s *Service) LinkExternalSubscription(ctx context.Context, in LinkInput) error {
	if in.UserID == "" || strings.TrimSpace(in.ExternalTransactionID) == "" {
		return errors.New("user id and external transaction id are required")
	}
	now := s.now()

	if err := s.repo.DetachExternalID(in.ExternalTransactionID, in.UserID, now); err != nil {
		return fmt.Errorf("detach previous owner: %w", err)
	}

	externalID := strings.TrimSpace(in.ExternalTransactionID)
	sub := &models.Subscription{
		UserID:                in.UserID,
		Plan:                  in.Plan,
		Status:                in.Status,
		StartAt:               &now,
		EndAt:                 in.ExpiresAt,
		ExternalTransactionID: &externalID,
		AutoRenew:             in.AutoRenew,
	}
	if err := s.repo.UpsertUserSubscription(sub); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	return s.RecordUsage(ctx, in.UserID, ActionSubscriptionStart, 0, "linked "+in.Plan, externalID)
}

// FindActiveSubscriberIDs lists users holding a currently entitling paid
// subscription. Used by the push-notification collaborator.
func (s *Service) FindActiveSubscriberIDs(ctx context.Context) ([]string, error) {
	_ = ctx
	return s.repo.ListActiveSubscriberIDs(s.now())
}

// RecordWebhookEvent journals an inbound webhook idempotently and reports
// whether this delivery was the first one.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.WebhookEvent, error) {
	_ = ctx
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}
	return s.repo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	})
}

// MarkWebhookProcessed marks a journaled event done, storing an optional
// processing error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, eventID uint, processingErr error) error {
	_ = ctx
	if eventID == 0 {
		return errors.New("webhook event id is required")
	}
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(eventID, msg)
}

func (s *Service) localMidnight(now time.Time) time.Time {
	local := now.In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
}

package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dreamtracer/mealnow-billing/app/models"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/appstore"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/billing"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/database"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/metrics/counter"
)

// billingEngine is the slice of the billing service the webhook and API
// controllers depend on. Tests swap it for a fake via getBillingService.
type billingEngine interface {
	GetUserSubscription(ctx context.Context, userID string) (*billing.SubscriptionSummary, error)
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
	CheckAndConsumeQuota(ctx context.Context, userID, action string) (bool, error)
	RecordUsage(ctx context.Context, userID, usageType string, amount int, description, relatedID string) error
	GetUsageHistory(ctx context.Context, userID string, limit, offset int) ([]models.UsageRecord, error)
	GetUserStats(ctx context.Context, userID string) (*billing.UserStats, error)
	UpsertExternalStatus(ctx context.Context, update billing.ExternalStatusUpdate) error
	UpdateAutoRenew(ctx context.Context, externalID string, autoRenew bool, notifiedAt *time.Time) error
	LinkExternalSubscription(ctx context.Context, in billing.LinkInput) error
	FindActiveSubscriberIDs(ctx context.Context) ([]string, error)
	RecordWebhookEvent(ctx context.Context, in billing.WebhookEventInput) (bool, *models.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, eventID uint, processingErr error) error
}

var defaultBillingService billingEngine

// SetupBilling constructs the shared billing engine. The quota config is
// read from the environment exactly once, at startup.
func SetupBilling() {
	defaultBillingService = billing.NewServiceFromDB(database.GetDB(), billing.ConfigFromEnv())
}

var getBillingService = func() billingEngine {
	if defaultBillingService == nil {
		SetupBilling()
	}
	return defaultBillingService
}

// signedPayloadVerifier decodes Apple JWS blobs for one environment.
type signedPayloadVerifier interface {
	VerifyNotification(signedPayload string) (*appstore.NotificationPayload, error)
	VerifyTransaction(signedTransaction string) (*appstore.TransactionInfo, error)
	VerifyRenewalInfo(signedRenewalInfo string) (*appstore.RenewalInfo, error)
}

var getAppStoreVerifier = func(environment appstore.Environment) (signedPayloadVerifier, error) {
	return appstore.NewVerifierFromDir(
		env.GetEnv("APP_STORE_ROOT_CERT_DIR", "certs/appstore"),
		environment,
		env.GetEnv("APP_STORE_BUNDLE_ID", "com.mealnow.app"),
	)
}

type appStoreWebhookBody struct {
	SignedPayload string `json:"signedPayload"`
}

// HandleAppStoreWebhookProduction handles App Store Server Notifications
// V2 for the production environment.
func HandleAppStoreWebhookProduction(c *fiber.Ctx) error {
	return handleAppStoreWebhook(c, appstore.EnvironmentProduction)
}

// HandleAppStoreWebhookSandbox handles sandbox notifications. Apple is
// told the sandbox URL explicitly; payloads are never sniffed to pick
// the environment.
func HandleAppStoreWebhookSandbox(c *fiber.Ctx) error {
	return handleAppStoreWebhook(c, appstore.EnvironmentSandbox)
}

// HandleAppStoreWebhook is the legacy unsuffixed route. It verifies
// against the production roots.
func HandleAppStoreWebhook(c *fiber.Ctx) error {
	return handleAppStoreWebhook(c, appstore.EnvironmentProduction)
}

func handleAppStoreWebhook(c *fiber.Ctx, environment appstore.Environment) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)

	var body appStoreWebhookBody
	if err := c.BodyParser(&body); err != nil || strings.TrimSpace(body.SignedPayload) == "" {
		// Not a notification envelope; nothing Apple can fix by retrying.
		log.Printf("appstore webhook: unparseable body ignored: %v", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	verifier, err := getAppStoreVerifier(environment)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verifier_unavailable"})
	}

	payload, verifyErr := verifier.VerifyNotification(body.SignedPayload)

	eventInput := billing.WebhookEventInput{
		Provider:       models.WebhookProviderAppStore,
		EventType:      "unknown",
		PayloadJSON:    string(rawBody),
		SignatureValid: verifyErr == nil,
	}
	if payload != nil {
		eventInput.ProviderEventID = payload.NotificationUUID
		eventInput.EventType = payload.NotificationType
	}
	created, stored, err := svc.RecordWebhookEvent(ctx, eventInput)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	_ = counter.AddWebhookDelivery(models.WebhookProviderAppStore, eventInput.EventType)

	if verifyErr != nil {
		var vErr *appstore.VerificationError
		if errors.As(verifyErr, &vErr) {
			log.Printf("appstore webhook: rejected payload: %v", vErr)
			_ = svc.MarkWebhookProcessed(ctx, stored.ID, vErr)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		_ = svc.MarkWebhookProcessed(ctx, stored.ID, verifyErr)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "verification_failed"})
	}

	applyErr := applyAppStoreNotification(ctx, svc, verifier, payload)
	_ = svc.MarkWebhookProcessed(ctx, stored.ID, applyErr)

	switch {
	case applyErr == nil:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	case errors.Is(applyErr, billing.ErrUnknownTransaction):
		// Purchase never linked here; acknowledged so Apple stops retrying.
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	default:
		var vErr *appstore.VerificationError
		if errors.As(applyErr, &vErr) {
			log.Printf("appstore webhook: rejected nested payload: %v", vErr)
			return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "notification_apply_failed"})
	}
}

// applyAppStoreNotification maps a verified notification onto the
// subscription ledger. The update is keyed on the original transaction
// id and guarded by the notification's signed date, so redeliveries and
// out-of-order arrivals collapse to no-ops.
func applyAppStoreNotification(ctx context.Context, svc billingEngine, verifier signedPayloadVerifier, payload *appstore.NotificationPayload) error {
	var tx *appstore.TransactionInfo
	if payload.Data.SignedTransactionInfo != "" {
		var err error
		tx, err = verifier.VerifyTransaction(payload.Data.SignedTransactionInfo)
		if err != nil {
			return err
		}
	}
	var renewal *appstore.RenewalInfo
	if payload.Data.SignedRenewalInfo != "" {
		var err error
		renewal, err = verifier.VerifyRenewalInfo(payload.Data.SignedRenewalInfo)
		if err != nil {
			return err
		}
	}

	notifiedAt := payload.SignedAt()
	if notifiedAt.IsZero() && tx != nil {
		notifiedAt = tx.SignedAt()
	}
	var notifiedPtr *time.Time
	if !notifiedAt.IsZero() {
		notifiedPtr = &notifiedAt
	}

	externalID := ""
	if tx != nil {
		externalID = tx.OriginalTransactionID
	} else if renewal != nil {
		externalID = renewal.OriginalTransactionID
	}

	switch payload.NotificationType {
	case appstore.NotificationSubscribed, appstore.NotificationDidRenew:
		if tx == nil {
			return fmt.Errorf("%s notification without transaction info", payload.NotificationType)
		}
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: externalID,
			Status:                models.SubscriptionStatusActive,
			ExpiresAt:             tx.ExpiryTime(),
			Plan:                  strings.ToLower(tx.ProductID),
			NotifiedAt:            notifiedPtr,
		})

	case appstore.NotificationExpired:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: externalID,
			Status:                models.SubscriptionStatusExpired,
			ExpiresAt:             expiryOrNil(tx),
			NotifiedAt:            notifiedPtr,
		})

	case appstore.NotificationDidFailToRenew:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: externalID,
			Status:                models.SubscriptionStatusPastDue,
			NotifiedAt:            notifiedPtr,
		})

	case appstore.NotificationRefund, appstore.NotificationRevoked:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: externalID,
			Status:                models.SubscriptionStatusRevoked,
			NotifiedAt:            notifiedPtr,
		})

	case appstore.NotificationDidChangeRenewalStatus:
		// Without renewal info the subtype disambiguates the direction.
		autoRenew := payload.Subtype != appstore.SubtypeAutoRenewDisabled
		if renewal != nil {
			autoRenew = renewal.AutoRenewEnabled()
		}
		return svc.UpdateAutoRenew(ctx, externalID, autoRenew, notifiedPtr)

	case appstore.NotificationDidChangeRenewalPref:
		// Plan-change preference implies the subscription keeps renewing.
		return svc.UpdateAutoRenew(ctx, externalID, true, notifiedPtr)

	default:
		log.Printf("appstore webhook: unhandled notification type %s (subtype %s)", payload.NotificationType, payload.Subtype)
		return nil
	}
}

func expiryOrNil(tx *appstore.TransactionInfo) *time.Time {
	if tx == nil {
		return nil
	}
	return tx.ExpiryTime()
}

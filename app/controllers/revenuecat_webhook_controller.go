package controllers

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/dreamtracer/mealnow-billing/app/models"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/billing"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/metrics/counter"
)

var validate = validator.New()

// RevenueCat event types handled by the webhook router.
const (
	revenueCatInitialPurchase     = "INITIAL_PURCHASE"
	revenueCatNonRenewingPurchase = "NON_RENEWING_PURCHASE"
	revenueCatRenewal             = "RENEWAL"
	revenueCatProductChange       = "PRODUCT_CHANGE"
	revenueCatCancellation        = "CANCELLATION"
	revenueCatUncancellation      = "UNCANCELLATION"
	revenueCatExpiration          = "EXPIRATION"
	revenueCatBillingIssue        = "BILLING_ISSUE"
	revenueCatTest                = "TEST"
)

type revenueCatWebhookBody struct {
	APIVersion string          `json:"api_version"`
	Event      revenueCatEvent `json:"event"`
}

type revenueCatEvent struct {
	Type                  string `json:"type" validate:"required"`
	ID                    string `json:"id"`
	AppUserID             string `json:"app_user_id"`
	OriginalAppUserID     string `json:"original_app_user_id"`
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	Store                 string `json:"store"`
	Environment           string `json:"environment"`
	PeriodType            string `json:"period_type"`
	EventTimestampMS      int64  `json:"event_timestamp_ms"`
	PurchasedAtMS         int64  `json:"purchased_at_ms"`
	ExpirationAtMS        int64  `json:"expiration_at_ms"`
}

func (e *revenueCatEvent) externalTransactionID() string {
	if id := strings.TrimSpace(e.OriginalTransactionID); id != "" {
		return id
	}
	return strings.TrimSpace(e.TransactionID)
}

func (e *revenueCatEvent) userID() string {
	if id := strings.TrimSpace(e.AppUserID); id != "" {
		return id
	}
	return strings.TrimSpace(e.OriginalAppUserID)
}

func (e *revenueCatEvent) expiresAt() *time.Time {
	if e.ExpirationAtMS == 0 {
		return nil
	}
	t := time.UnixMilli(e.ExpirationAtMS)
	return &t
}

func (e *revenueCatEvent) notifiedAt() *time.Time {
	if e.EventTimestampMS == 0 {
		return nil
	}
	t := time.UnixMilli(e.EventTimestampMS)
	return &t
}

// HandleRevenueCatWebhook handles RevenueCat webhook deliveries. When a
// shared secret is configured, the Authorization header must match it
// exactly before the body is even parsed; an unset secret disables the
// check so deliveries keep flowing on deployments without one.
func HandleRevenueCatWebhook(c *fiber.Ctx) error {
	secret := env.GetEnv("REVENUE_CAT_WEBHOOK_SECRET", "")
	if secret == "" {
		log.Print("revenuecat webhook: REVENUE_CAT_WEBHOOK_SECRET not set, accepting unauthenticated deliveries")
	} else {
		auth := strings.TrimSpace(c.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(auth), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
		}
	}

	rawBody := append([]byte(nil), c.BodyRaw()...)
	var body revenueCatWebhookBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload"})
	}
	if err := validate.Struct(&body.Event); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_payload", "message": "event.type is required"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	created, stored, err := svc.RecordWebhookEvent(ctx, billing.WebhookEventInput{
		Provider:        models.WebhookProviderRevenueCat,
		ProviderEventID: body.Event.ID,
		EventType:       body.Event.Type,
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_persist_failed"})
	}
	if !created {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	}
	_ = counter.AddWebhookDelivery(models.WebhookProviderRevenueCat, body.Event.Type)

	applyErr := applyRevenueCatEvent(ctx, svc, &body.Event)
	_ = svc.MarkWebhookProcessed(ctx, stored.ID, applyErr)

	switch {
	case applyErr == nil:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	case errors.Is(applyErr, billing.ErrUnknownTransaction):
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "event_apply_failed"})
	}
}

// applyRevenueCatEvent maps one RevenueCat event onto the ledger.
// Purchase events carry the app user id and may rebind ownership; every
// other type is a status update keyed on the transaction id.
func applyRevenueCatEvent(ctx context.Context, svc billingEngine, event *revenueCatEvent) error {
	switch event.Type {
	case revenueCatInitialPurchase, revenueCatNonRenewingPurchase:
		userID := event.userID()
		if userID == "" {
			return fmt.Errorf("%s event without app user id", event.Type)
		}
		status := models.SubscriptionStatusActive
		if exp := event.expiresAt(); exp != nil && !exp.After(time.Now()) {
			status = models.SubscriptionStatusExpired
		}
		return svc.LinkExternalSubscription(ctx, billing.LinkInput{
			UserID:                userID,
			ExternalTransactionID: event.externalTransactionID(),
			Plan:                  strings.ToLower(event.ProductID),
			Status:                status,
			ExpiresAt:             event.expiresAt(),
			AutoRenew:             true,
		})

	case revenueCatRenewal, revenueCatProductChange:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: event.externalTransactionID(),
			Status:                models.SubscriptionStatusActive,
			ExpiresAt:             event.expiresAt(),
			Plan:                  strings.ToLower(event.ProductID),
			NotifiedAt:            event.notifiedAt(),
		})

	case revenueCatCancellation:
		return svc.UpdateAutoRenew(ctx, event.externalTransactionID(), false, event.notifiedAt())

	case revenueCatUncancellation:
		return svc.UpdateAutoRenew(ctx, event.externalTransactionID(), true, event.notifiedAt())

	case revenueCatExpiration:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: event.externalTransactionID(),
			Status:                models.SubscriptionStatusExpired,
			ExpiresAt:             event.expiresAt(),
			NotifiedAt:            event.notifiedAt(),
		})

	case revenueCatBillingIssue:
		return svc.UpsertExternalStatus(ctx, billing.ExternalStatusUpdate{
			ExternalTransactionID: event.externalTransactionID(),
			Status:                models.SubscriptionStatusPastDue,
			NotifiedAt:            event.notifiedAt(),
		})

	case revenueCatTest:
		log.Printf("revenuecat webhook: test event %s received", event.ID)
		return nil

	default:
		log.Printf("revenuecat webhook: unhandled event type %s", event.Type)
		return nil
	}
}

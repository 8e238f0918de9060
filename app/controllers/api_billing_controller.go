package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/dreamtracer/mealnow-billing/app/models"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/appstore"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/billing"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/cache"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/metrics/counter"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/usercontext"
)

const (
	subscriptionCacheTTL = 60 * time.Second
	statsCacheTTL        = 5 * time.Minute
)

// receiptVerifier runs the legacy verifyReceipt ladder.
type receiptVerifier interface {
	Verify(ctx context.Context, receiptData string) (*appstore.ReceiptResponse, error)
}

var getReceiptClient = func() receiptVerifier {
	return appstore.NewReceiptClientFromEnv()
}

type verifyReceiptBody struct {
	ReceiptData string `json:"receipt_data" validate:"required"`
}

type recordUsageBody struct {
	Type        string `json:"type" validate:"required"`
	Amount      int    `json:"amount"`
	Description string `json:"description"`
	RelatedID   string `json:"related_id"`
}

type consumeQuotaBody struct {
	Action string `json:"action"`
}

// HandleVerifyReceipt accepts a client-submitted purchase proof (JWS
// signed transaction or legacy base64 receipt), verifies it and binds
// the purchase to the calling user. Linking happens even when the
// subscription is already expired so the account keeps its purchase
// history and renewal webhooks find their row.
func HandleVerifyReceipt(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var body verifyReceiptBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Body must be JSON"})
	}
	if err := validate.Struct(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "receipt_data is required"})
	}
	receipt := strings.TrimSpace(body.ReceiptData)

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var link billing.LinkInput
	var err error
	if isSignedTransaction(receipt) {
		link, err = linkInputFromSignedTransaction(receipt)
	} else {
		link, err = linkInputFromLegacyReceipt(ctx, receipt)
	}
	if err != nil {
		var vErr *appstore.VerificationError
		if errors.As(err, &vErr) || errors.Is(err, errInvalidReceipt) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_receipt", "message": err.Error()})
		}
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "verification_unavailable"})
	}

	link.UserID = userCtx.UserID
	if err := svc.LinkExternalSubscription(ctx, link); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "link_failed"})
	}
	bustUserCaches(userCtx.UserID)

	summary, err := svc.GetUserSubscription(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"linked": true, "subscription": summary})
}

var errInvalidReceipt = errors.New("receipt contains no verifiable subscription")

// isSignedTransaction distinguishes a StoreKit 2 JWS (three dot-joined
// segments) from a legacy base64 receipt blob.
func isSignedTransaction(receipt string) bool {
	return strings.Count(receipt, ".") == 2
}

// linkInputFromSignedTransaction verifies a JWS transaction against the
// production roots, retrying against sandbox for TestFlight builds.
func linkInputFromSignedTransaction(signed string) (billing.LinkInput, error) {
	tx, err := verifySignedTransaction(signed)
	if err != nil {
		return billing.LinkInput{}, err
	}
	expiry := tx.ExpiryTime()
	status := models.SubscriptionStatusActive
	if expiry != nil && !expiry.After(time.Now()) {
		status = models.SubscriptionStatusExpired
	}
	return billing.LinkInput{
		ExternalTransactionID: tx.OriginalTransactionID,
		Plan:                  strings.ToLower(tx.ProductID),
		Status:                status,
		ExpiresAt:             expiry,
		AutoRenew:             true,
	}, nil
}

func verifySignedTransaction(signed string) (*appstore.TransactionInfo, error) {
	prod, err := getAppStoreVerifier(appstore.EnvironmentProduction)
	if err != nil {
		return nil, err
	}
	tx, prodErr := prod.VerifyTransaction(signed)
	if prodErr == nil {
		return tx, nil
	}
	var vErr *appstore.VerificationError
	if !errors.As(prodErr, &vErr) {
		return nil, prodErr
	}
	sandbox, err := getAppStoreVerifier(appstore.EnvironmentSandbox)
	if err != nil {
		return nil, prodErr
	}
	if tx, err := sandbox.VerifyTransaction(signed); err == nil {
		return tx, nil
	}
	return nil, prodErr
}

// linkInputFromLegacyReceipt runs the verifyReceipt ladder and picks the
// transaction with the newest expiry out of latest_receipt_info.
func linkInputFromLegacyReceipt(ctx context.Context, receipt string) (billing.LinkInput, error) {
	resp, err := getReceiptClient().Verify(ctx, receipt)
	if err != nil {
		return billing.LinkInput{}, err
	}
	if resp.Status != 0 {
		return billing.LinkInput{}, fmt.Errorf("%w: status %d", errInvalidReceipt, resp.Status)
	}
	tx := resp.LatestTransaction()
	if tx == nil {
		return billing.LinkInput{}, errInvalidReceipt
	}
	expiry := tx.ExpiryTime()
	status := models.SubscriptionStatusActive
	if expiry != nil && !expiry.After(time.Now()) {
		status = models.SubscriptionStatusExpired
	}
	return billing.LinkInput{
		ExternalTransactionID: tx.OriginalTransactionID,
		Plan:                  strings.ToLower(tx.ProductID),
		Status:                status,
		ExpiresAt:             expiry,
		AutoRenew:             resp.AutoRenewEnabled(tx),
	}, nil
}

// HandleGetSubscription returns the caller's effective subscription
// summary. Summaries are cached briefly; every quota or link mutation
// busts the cache.
func HandleGetSubscription(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	cacheKey := subscriptionCacheKey(userCtx.UserID)
	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).SendString(cached)
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := svc.GetUserSubscription(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	if summary == nil {
		summary = &billing.SubscriptionSummary{Plan: "free", Status: models.SubscriptionStatusExpired}
	}

	if encoded, err := json.Marshal(summary); err == nil {
		if err := cache.Set(cacheKey, string(encoded), subscriptionCacheTTL); err != nil {
			log.Printf("billing api: cache subscription summary: %v", err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandleGetEntitlement is the cheap boolean gate used by collaborator
// services before kicking off paid work.
func HandleGetEntitlement(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := svc.HasActiveSubscription(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"active": active})
}

// HandleConsumeQuota atomically checks and consumes one quota unit for
// an action. A paid subscriber over the daily cap gets 429 so clients
// can distinguish "come back tomorrow" from "no subscription".
func HandleConsumeQuota(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	// Action is optional; an empty or absent body consumes a generic unit.
	var body consumeQuotaBody
	_ = c.BodyParser(&body)

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	action := strings.TrimSpace(body.Action)
	if action == "" {
		action = billing.ActionGenericUsage
	}
	allowed, err := svc.CheckAndConsumeQuota(ctx, userCtx.UserID, action)
	if err != nil {
		if errors.Is(err, billing.ErrQuotaExceeded) {
			_ = counter.AddQuotaDecision(action, false)
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "QUOTA_EXCEEDED", "message": "Daily usage limit reached"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	_ = counter.AddQuotaDecision(action, allowed)
	if allowed {
		bustUserCaches(userCtx.UserID)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"allowed": allowed})
}

// HandleRecordUsage appends a usage ledger entry for the caller.
func HandleRecordUsage(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	var body recordUsageBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "Body must be JSON"})
	}
	if err := validate.Struct(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "message": "type is required"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.RecordUsage(ctx, userCtx.UserID, body.Type, body.Amount, body.Description, body.RelatedID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	bustUserCaches(userCtx.UserID)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"ok": true})
}

// HandleGetUsageHistory returns the caller's usage ledger, newest first.
func HandleGetUsageHistory(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	limit := c.QueryInt("limit", 20)
	offset := c.QueryInt("offset", 0)

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records, err := svc.GetUsageHistory(ctx, userCtx.UserID, limit, offset)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"records": records, "count": len(records)})
}

// HandleGetUserStats returns lifetime usage aggregates for the caller.
func HandleGetUserStats(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}

	cacheKey := statsCacheKey(userCtx.UserID)
	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Status(fiber.StatusOK).SendString(cached)
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats, err := svc.GetUserStats(ctx, userCtx.UserID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	if encoded, err := json.Marshal(stats); err == nil {
		if err := cache.Set(cacheKey, string(encoded), statsCacheTTL); err != nil {
			log.Printf("billing api: cache user stats: %v", err)
		}
	}
	return c.Status(fiber.StatusOK).JSON(stats)
}

// HandleListActiveSubscribers is the internal route feeding the
// push-notification service. Service token only.
func HandleListActiveSubscribers(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsService {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	svc := getBillingService()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	ids, err := svc.FindActiveSubscriberIDs(ctx)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"user_ids": ids, "count": len(ids)})
}

// HandleInternalMetrics exposes the accumulated webhook and quota
// counters for dashboards. Service token only.
func HandleInternalMetrics(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsService {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	}

	webhooks, err := counter.WebhookTotals()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	quota, err := counter.QuotaTotals()
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"webhooks": webhooks, "quota": quota})
}

func subscriptionCacheKey(userID string) string {
	return "billing:subscription:" + userID
}

func statsCacheKey(userID string) string {
	return "billing:stats:" + userID
}

func bustUserCaches(userID string) {
	if err := cache.Delete(subscriptionCacheKey(userID)); err != nil {
		log.Printf("billing api: bust subscription cache: %v", err)
	}
	if err := cache.Delete(statsCacheKey(userID)); err != nil {
		log.Printf("billing api: bust stats cache: %v", err)
	}
}

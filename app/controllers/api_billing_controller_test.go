package controllers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamtracer/mealnow-billing/internal/pkg/appstore"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/billing"
	"github.com/dreamtracer/mealnow-billing/internal/pkg/middleware"
)

const testJWTSecret = "test-jwt-secret"

func newAPITestApp() *fiber.App {
	app := fiber.New()
	group := app.Group("/api/v1/billing", middleware.JWTAuthMiddleware())
	group.Post("/receipts/verify", HandleVerifyReceipt)
	group.Get("/subscription", HandleGetSubscription)
	group.Get("/entitlement", HandleGetEntitlement)
	group.Post("/quota/consume", HandleConsumeQuota)
	group.Post("/usage", HandleRecordUsage)
	group.Get("/usage", HandleGetUsageHistory)
	group.Get("/stats", HandleGetUserStats)

	internal := app.Group("/api/v1/internal", middleware.ServiceTokenMiddleware())
	internal.Get("/subscribers/active", HandleListActiveSubscribers)
	return app
}

func signTestToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func authHeader(t *testing.T, userID string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + signTestToken(t, userID)}
}

func getWithHeaders(t *testing.T, app *fiber.App, path string, headers map[string]string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestAPIRejectsMissingOrInvalidToken(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{})
	app := newAPITestApp()

	resp := getWithHeaders(t, app, "/api/v1/billing/subscription", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = getWithHeaders(t, app, "/api/v1/billing/subscription", map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Tokens signed with a different secret are rejected.
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "user-1"})
	forged, err := other.SignedString([]byte("other-secret"))
	require.NoError(t, err)
	resp = getWithHeaders(t, app, "/api/v1/billing/subscription", map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetEntitlementReturnsActiveFlag(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{active: true})
	app := newAPITestApp()

	resp := getWithHeaders(t, app, "/api/v1/billing/entitlement", authHeader(t, "user-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["active"])
}

func TestConsumeQuotaAllowed(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{quotaAllowed: true})
	app := newAPITestApp()

	resp := postJSON(t, app, "/api/v1/billing/quota/consume", fiber.Map{"action": "generate_recipe"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["allowed"])
}

func TestConsumeQuotaDeniedWithoutEntitlement(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{quotaAllowed: false})
	app := newAPITestApp()

	resp := postJSON(t, app, "/api/v1/billing/quota/consume", fiber.Map{"action": "generate_recipe"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, false, body["allowed"])
}

func TestConsumeQuotaOverCapReturns429(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{quotaErr: billing.ErrQuotaExceeded})
	app := newAPITestApp()

	resp := postJSON(t, app, "/api/v1/billing/quota/consume", fiber.Map{"action": "generate_recipe"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "QUOTA_EXCEEDED", body["error"])
}

type fakeReceiptVerifier struct {
	resp *appstore.ReceiptResponse
	err  error
}

func (f *fakeReceiptVerifier) Verify(ctx context.Context, receiptData string) (*appstore.ReceiptResponse, error) {
	return f.resp, f.err
}

func withFakeReceiptClient(t *testing.T, rc *fakeReceiptVerifier) {
	t.Helper()
	orig := getReceiptClient
	getReceiptClient = func() receiptVerifier { return rc }
	t.Cleanup(func() { getReceiptClient = orig })
}

func TestVerifyReceiptLinksLegacyReceipt(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	engine := &fakeEngine{summary: &billing.SubscriptionSummary{Plan: "com.mealnow.premium.monthly"}}
	withFakeEngine(t, engine)
	withFakeReceiptClient(t, &fakeReceiptVerifier{
		resp: &appstore.ReceiptResponse{
			Status: 0,
			LatestReceiptInfo: []appstore.ReceiptTransaction{
				{
					OriginalTransactionID: "tx-1",
					ProductID:             "com.mealnow.premium.monthly",
					ExpiresDateMS:         "1900000000000",
				},
			},
			PendingRenewalInfo: []appstore.PendingRenewal{
				{OriginalTransactionID: "tx-1", AutoRenewStatus: "1"},
			},
		},
	})
	app := newAPITestApp()

	resp := postJSON(t, app, "/api/v1/billing/receipts/verify", fiber.Map{"receipt_data": "legacy-base64-blob"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["linked"])

	require.Len(t, engine.links, 1)
	link := engine.links[0]
	assert.Equal(t, "user-1", link.UserID)
	assert.Equal(t, "tx-1", link.ExternalTransactionID)
	assert.True(t, link.AutoRenew)
}

func TestVerifyReceiptLinksExpiredPurchase(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	engine := &fakeEngine{summary: &billing.SubscriptionSummary{}}
	withFakeEngine(t, engine)
	withFakeReceiptClient(t, &fakeReceiptVerifier{
		resp: &appstore.ReceiptResponse{
			Status: 0,
			LatestReceiptInfo: []appstore.ReceiptTransaction{
				{OriginalTransactionID: "tx-1", ProductID: "com.mealnow.premium.monthly", ExpiresDateMS: "1000"},
			},
		},
	})
	app := newAPITestApp()

	// Expired purchases still bind so renewal webhooks find their row.
	resp := postJSON(t, app, "/api/v1/billing/receipts/verify", fiber.Map{"receipt_data": "legacy-base64-blob"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, engine.links, 1)
	assert.Equal(t, "expired", engine.links[0].Status)
}

func TestVerifyReceiptRejectsBadReceipt(t *testing.T) {
	t.Setenv("JWT_SECRET", testJWTSecret)
	withFakeEngine(t, &fakeEngine{})
	withFakeReceiptClient(t, &fakeReceiptVerifier{
		resp: &appstore.ReceiptResponse{Status: 21002},
	})
	app := newAPITestApp()

	resp := postJSON(t, app, "/api/v1/billing/receipts/verify", fiber.Map{"receipt_data": "garbage"}, authHeader(t, "user-1"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_receipt", body["error"])
}

func TestIsSignedTransactionDetection(t *testing.T) {
	assert.True(t, isSignedTransaction("header.payload.signature"))
	assert.False(t, isSignedTransaction("bGVnYWN5LWJhc2U2NC1yZWNlaXB0"))
	assert.False(t, isSignedTransaction("two.segments"))
	assert.False(t, isSignedTransaction("a.b.c.d"))
}

func TestInternalSubscribersRequiresServiceToken(t *testing.T) {
	t.Setenv("SERVICE_TOKEN", "svc-token")
	withFakeEngine(t, &fakeEngine{subscriberIDs: []string{"user-a", "user-b"}})
	app := newAPITestApp()

	resp := getWithHeaders(t, app, "/api/v1/internal/subscribers/active", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = getWithHeaders(t, app, "/api/v1/internal/subscribers/active", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = getWithHeaders(t, app, "/api/v1/internal/subscribers/active", map[string]string{"Authorization": "Bearer svc-token"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(2), body["count"])
}

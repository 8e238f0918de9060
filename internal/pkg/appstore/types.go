package appstore

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Environment selects the verification context. It is always an explicit
// input (route or configuration), never inferred from payload content.
type Environment string

const (
	EnvironmentProduction Environment = "Production"
	EnvironmentSandbox    Environment = "Sandbox"
)

// App Store Server Notification V2 types handled by the webhook router.
const (
	NotificationSubscribed             = "SUBSCRIBED"
	NotificationDidRenew               = "DID_RENEW"
	NotificationExpired                = "EXPIRED"
	NotificationDidFailToRenew         = "DID_FAIL_TO_RENEW"
	NotificationRefund                 = "REFUND"
	NotificationRevoked                = "REVOKED"
	NotificationDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	NotificationDidChangeRenewalPref   = "DID_CHANGE_RENEWAL_PREF"
)

// Subtypes of DID_CHANGE_RENEWAL_STATUS.
const (
	SubtypeAutoRenewEnabled  = "AUTO_RENEW_ENABLED"
	SubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
)

// NotificationPayload is the decoded responseBodyV2 envelope.
type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	Version          string           `json:"version"`
	SignedDateMS     int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
	jwt.RegisteredClaims
}

// NotificationData carries the nested signed blobs plus the app identity
// the notification was produced for.
type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

// SignedAt converts the millisecond signed date; zero time when absent.
func (p *NotificationPayload) SignedAt() time.Time {
	return msToTime(p.SignedDateMS)
}

// TransactionInfo is the decoded JWSTransaction payload.
type TransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	Type                  string `json:"type"`
	Environment           string `json:"environment"`
	PurchaseDateMS        int64  `json:"purchaseDate"`
	ExpiresDateMS         int64  `json:"expiresDate"`
	SignedDateMS          int64  `json:"signedDate"`
	jwt.RegisteredClaims
}

// ExpiryTime returns the expiry as a time, or nil for non-expiring
// products.
func (t *TransactionInfo) ExpiryTime() *time.Time {
	if t.ExpiresDateMS == 0 {
		return nil
	}
	ts := msToTime(t.ExpiresDateMS)
	return &ts
}

// SignedAt converts the millisecond signed date; zero time when absent.
func (t *TransactionInfo) SignedAt() time.Time {
	return msToTime(t.SignedDateMS)
}

// RenewalInfo is the decoded JWSRenewalInfo payload. AutoRenewStatus is
// 1 when auto-renew is on, 0 when the user switched it off.
type RenewalInfo struct {
	OriginalTransactionID string `json:"originalTransactionId"`
	AutoRenewProductID    string `json:"autoRenewProductId"`
	ProductID             string `json:"productId"`
	AutoRenewStatus       int    `json:"autoRenewStatus"`
	Environment           string `json:"environment"`
	SignedDateMS          int64  `json:"signedDate"`
	jwt.RegisteredClaims
}

// AutoRenewEnabled reports the decoded renewal intent.
func (r *RenewalInfo) AutoRenewEnabled() bool {
	return r.AutoRenewStatus == 1
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

package appstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/dreamtracer/mealnow-billing/internal/pkg/env"
)

const (
	defaultProductionVerifyURL = "https://buy.itunes.apple.com/verifyReceipt"
	defaultSandboxVerifyURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	// statusSandboxReceipt: receipt from the test environment was sent to
	// production.
	statusSandboxReceipt = 21007
	// statusSecretMismatch: the shared secret does not match the one on
	// file for the account.
	statusSecretMismatch = 21004
)

// ReceiptClient verifies legacy (StoreKit 1) base64 receipt blobs against
// the verifyReceipt endpoint. Verification tries production first, falls
// back to sandbox on a 21007 status, and retries once without the shared
// secret on 21004.
type ReceiptClient struct {
	ProductionURL string
	SandboxURL    string
	SharedSecret  string

	HTTPClient *http.Client
}

// NewReceiptClientFromEnv builds a receipt client from APP_STORE_*
// environment variables.
func NewReceiptClientFromEnv() *ReceiptClient {
	return &ReceiptClient{
		ProductionURL: env.GetEnv("APP_STORE_VERIFY_URL", defaultProductionVerifyURL),
		SandboxURL:    env.GetEnv("APP_STORE_SANDBOX_VERIFY_URL", defaultSandboxVerifyURL),
		SharedSecret:  env.GetEnv("APP_STORE_SHARED_SECRET", ""),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// ReceiptResponse is the subset of the verifyReceipt response the engine
// consumes.
type ReceiptResponse struct {
	Status             int                  `json:"status"`
	Environment        string               `json:"environment"`
	LatestReceiptInfo  []ReceiptTransaction `json:"latest_receipt_info"`
	PendingRenewalInfo []PendingRenewal     `json:"pending_renewal_info"`
}

// ReceiptTransaction is one entry of latest_receipt_info. Apple encodes
// the numeric fields as strings.
type ReceiptTransaction struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	TransactionID         string `json:"transaction_id"`
	ProductID             string `json:"product_id"`
	ExpiresDateMS         string `json:"expires_date_ms"`
}

// PendingRenewal is one entry of pending_renewal_info.
type PendingRenewal struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	ProductID             string `json:"product_id"`
	AutoRenewStatus       string `json:"auto_renew_status"`
}

// ExpiryTime parses the millisecond expiry; nil when absent or invalid.
func (t *ReceiptTransaction) ExpiryTime() *time.Time {
	ms, err := strconv.ParseInt(t.ExpiresDateMS, 10, 64)
	if err != nil || ms == 0 {
		return nil
	}
	ts := time.UnixMilli(ms)
	return &ts
}

// LatestTransaction returns the entry with the newest expiry, or nil when
// the receipt carries no subscription info.
func (r *ReceiptResponse) LatestTransaction() *ReceiptTransaction {
	if len(r.LatestReceiptInfo) == 0 {
		return nil
	}
	infos := make([]ReceiptTransaction, len(r.LatestReceiptInfo))
	copy(infos, r.LatestReceiptInfo)
	sort.Slice(infos, func(i, j int) bool {
		a, _ := strconv.ParseInt(infos[i].ExpiresDateMS, 10, 64)
		b, _ := strconv.ParseInt(infos[j].ExpiresDateMS, 10, 64)
		return a > b
	})
	return &infos[0]
}

// AutoRenewEnabled resolves the auto-renew intent for a transaction,
// preferring pending_renewal_info over the transaction entry.
func (r *ReceiptResponse) AutoRenewEnabled(tx *ReceiptTransaction) bool {
	for _, pr := range r.PendingRenewalInfo {
		if pr.ProductID == tx.ProductID || pr.OriginalTransactionID == tx.OriginalTransactionID {
			return pr.AutoRenewStatus == "1"
		}
	}
	return false
}

// Verify runs the verification ladder for a legacy receipt blob and
// returns the final response. A non-zero terminal status is returned in
// the response, not as an error; errors mean the endpoint was
// unreachable or answered garbage.
func (c *ReceiptClient) Verify(ctx context.Context, receiptData string) (*ReceiptResponse, error) {
	resp, err := c.post(ctx, c.ProductionURL, receiptData, true)
	if err != nil {
		return nil, err
	}

	url := c.ProductionURL
	if resp.Status == statusSandboxReceipt {
		url = c.SandboxURL
		resp, err = c.post(ctx, url, receiptData, true)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status == statusSecretMismatch {
		resp, err = c.post(ctx, url, receiptData, false)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (c *ReceiptClient) post(ctx context.Context, url, receiptData string, useSecret bool) (*ReceiptResponse, error) {
	payload := map[string]any{
		"receipt-data":             receiptData,
		"exclude-old-transactions": true,
	}
	if useSecret && c.SharedSecret != "" {
		payload["password"] = c.SharedSecret
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify receipt at %s: %w", url, err)
	}
	defer httpResp.Body.Close()

	var out ReceiptResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode verify receipt response: %w", err)
	}
	return &out, nil
}

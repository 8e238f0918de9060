package appstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password"`
}

func decodeVerifyRequest(t *testing.T, r *http.Request) verifyRequest {
	t.Helper()
	var req verifyRequest
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	return req
}

func TestVerifySucceedsAgainstProduction(t *testing.T) {
	var calls int
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		req := decodeVerifyRequest(t, r)
		assert.Equal(t, "receipt-blob", req.ReceiptData)
		assert.Equal(t, "secret", req.Password)
		json.NewEncoder(w).Encode(ReceiptResponse{
			Status:      0,
			Environment: "Production",
			LatestReceiptInfo: []ReceiptTransaction{
				{OriginalTransactionID: "tx-1", ProductID: "com.mealnow.premium.monthly", ExpiresDateMS: "1900000000000"},
			},
		})
	}))
	defer prod.Close()

	client := &ReceiptClient{
		ProductionURL: prod.URL,
		SandboxURL:    "http://unused.invalid",
		SharedSecret:  "secret",
		HTTPClient:    prod.Client(),
	}

	resp, err := client.Verify(context.Background(), "receipt-blob")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, 1, calls)
	require.NotNil(t, resp.LatestTransaction())
	assert.Equal(t, "tx-1", resp.LatestTransaction().OriginalTransactionID)
}

func TestVerifyFallsBackToSandboxOn21007(t *testing.T) {
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ReceiptResponse{Status: 21007})
	}))
	defer prod.Close()

	var sandboxCalls int
	sandbox := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sandboxCalls++
		json.NewEncoder(w).Encode(ReceiptResponse{
			Status:      0,
			Environment: "Sandbox",
			LatestReceiptInfo: []ReceiptTransaction{
				{OriginalTransactionID: "tx-sb", ProductID: "com.mealnow.premium.yearly", ExpiresDateMS: "1900000000000"},
			},
		})
	}))
	defer sandbox.Close()

	client := &ReceiptClient{
		ProductionURL: prod.URL,
		SandboxURL:    sandbox.URL,
		SharedSecret:  "secret",
		HTTPClient:    prod.Client(),
	}

	resp, err := client.Verify(context.Background(), "receipt-blob")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, 1, sandboxCalls)
	assert.Equal(t, "tx-sb", resp.LatestTransaction().OriginalTransactionID)
}

func TestVerifyRetriesWithoutSecretOn21004(t *testing.T) {
	var withSecret, withoutSecret int
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeVerifyRequest(t, r)
		if req.Password != "" {
			withSecret++
			json.NewEncoder(w).Encode(ReceiptResponse{Status: 21004})
			return
		}
		withoutSecret++
		json.NewEncoder(w).Encode(ReceiptResponse{Status: 0})
	}))
	defer prod.Close()

	client := &ReceiptClient{
		ProductionURL: prod.URL,
		SandboxURL:    "http://unused.invalid",
		SharedSecret:  "wrong-secret",
		HTTPClient:    prod.Client(),
	}

	resp, err := client.Verify(context.Background(), "receipt-blob")
	require.NoError(t, err)
	assert.Equal(t, 0, resp.Status)
	assert.Equal(t, 1, withSecret)
	assert.Equal(t, 1, withoutSecret)
}

func TestVerifyReturnsTerminalStatusInResponse(t *testing.T) {
	prod := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ReceiptResponse{Status: 21002})
	}))
	defer prod.Close()

	client := &ReceiptClient{
		ProductionURL: prod.URL,
		SandboxURL:    "http://unused.invalid",
		HTTPClient:    prod.Client(),
	}

	resp, err := client.Verify(context.Background(), "garbage")
	require.NoError(t, err)
	assert.Equal(t, 21002, resp.Status)
}

func TestLatestTransactionPicksNewestExpiry(t *testing.T) {
	resp := &ReceiptResponse{
		LatestReceiptInfo: []ReceiptTransaction{
			{OriginalTransactionID: "tx-old", ExpiresDateMS: "1000"},
			{OriginalTransactionID: "tx-new", ExpiresDateMS: "3000"},
			{OriginalTransactionID: "tx-mid", ExpiresDateMS: "2000"},
		},
	}
	tx := resp.LatestTransaction()
	require.NotNil(t, tx)
	assert.Equal(t, "tx-new", tx.OriginalTransactionID)

	empty := &ReceiptResponse{}
	assert.Nil(t, empty.LatestTransaction())
}

func TestAutoRenewEnabledPrefersPendingRenewalInfo(t *testing.T) {
	tx := &ReceiptTransaction{OriginalTransactionID: "tx-1", ProductID: "com.mealnow.premium.monthly"}

	on := &ReceiptResponse{
		PendingRenewalInfo: []PendingRenewal{{OriginalTransactionID: "tx-1", AutoRenewStatus: "1"}},
	}
	assert.True(t, on.AutoRenewEnabled(tx))

	off := &ReceiptResponse{
		PendingRenewalInfo: []PendingRenewal{{ProductID: "com.mealnow.premium.monthly", AutoRenewStatus: "0"}},
	}
	assert.False(t, off.AutoRenewEnabled(tx))

	none := &ReceiptResponse{}
	assert.False(t, none.AutoRenewEnabled(tx))
}

package clickpesa

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(Config{
		BaseURL:        srv.URL,
		ClientID:       "client-1",
		APIKey:         "key-1",
		ChecksumSecret: "check-secret",
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		MinAmount:      "100.00",
		MaxAmount:      "10000000.00",
	}, NewTokenCache(NewMemoryTokenStore()), slog.Default())
}

func tokenHandler(t *testing.T, next http.HandlerFunc) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/third-parties/generate-token" {
			assert.Equal(t, "client-1", r.Header.Get("client-id"))
			assert.Equal(t, "key-1", r.Header.Get("api-key"))
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "token": "jwt-abc"})
			return
		}
		next(w, r)
	}
}

func TestInitiatePayment(t *testing.T) {
	var gotPayload map[string]any

	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/third-parties/payments/initiate-ussd-push-request", r.URL.Path)
		assert.Equal(t, "Bearer jwt-abc", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(Payment{
			ID:                "cp-1",
			Status:            PaymentProcessing,
			OrderReference:    "ORDER-1",
			CollectedAmount:   "1000.00",
			CollectedCurrency: "TZS",
		})
	}))

	p, err := c.InitiatePayment(context.Background(), PaymentRequest{
		Amount:         "1000.00",
		Currency:       "tzs",
		OrderReference: "ORDER-1",
		PhoneNumber:    "0712345678",
	})
	require.NoError(t, err)
	assert.Equal(t, "cp-1", p.ID)
	assert.Equal(t, PaymentProcessing, p.Status)

	// Validation normalized the inputs before sending.
	assert.Equal(t, "TZS", gotPayload["currency"])
	assert.Equal(t, "255712345678", gotPayload["phoneNumber"])
	assert.NotEmpty(t, gotPayload["checksum"], "checksum added when secret configured")
}

func TestInitiatePaymentValidationFailsLocally(t *testing.T) {
	called := false
	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	_, err := c.InitiatePayment(context.Background(), PaymentRequest{
		Amount:         "10.00", // below MinAmount
		Currency:       "TZS",
		OrderReference: "ORDER-1",
		PhoneNumber:    "0712345678",
	})

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, called, "no API call on validation failure")
}

func TestQueryPaymentListResponse(t *testing.T) {
	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/third-parties/payments/ORDER-1", r.URL.Path)
		// Status endpoint returns a one-element array.
		_ = json.NewEncoder(w).Encode([]Payment{{
			ID:             "cp-1",
			Status:         PaymentSuccess,
			OrderReference: "ORDER-1",
		}})
	}))

	p, err := c.QueryPayment(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, PaymentSuccess, p.Status)
}

func TestQueryPaymentEmptyList(t *testing.T) {
	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))

	_, err := c.QueryPayment(context.Background(), "ORDER-404")
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestAuthErrorRefreshesTokenOnce(t *testing.T) {
	var tokenCalls, apiCalls atomic.Int32

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/third-parties/generate-token" {
			n := tokenCalls.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"token":   "jwt-" + string(rune('0'+n)),
			})
			return
		}

		apiCalls.Add(1)
		if r.Header.Get("Authorization") == "Bearer jwt-1" {
			// First token is stale: reject it.
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Balance{Currency: "TZS", Balance: "50000.00"})
	}))

	b, err := c.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "50000.00", b.Balance.String())
	assert.Equal(t, int32(2), tokenCalls.Load(), "token refreshed after 401")
	assert.Equal(t, int32(2), apiCalls.Load(), "exactly one retry with fresh token")
}

func TestPersistentAuthFailureSurfaces(t *testing.T) {
	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "no permission"})
	}))

	_, err := c.AccountBalance(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode)
}

func TestServerErrorsRetried(t *testing.T) {
	var apiCalls atomic.Int32

	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if apiCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(Balance{Currency: "TZS", Balance: "1.00"})
	}))

	b, err := c.AccountBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TZS", b.Currency)
	assert.Equal(t, int32(3), apiCalls.Load())
}

func TestClientErrorNotRetried(t *testing.T) {
	var apiCalls atomic.Int32

	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": "duplicate reference"})
	}))

	_, err := c.CreatePayout(context.Background(), PayoutRequest{
		Amount:         "5000.00",
		PhoneNumber:    "0712345678",
		Currency:       "TZS",
		OrderReference: "PO-1",
	})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "duplicate reference", apiErr.Message)
	assert.Equal(t, int32(1), apiCalls.Load(), "4xx is permanent")
}

func TestPreviewPayout(t *testing.T) {
	c := testClient(t, tokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/third-parties/payouts/preview-mobile-money-payout", r.URL.Path)
		_ = json.NewEncoder(w).Encode(PayoutPreview{
			Amount:          "5100.00",
			Balance:         "100000.00",
			ChannelProvider: "M-PESA",
			Fee:             "100.00",
		})
	}))

	preview, err := c.PreviewPayout(context.Background(), PayoutRequest{
		Amount:         "5000.00",
		PhoneNumber:    "0712345678",
		Currency:       "TZS",
		OrderReference: "PO-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "100.00", preview.Fee.String())
	assert.Equal(t, "M-PESA", preview.ChannelProvider)
}

func TestDecimalAcceptsNumberAndString(t *testing.T) {
	var b Balance
	require.NoError(t, json.Unmarshal([]byte(`{"currency":"TZS","balance":1234.5}`), &b))
	assert.Equal(t, "1234.5", b.Balance.String())

	require.NoError(t, json.Unmarshal([]byte(`{"currency":"TZS","balance":"1234.50"}`), &b))
	assert.Equal(t, "1234.50", b.Balance.String())
}

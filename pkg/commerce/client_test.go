package commerce

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loyalty-engine/pkg/errutil"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   "test-token",
		http:    &http.Client{Timeout: time.Second},
	}
}

func TestCreateDiscountCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/discount_codes", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var req CreateDiscountCodeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "SAVE50", req.Code)

		_ = json.NewEncoder(w).Encode(DiscountCodeArtifact{RemoteID: "dc-123", Code: req.Code})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	artifact, err := client.CreateDiscountCode(context.Background(), CreateDiscountCodeRequest{
		TenantID: "tenant-1",
		Code:     "SAVE50",
		Value:    decimal.NewFromInt(50),
		Currency: "USD",
	})
	require.NoError(t, err)
	require.Equal(t, "dc-123", artifact.RemoteID)
}

func TestCreateDiscountCodeUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	_, err := client.CreateDiscountCode(context.Background(), CreateDiscountCodeRequest{Code: "SAVE50"})
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadGateway, errutil.StatusOf(err))
}

func TestDeleteDiscountCodeTreatsMissingAsDeleted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/discount_codes/dc-123", r.URL.Path)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	require.NoError(t, client.DeleteDiscountCode(context.Background(), "dc-123"))
}

package billing_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billingkit/pkg/billing"
)

func newGatewayServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *billing.HTTPGateway) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := billing.NewHTTPGateway(billing.GatewayConfig{
		BaseURL:       srv.URL,
		AccessToken:   "test-token",
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
	})
	return srv, gw
}

func TestHTTPGatewayCreatePreference(t *testing.T) {
	t.Parallel()

	t.Run("posts the request and returns redirect urls", func(t *testing.T) {
		t.Parallel()

		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/checkout/preferences", r.URL.Path)
			assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

			var req billing.PreferenceRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "ref-1", req.ExternalReference)

			json.NewEncoder(w).Encode(billing.Preference{
				ID:               "pref-1",
				InitPoint:        "https://gateway.test/init/pref-1",
				SandboxInitPoint: "https://sandbox.gateway.test/init/pref-1",
			})
		})

		pref, err := gw.CreatePreference(context.Background(), billing.PreferenceRequest{
			ExternalReference: "ref-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "pref-1", pref.ID)
		assert.Equal(t, "https://gateway.test/init/pref-1", pref.InitPoint)
	})

	t.Run("missing init point is an error", func(t *testing.T) {
		t.Parallel()

		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(billing.Preference{ID: "pref-1"})
		})

		_, err := gw.CreatePreference(context.Background(), billing.PreferenceRequest{})
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)
	})

	t.Run("retries transient server errors", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(billing.Preference{
				ID:        "pref-1",
				InitPoint: "https://gateway.test/init/pref-1",
			})
		})

		pref, err := gw.CreatePreference(context.Background(), billing.PreferenceRequest{})
		require.NoError(t, err)
		assert.Equal(t, "pref-1", pref.ID)
		assert.Equal(t, int64(3), calls.Load())
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := gw.CreatePreference(context.Background(), billing.PreferenceRequest{})
		require.ErrorIs(t, err, billing.ErrGatewayUnavailable)
		assert.Equal(t, int64(4), calls.Load()) // initial attempt + 3 retries
	})
}

func TestHTTPGatewayGetPayment(t *testing.T) {
	t.Parallel()

	t.Run("maps the wire payload into strict types", func(t *testing.T) {
		t.Parallel()

		created := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/payments/12345", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"id":                 12345,
				"status":             "approved",
				"status_detail":      "accredited",
				"transaction_amount": 99.90,
				"date_created":       created,
				"external_reference": "ref-1",
				"subscription_id":    "gw-sub-1",
				"preference_id":      "pref-1",
			})
		})

		gp, err := gw.GetPayment(context.Background(), "12345")
		require.NoError(t, err)
		assert.Equal(t, "12345", gp.ID)
		assert.Equal(t, "approved", gp.Status)
		assert.True(t, gp.TransactionAmount.Equal(dec("99.90")))
		assert.True(t, gp.DateCreated.Equal(created))
		assert.Equal(t, "ref-1", gp.ExternalReference)
		assert.Equal(t, "gw-sub-1", gp.SubscriptionID)
		assert.Equal(t, "pref-1", gp.PreferenceID)
		assert.NotEmpty(t, gp.Raw)
	})

	t.Run("404 maps to ErrPaymentNotFound without retrying", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int64
		_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		})

		_, err := gw.GetPayment(context.Background(), "404404")
		require.ErrorIs(t, err, billing.ErrPaymentNotFound)
		assert.Equal(t, int64(1), calls.Load())
	})
}

func TestHTTPGatewaySearchPayments(t *testing.T) {
	t.Parallel()

	_, gw := newGatewayServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/search", r.URL.Path)
		assert.Equal(t, "ref-1", r.URL.Query().Get("external_reference"))
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"id": 1, "status": "approved", "transaction_amount": 10},
				{"id": 2, "status": "rejected", "transaction_amount": 10},
			},
		})
	})

	payments, err := gw.SearchPayments(context.Background(), billing.PaymentSearch{
		ExternalReference: "ref-1",
	})
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, "1", payments[0].ID)
	assert.Equal(t, "2", payments[1].ID)
}

package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"atelier-system/services/reservation-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePreference(t *testing.T) {
	var got preferenceRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/checkout/preferences", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(preferenceResponse{ID: "pref-1", InitPoint: "https://pay.example/init/pref-1"})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", URLs{
		Success:      "https://shop.example/success",
		Failure:      "https://shop.example/failure",
		Notification: "https://shop.example/webhooks/payment",
	})

	redirect, err := client.CreatePreference(context.Background(), Preference{
		BuyerEmail:        "ana@example.com",
		Title:             "Jacket 01",
		AmountCents:       46740,
		ExternalReference: "res-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.example/init/pref-1", redirect)

	require.Len(t, got.Items, 1)
	assert.Equal(t, "Jacket 01", got.Items[0].Title)
	assert.Equal(t, 1, got.Items[0].Quantity)
	assert.InDelta(t, 467.40, got.Items[0].UnitPrice, 0.001)
	assert.Equal(t, "res-1", got.ExternalReference)
	assert.Equal(t, "ana@example.com", got.Payer.Email)
	assert.Equal(t, "https://shop.example/webhooks/payment", got.NotificationURL)
	assert.Equal(t, "https://shop.example/success", got.BackURLs.Success)
}

func TestCreatePreferenceUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", URLs{})
	_, err := client.CreatePreference(context.Background(), Preference{})
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestGetPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payments/777", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 777, "status": "approved", "external_reference": "res-1"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", URLs{})
	pay, err := client.GetPayment(context.Background(), "777")
	require.NoError(t, err)

	assert.Equal(t, "777", pay.ID.String())
	assert.Equal(t, StatusApproved, pay.Status)
	assert.Equal(t, "res-1", pay.ExternalReference)
}

func TestGetPaymentNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "test-token", URLs{})
	_, err := client.GetPayment(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

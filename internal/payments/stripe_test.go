package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-tracking/internal/apperr"
)

func lookupAgainst(t *testing.T, h http.HandlerFunc) *StripeLookup {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewStripeLookupWithBackend("sk_test_123", backend)
}

func TestPaymentSummary(t *testing.T) {
	l := lookupAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment_intents/pi_1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_1","object":"payment_intent","amount":1250,"currency":"usd","status":"succeeded"}`))
	})

	got, err := l.PaymentSummary(context.Background(), "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got["id"])
	assert.Equal(t, int64(1250), got["amount"])
	assert.Equal(t, "succeeded", got["status"])
	assert.Equal(t, "12.50 usd", got["display"])
}

func TestPaymentSummaryNotFound(t *testing.T) {
	l := lookupAgainst(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such payment_intent"}}`))
	})

	_, err := l.PaymentSummary(context.Background(), "pi_missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "0.05 eur", formatAmount(5, "eur"))
	assert.Equal(t, "-3.00 usd", formatAmount(-300, "usd"))
}

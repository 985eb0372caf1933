package payments

import (
	"context"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-tracking/internal/apperr"
)

// StripeLookup resolves payment references to PaymentIntent display data.
type StripeLookup struct {
	client paymentintent.Client
}

// NewStripeLookup uses the default Stripe API backend.
func NewStripeLookup(apiKey string) *StripeLookup {
	return NewStripeLookupWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeLookupWithBackend(apiKey string, backend stripe.Backend) *StripeLookup {
	return &StripeLookup{client: paymentintent.Client{B: backend, Key: apiKey}}
}

// PaymentSummary implements notification.PaymentLookup.
func (s *StripeLookup) PaymentSummary(ctx context.Context, paymentID string) (map[string]any, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.client.Get(paymentID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == 404 {
			return nil, apperr.Wrap(apperr.CodeNotFound, err, "payment "+paymentID+" not found")
		}
		return nil, apperr.Wrap(apperr.CodeUpstream, err, "stripe lookup")
	}
	return map[string]any{
		"id":       pi.ID,
		"amount":   pi.Amount,
		"currency": string(pi.Currency),
		"status":   string(pi.Status),
		"display":  formatAmount(pi.Amount, string(pi.Currency)),
	}, nil
}

// formatAmount renders minor units for two-decimal currencies.
func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign, minor = "-", -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}

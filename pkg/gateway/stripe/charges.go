// Package stripe reads charge details from the Stripe API for the payment pipeline.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// ErrNotConfigured is returned when the fetcher is created without an API key.
var ErrNotConfigured = errors.New("stripe charge fetcher not configured")

type retrieveFunc func(ctx context.Context, chargeRef string) (*stripe.Charge, error)

// ChargeFetcher implements payhook.ChargeFetcher against the Stripe API.
type ChargeFetcher struct {
	retrieve retrieveFunc
}

var _ payhook.ChargeFetcher = (*ChargeFetcher)(nil)

// NewChargeFetcher creates a fetcher authenticated with apiKey.
func NewChargeFetcher(apiKey string) (*ChargeFetcher, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}

	client := stripe.NewClient(apiKey)
	return &ChargeFetcher{
		retrieve: func(ctx context.Context, chargeRef string) (*stripe.Charge, error) {
			return client.V1Charges.Retrieve(ctx, chargeRef, nil)
		},
	}, nil
}

// FetchCharge implements payhook.ChargeFetcher
func (f *ChargeFetcher) FetchCharge(ctx context.Context, chargeRef string) (*payhook.ChargeDetail, error) {
	if chargeRef == "" {
		return nil, fmt.Errorf("charge reference is required")
	}

	charge, err := f.retrieve(ctx, chargeRef)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return nil, fmt.Errorf("retrieve charge %s: %s (%s): %w", chargeRef, stripeErr.Code, stripeErr.Type, err)
		}
		return nil, fmt.Errorf("retrieve charge %s: %w", chargeRef, err)
	}
	if charge == nil {
		return nil, fmt.Errorf("retrieve charge %s: empty response", chargeRef)
	}

	return &payhook.ChargeDetail{
		ChargeRef:  charge.ID,
		ReceiptRef: charge.ReceiptURL,
		Amount:     charge.Amount,
		Currency:   string(charge.Currency),
		Paid:       charge.Paid,
	}, nil
}

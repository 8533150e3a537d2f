package stripe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"
)

func TestNewChargeFetcher_RequiresKey(t *testing.T) {
	_, err := NewChargeFetcher("   ")
	assert.ErrorIs(t, err, ErrNotConfigured)

	f, err := NewChargeFetcher("sk_test_123")
	require.NoError(t, err)
	assert.NotNil(t, f)
}

func TestFetchCharge(t *testing.T) {
	var gotRef string
	f := &ChargeFetcher{retrieve: func(_ context.Context, ref string) (*stripe.Charge, error) {
		gotRef = ref
		return &stripe.Charge{
			ID:         ref,
			Amount:     4999,
			Currency:   stripe.CurrencyUSD,
			Paid:       true,
			ReceiptURL: "https://pay.stripe.com/receipts/ch_1",
		}, nil
	}}

	detail, err := f.FetchCharge(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", gotRef)
	assert.Equal(t, "ch_1", detail.ChargeRef)
	assert.Equal(t, "https://pay.stripe.com/receipts/ch_1", detail.ReceiptRef)
	assert.Equal(t, int64(4999), detail.Amount)
	assert.Equal(t, "usd", detail.Currency)
	assert.True(t, detail.Paid)
}

func TestFetchCharge_Errors(t *testing.T) {
	t.Run("empty reference", func(t *testing.T) {
		f := &ChargeFetcher{retrieve: func(context.Context, string) (*stripe.Charge, error) {
			t.Fatal("retrieve must not be called")
			return nil, nil
		}}
		_, err := f.FetchCharge(context.Background(), "")
		assert.Error(t, err)
	})

	t.Run("api error", func(t *testing.T) {
		apiErr := &stripe.Error{Code: stripe.ErrorCodeResourceMissing, Type: stripe.ErrorTypeInvalidRequest}
		f := &ChargeFetcher{retrieve: func(context.Context, string) (*stripe.Charge, error) {
			return nil, apiErr
		}}
		_, err := f.FetchCharge(context.Background(), "ch_missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, apiErr))
		assert.Contains(t, err.Error(), "resource_missing")
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("connection reset")
		f := &ChargeFetcher{retrieve: func(context.Context, string) (*stripe.Charge, error) {
			return nil, boom
		}}
		_, err := f.FetchCharge(context.Background(), "ch_1")
		assert.ErrorIs(t, err, boom)
	})

	t.Run("empty response", func(t *testing.T) {
		f := &ChargeFetcher{retrieve: func(context.Context, string) (*stripe.Charge, error) {
			return nil, nil
		}}
		_, err := f.FetchCharge(context.Background(), "ch_1")
		assert.Error(t, err)
	})
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gopayhook/internal/config"
	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

const (
	testProductionSecret = "whsec_prod"
	testRestrictedSecret = "whsec_restricted"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *app {
	t.Helper()
	cfg := config.Default()
	cfg.Stripe.ProductionSecrets = []string{testProductionSecret}
	cfg.Server.RateLimit = 0
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := newApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func signedRequest(t *testing.T, path, secret string, event map[string]interface{}) *http.Request {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(payhook.SignatureHeader, signed.Header)
	return req
}

func intentSucceeded(eventID, intentID string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"id":       eventID,
		"object":   "event",
		"type":     "payment_intent.succeeded",
		"created":  time.Now().Unix(),
		"livemode": false,
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":       intentID,
			"object":   "payment_intent",
			"amount":   amount,
			"currency": "usd",
			"status":   "succeeded",
			"metadata": map[string]string{},
		}},
	}
}

func TestApp_ProductionWebhookConfirmsOrder(t *testing.T) {
	a := newTestApp(t, nil)
	ctx := context.Background()
	require.NoError(t, a.storage.CreateOrder(ctx, &payhook.Order{
		ID:               "order-1",
		UserID:           "user-1",
		Status:           payhook.OrderStatusPending,
		PaymentStatus:    payhook.PaymentStatusPending,
		PaymentIntentRef: "pi_1",
		TotalAmount:      4200,
		Currency:         "usd",
	}))

	h := a.routes()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, productionPath, testProductionSecret, intentSucceeded("evt_1", "pi_1", 4200)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	order, err := a.storage.GetOrder(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, payhook.OrderStatusConfirmed, order.Status)
	assert.Equal(t, payhook.PaymentStatusCompleted, order.PaymentStatus)

	txs, err := a.storage.LoyaltyTransactionsForOrder(ctx, "order-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(4200), txs[0].Points)
}

func TestApp_WrongSecretRejected(t *testing.T) {
	a := newTestApp(t, nil)

	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, signedRequest(t, productionPath, "whsec_other", intentSucceeded("evt_2", "pi_2", 100)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApp_RestrictedEndpointMountedOnlyWhenConfigured(t *testing.T) {
	without := newTestApp(t, nil)
	w := httptest.NewRecorder()
	without.routes().ServeHTTP(w, signedRequest(t, restrictedPath, testRestrictedSecret, intentSucceeded("evt_3", "pi_3", 100)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	with := newTestApp(t, func(cfg *config.Config) {
		cfg.Stripe.RestrictedSecrets = []string{testRestrictedSecret}
	})
	require.NotNil(t, with.restricted)
	assert.Equal(t, payhook.ClassRestricted, with.restricted.Class())
}

func TestApp_Healthz(t *testing.T) {
	a := newTestApp(t, nil)

	w := httptest.NewRecorder()
	a.routes().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "OK", body.Status)
	assert.Equal(t, "ok", body.Checks["memory"])
}

func TestApp_MetricsExposed(t *testing.T) {
	a := newTestApp(t, nil)
	h := a.routes()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, signedRequest(t, productionPath, testProductionSecret, intentSucceeded("evt_4", "pi_missing", 100)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	out, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(out), "payhook_webhook_events_total")
	assert.Contains(t, string(out), "go_goroutines")
}

func TestApp_MigrateRequiresPostgres(t *testing.T) {
	cmd := newMigrateCmd(func() (*config.Config, error) { return config.Default(), nil })
	cmd.SetArgs(nil)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.Error(t, cmd.Execute())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"service":"payhookd"`)
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "loud"}, &buf)

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	assert.NotContains(t, buf.String(), `"message":"debug"`)
	assert.Contains(t, buf.String(), `"message":"info"`)
}

package payhook_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
	"github.com/mihaimyh/gopayhook/storage/memory"
)

const testSecret = "whsec_test_secret"

func eventJSON(t *testing.T, id, eventType string, object map[string]interface{}) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":       id,
		"object":   "event",
		"type":     eventType,
		"created":  time.Now().Unix(),
		"livemode": false,
		"data":     map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func sign(body []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *recordingSender) SendOrderConfirmation(_ context.Context, order *payhook.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, order.ID)
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*payhook.OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event *payhook.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type stubCharges struct {
	receipt string
	err     error
}

func (c *stubCharges) FetchCharge(_ context.Context, chargeRef string) (*payhook.ChargeDetail, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &payhook.ChargeDetail{ChargeRef: chargeRef, ReceiptRef: c.receipt, Paid: true}, nil
}

type harness struct {
	store     *memory.Storage
	email     *recordingSender
	publisher *recordingPublisher
	charges   *stubCharges
	router    *payhook.Router
	ledger    *payhook.Ledger
	endpoint  *payhook.Endpoint
}

type harnessOption func(*payhook.EndpointConfig, *payhook.LedgerConfig)

func withClass(class payhook.EndpointClass, allowlist ...string) harnessOption {
	return func(cfg *payhook.EndpointConfig, _ *payhook.LedgerConfig) {
		cfg.Class = class
		cfg.Allowlist = allowlist
	}
}

func withLedgerStore(store payhook.LedgerStore) harnessOption {
	return func(_ *payhook.EndpointConfig, cfg *payhook.LedgerConfig) {
		cfg.Store = store
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:     memory.New(),
		email:     &recordingSender{},
		publisher: &recordingPublisher{},
		charges:   &stubCharges{receipt: "https://pay.example/receipts/rcpt_1"},
	}

	orchestrator := payhook.NewOrchestrator(&payhook.OrchestratorConfig{
		Loyalty:   h.store,
		Email:     h.email,
		Publisher: h.publisher,
	})
	router, err := payhook.NewRouter(&payhook.RouterConfig{
		Orders:       h.store,
		Payments:     h.store,
		Orchestrator: orchestrator,
		Charges:      h.charges,
	})
	require.NoError(t, err)
	h.router = router

	endpointCfg := &payhook.EndpointConfig{
		Class:   payhook.ClassProduction,
		Secrets: []string{testSecret},
		Router:  router,
	}
	ledgerCfg := &payhook.LedgerConfig{Store: h.store}
	for _, opt := range opts {
		opt(endpointCfg, ledgerCfg)
	}

	ledger, err := payhook.NewLedger(ledgerCfg)
	require.NoError(t, err)
	h.ledger = ledger
	endpointCfg.Ledger = ledger

	endpoint, err := payhook.NewEndpoint(endpointCfg)
	require.NoError(t, err)
	h.endpoint = endpoint
	return h
}

func (h *harness) seedOrder(t *testing.T, order *payhook.Order) {
	t.Helper()
	if order.Status == "" {
		order.Status = payhook.OrderStatusPending
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = payhook.PaymentStatusPending
	}
	require.NoError(t, h.store.CreateOrder(context.Background(), order))
}

func (h *harness) order(t *testing.T, id string) *payhook.Order {
	t.Helper()
	o, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) loyalty(t *testing.T, orderID string) []*payhook.LoyaltyTransaction {
	t.Helper()
	txs, err := h.store.LoyaltyTransactionsForOrder(context.Background(), orderID)
	require.NoError(t, err)
	return txs
}

func checkoutSession(orderID, intentID string) map[string]interface{} {
	return map[string]interface{}{
		"id":             "cs_test_1",
		"object":         "checkout.session",
		"payment_intent": intentID,
		"metadata":       map[string]string{"order_id": orderID, "user_id": "user-1"},
		"customer_details": map[string]interface{}{
			"email": "shopper@example.com",
		},
	}
}

func paymentIntent(intentID string, amount int64, metadata map[string]string) map[string]interface{} {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return map[string]interface{}{
		"id":            intentID,
		"object":        "payment_intent",
		"amount":        amount,
		"currency":      "usd",
		"status":        "succeeded",
		"latest_charge": "ch_" + intentID,
		"metadata":      metadata,
	}
}

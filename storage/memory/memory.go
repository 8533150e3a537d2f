// Package memory provides an in-memory implementation of the payhook.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Storage implements payhook.Storage using in-memory maps
type Storage struct {
	mu sync.RWMutex

	orders         map[string]*payhook.Order
	orderByIntent  map[string]string
	payments       map[string]*payhook.PaymentRecord
	paymentByRef   map[string]string
	paymentByChg   map[string]string
	loyalty        map[string]*payhook.LoyaltyTransaction
	loyaltyByOrder map[string][]string
	ledger         map[string]*payhook.ProcessingRecord

	now func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		orders:         make(map[string]*payhook.Order),
		orderByIntent:  make(map[string]string),
		payments:       make(map[string]*payhook.PaymentRecord),
		paymentByRef:   make(map[string]string),
		paymentByChg:   make(map[string]string),
		loyalty:        make(map[string]*payhook.LoyaltyTransaction),
		loyaltyByOrder: make(map[string][]string),
		ledger:         make(map[string]*payhook.ProcessingRecord),
		now:            time.Now,
	}
}

// CreateOrder implements payhook.OrderStore
func (s *Storage) CreateOrder(_ context.Context, order *payhook.Order) error {
	if order == nil || order.ID == "" {
		return fmt.Errorf("invalid order")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return payhook.ErrOrderExists
	}
	c := order.Clone()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.orders[c.ID] = c
	if c.PaymentIntentRef != "" {
		s.orderByIntent[c.PaymentIntentRef] = c.ID
	}
	return nil
}

// GetOrder implements payhook.OrderStore
func (s *Storage) GetOrder(_ context.Context, orderID string) (*payhook.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, payhook.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// GetOrderByPaymentRef implements payhook.OrderStore
func (s *Storage) GetOrderByPaymentRef(_ context.Context, paymentIntentRef string) (*payhook.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.orderByIntent[paymentIntentRef]
	if !ok {
		return nil, payhook.ErrOrderNotFound
	}
	return s.orders[id].Clone(), nil
}

// UpdateOrder implements payhook.OrderStore with compare-and-set semantics
func (s *Storage) UpdateOrder(_ context.Context, update *payhook.OrderUpdate) (*payhook.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[update.OrderID]
	if !ok {
		return nil, payhook.ErrOrderNotFound
	}
	if order.Status != update.ExpectedStatus || order.PaymentStatus != update.ExpectedPaymentStatus {
		return nil, payhook.ErrConcurrentUpdate
	}

	order.Status = update.Status
	order.PaymentStatus = update.PaymentStatus
	if update.PaymentIntentRef != "" {
		if order.PaymentIntentRef != "" && order.PaymentIntentRef != update.PaymentIntentRef {
			delete(s.orderByIntent, order.PaymentIntentRef)
		}
		order.PaymentIntentRef = update.PaymentIntentRef
		s.orderByIntent[update.PaymentIntentRef] = order.ID
	}
	if update.CheckoutSessionRef != "" {
		order.CheckoutSessionRef = update.CheckoutSessionRef
	}
	order.UpdatedAt = s.now().UTC()
	return order.Clone(), nil
}

// UpsertPayment implements payhook.PaymentStore
func (s *Storage) UpsertPayment(_ context.Context, payment *payhook.PaymentRecord) error {
	if payment == nil || payment.PaymentIntentRef == "" {
		return fmt.Errorf("invalid payment record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if id, ok := s.paymentByRef[payment.PaymentIntentRef]; ok {
		existing := s.payments[id]
		existing.OrderID = payment.OrderID
		existing.Status = payment.Status
		existing.Amount = payment.Amount
		existing.Currency = payment.Currency
		if payment.ChargeRef != "" {
			existing.ChargeRef = payment.ChargeRef
			s.paymentByChg[payment.ChargeRef] = id
		}
		if payment.ReceiptRef != "" {
			existing.ReceiptRef = payment.ReceiptRef
		}
		existing.Metadata = mergeMetadata(existing.Metadata, payment.Metadata)
		existing.UpdatedAt = now
		return nil
	}

	c := payment.Clone()
	if c.ID == "" {
		return fmt.Errorf("invalid payment record: missing id")
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	s.payments[c.ID] = c
	s.paymentByRef[c.PaymentIntentRef] = c.ID
	if c.ChargeRef != "" {
		s.paymentByChg[c.ChargeRef] = c.ID
	}
	return nil
}

// GetPaymentByIntent implements payhook.PaymentStore
func (s *Storage) GetPaymentByIntent(_ context.Context, paymentIntentRef string) (*payhook.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentByRef[paymentIntentRef]
	if !ok {
		return nil, payhook.ErrPaymentNotFound
	}
	return s.payments[id].Clone(), nil
}

// GetPaymentByCharge implements payhook.PaymentStore
func (s *Storage) GetPaymentByCharge(_ context.Context, chargeRef string) (*payhook.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.paymentByChg[chargeRef]
	if !ok {
		return nil, payhook.ErrPaymentNotFound
	}
	return s.payments[id].Clone(), nil
}

// AnnotatePayment implements payhook.PaymentStore
func (s *Storage) AnnotatePayment(_ context.Context, paymentID string, annotations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payment, ok := s.payments[paymentID]
	if !ok {
		return payhook.ErrPaymentNotFound
	}
	payment.Metadata = mergeMetadata(payment.Metadata, annotations)
	payment.UpdatedAt = s.now().UTC()
	return nil
}

// CreateLoyaltyTransaction implements payhook.LoyaltyStore
func (s *Storage) CreateLoyaltyTransaction(_ context.Context, tx *payhook.LoyaltyTransaction) error {
	if tx == nil || tx.ID == "" || tx.OrderID == "" {
		return fmt.Errorf("invalid loyalty transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.loyaltyByOrder[tx.OrderID] {
		if s.loyalty[id].Type == tx.Type {
			return payhook.ErrLoyaltyTransactionExists
		}
	}
	c := *tx
	s.loyalty[c.ID] = &c
	s.loyaltyByOrder[c.OrderID] = append(s.loyaltyByOrder[c.OrderID], c.ID)
	return nil
}

// LoyaltyTransactionsForOrder implements payhook.LoyaltyStore
func (s *Storage) LoyaltyTransactionsForOrder(_ context.Context, orderID string) ([]*payhook.LoyaltyTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.loyaltyByOrder[orderID]
	out := make([]*payhook.LoyaltyTransaction, 0, len(ids))
	for _, id := range ids {
		c := *s.loyalty[id]
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ReserveRecord implements payhook.LedgerStore
func (s *Storage) ReserveRecord(_ context.Context, rec *payhook.ProcessingRecord, staleBefore time.Time) error {
	if rec == nil || rec.WebhookID == "" {
		return fmt.Errorf("invalid processing record")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ledger[rec.WebhookID]; ok {
		stale := existing.Status == payhook.RecordReserved && existing.ReservedAt.Before(staleBefore)
		if !stale {
			return payhook.ErrDuplicateEvent
		}
	}
	c := *rec
	c.Status = payhook.RecordReserved
	s.ledger[c.WebhookID] = &c
	return nil
}

// CompleteRecord implements payhook.LedgerStore
func (s *Storage) CompleteRecord(_ context.Context, webhookID string, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ledger[webhookID]
	if !ok {
		return payhook.ErrRecordNotFound
	}
	rec.Status = payhook.RecordProcessed
	rec.ProcessedAt = processedAt
	return nil
}

// ReleaseRecord implements payhook.LedgerStore
func (s *Storage) ReleaseRecord(_ context.Context, webhookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ledger[webhookID]
	if !ok {
		return payhook.ErrRecordNotFound
	}
	if rec.Status == payhook.RecordReserved {
		delete(s.ledger, webhookID)
	}
	return nil
}

// GetRecord implements payhook.LedgerStore
func (s *Storage) GetRecord(_ context.Context, webhookID string) (*payhook.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.ledger[webhookID]
	if !ok {
		return nil, payhook.ErrRecordNotFound
	}
	c := *rec
	return &c, nil
}

// Ping implements a health check; the in-memory store is always available
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

func mergeMetadata(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

var _ payhook.Storage = (*Storage)(nil)

func seedOrder(t *testing.T, s *Storage, id string) {
	t.Helper()
	err := s.CreateOrder(context.Background(), &payhook.Order{
		ID:            id,
		UserID:        "user-" + id,
		Status:        payhook.OrderStatusPending,
		PaymentStatus: payhook.PaymentStatusPending,
		TotalAmount:   4999,
		Currency:      "usd",
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
}

func TestStorage_CreateAndGetOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, payhook.ErrOrderNotFound) {
		t.Errorf("Expected ErrOrderNotFound, got %v", err)
	}

	seedOrder(t, s, "o1")
	if err := s.CreateOrder(ctx, &payhook.Order{ID: "o1"}); !errors.Is(err, payhook.ErrOrderExists) {
		t.Errorf("Expected ErrOrderExists, got %v", err)
	}

	order, err := s.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	order.Status = payhook.OrderStatusDelivered

	again, _ := s.GetOrder(ctx, "o1")
	if again.Status != payhook.OrderStatusPending {
		t.Errorf("Stored order was mutated through returned copy: %s", again.Status)
	}
}

func TestStorage_UpdateOrder_CompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	seedOrder(t, s, "o1")

	updated, err := s.UpdateOrder(ctx, &payhook.OrderUpdate{
		OrderID:               "o1",
		ExpectedStatus:        payhook.OrderStatusPending,
		ExpectedPaymentStatus: payhook.PaymentStatusPending,
		Status:                payhook.OrderStatusConfirmed,
		PaymentStatus:         payhook.PaymentStatusCompleted,
		PaymentIntentRef:      "pi_1",
	})
	if err != nil {
		t.Fatalf("UpdateOrder failed: %v", err)
	}
	if updated.Status != payhook.OrderStatusConfirmed || updated.PaymentIntentRef != "pi_1" {
		t.Errorf("Unexpected order after update: %+v", updated)
	}

	// Stale expectation loses
	_, err = s.UpdateOrder(ctx, &payhook.OrderUpdate{
		OrderID:               "o1",
		ExpectedStatus:        payhook.OrderStatusPending,
		ExpectedPaymentStatus: payhook.PaymentStatusPending,
		Status:                payhook.OrderStatusCancelled,
		PaymentStatus:         payhook.PaymentStatusFailed,
	})
	if !errors.Is(err, payhook.ErrConcurrentUpdate) {
		t.Errorf("Expected ErrConcurrentUpdate, got %v", err)
	}

	byRef, err := s.GetOrderByPaymentRef(ctx, "pi_1")
	if err != nil {
		t.Fatalf("GetOrderByPaymentRef failed: %v", err)
	}
	if byRef.ID != "o1" {
		t.Errorf("Expected o1, got %s", byRef.ID)
	}
}

func TestStorage_PaymentsUpsertAndAnnotate(t *testing.T) {
	s := New()
	ctx := context.Background()

	err := s.UpsertPayment(ctx, &payhook.PaymentRecord{
		ID:               "p1",
		OrderID:          "o1",
		PaymentIntentRef: "pi_1",
		Status:           payhook.PaymentRecordSucceeded,
		ChargeRef:        "ch_1",
		Metadata:         map[string]string{"source": "webhook"},
	})
	if err != nil {
		t.Fatalf("UpsertPayment failed: %v", err)
	}

	// Second upsert keyed by intent keeps the original id
	err = s.UpsertPayment(ctx, &payhook.PaymentRecord{
		ID:               "p2",
		OrderID:          "o1",
		PaymentIntentRef: "pi_1",
		Status:           payhook.PaymentRecordSucceeded,
		ReceiptRef:       "rcpt_1",
	})
	if err != nil {
		t.Fatalf("UpsertPayment failed: %v", err)
	}

	if err := s.AnnotatePayment(ctx, "p1", map[string]string{"dispute_id": "dp_1"}); err != nil {
		t.Fatalf("AnnotatePayment failed: %v", err)
	}

	p, err := s.GetPaymentByCharge(ctx, "ch_1")
	if err != nil {
		t.Fatalf("GetPaymentByCharge failed: %v", err)
	}
	if p.ID != "p1" || p.ReceiptRef != "rcpt_1" {
		t.Errorf("Unexpected payment: %+v", p)
	}
	if p.Metadata["source"] != "webhook" || p.Metadata["dispute_id"] != "dp_1" {
		t.Errorf("Metadata not merged: %v", p.Metadata)
	}

	if err := s.AnnotatePayment(ctx, "missing", nil); !errors.Is(err, payhook.ErrPaymentNotFound) {
		t.Errorf("Expected ErrPaymentNotFound, got %v", err)
	}
}

func TestStorage_LoyaltyUniquePerOrderAndType(t *testing.T) {
	s := New()
	ctx := context.Background()

	tx := &payhook.LoyaltyTransaction{ID: "l1", UserID: "u1", OrderID: "o1", Points: 4999, Type: payhook.LoyaltyEarned}
	if err := s.CreateLoyaltyTransaction(ctx, tx); err != nil {
		t.Fatalf("CreateLoyaltyTransaction failed: %v", err)
	}
	dup := &payhook.LoyaltyTransaction{ID: "l2", UserID: "u1", OrderID: "o1", Points: 4999, Type: payhook.LoyaltyEarned}
	if err := s.CreateLoyaltyTransaction(ctx, dup); !errors.Is(err, payhook.ErrLoyaltyTransactionExists) {
		t.Errorf("Expected ErrLoyaltyTransactionExists, got %v", err)
	}

	txs, err := s.LoyaltyTransactionsForOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("LoyaltyTransactionsForOrder failed: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(txs))
	}
}

func TestStorage_LedgerReserveLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	rec := &payhook.ProcessingRecord{WebhookID: "w1", EventID: "evt_1", ReservedAt: now}
	if err := s.ReserveRecord(ctx, rec, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("ReserveRecord failed: %v", err)
	}
	if err := s.ReserveRecord(ctx, rec, now.Add(-10*time.Minute)); !errors.Is(err, payhook.ErrDuplicateEvent) {
		t.Errorf("Expected ErrDuplicateEvent for live reservation, got %v", err)
	}

	// A reservation older than staleBefore is taken over
	later := now.Add(11 * time.Minute)
	takeover := &payhook.ProcessingRecord{WebhookID: "w1", EventID: "evt_1", ReservedAt: later}
	if err := s.ReserveRecord(ctx, takeover, later.Add(-10*time.Minute)); err != nil {
		t.Errorf("Expected stale reservation takeover, got %v", err)
	}

	if err := s.CompleteRecord(ctx, "w1", later); err != nil {
		t.Fatalf("CompleteRecord failed: %v", err)
	}
	// Processed records are never taken over
	if err := s.ReserveRecord(ctx, rec, later.Add(time.Hour)); !errors.Is(err, payhook.ErrDuplicateEvent) {
		t.Errorf("Expected ErrDuplicateEvent for processed record, got %v", err)
	}
	// Release leaves processed records alone
	if err := s.ReleaseRecord(ctx, "w1"); err != nil {
		t.Fatalf("ReleaseRecord failed: %v", err)
	}
	got, err := s.GetRecord(ctx, "w1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Status != payhook.RecordProcessed {
		t.Errorf("Expected processed, got %s", got.Status)
	}
}

func TestStorage_ConcurrentReserve(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	const goroutines = 50
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &payhook.ProcessingRecord{WebhookID: "w1", ReservedAt: now}
			if err := s.ReserveRecord(ctx, rec, now.Add(-time.Minute)); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one reservation to win, got %d", wins)
	}
}

package payhook

import (
	"context"
	"errors"
	"time"
)

// CircuitBreakerLedgerStore wraps a LedgerStore with circuit breaker protection.
// Expected outcomes (duplicate, not found) pass through without counting as failures.
type CircuitBreakerLedgerStore struct {
	store LedgerStore
	cb    CircuitBreaker
}

// NewCircuitBreakerLedgerStore creates a new ledger store wrapper with circuit breaker.
func NewCircuitBreakerLedgerStore(store LedgerStore, cb CircuitBreaker) *CircuitBreakerLedgerStore {
	return &CircuitBreakerLedgerStore{
		store: store,
		cb:    cb,
	}
}

func isExpectedLedgerError(err error) bool {
	return errors.Is(err, ErrDuplicateEvent) || errors.Is(err, ErrRecordNotFound)
}

// execute runs fn in the breaker, shielding it from expected errors.
func (s *CircuitBreakerLedgerStore) execute(ctx context.Context, fn func() error) error {
	var expected error
	err := s.cb.Execute(ctx, func() error {
		e := fn()
		if isExpectedLedgerError(e) {
			expected = e
			return nil
		}
		return e
	})
	if err != nil {
		return err
	}
	return expected
}

func (s *CircuitBreakerLedgerStore) ReserveRecord(ctx context.Context, rec *ProcessingRecord, staleBefore time.Time) error {
	return s.execute(ctx, func() error {
		return s.store.ReserveRecord(ctx, rec, staleBefore)
	})
}

func (s *CircuitBreakerLedgerStore) CompleteRecord(ctx context.Context, webhookID string, processedAt time.Time) error {
	return s.execute(ctx, func() error {
		return s.store.CompleteRecord(ctx, webhookID, processedAt)
	})
}

func (s *CircuitBreakerLedgerStore) ReleaseRecord(ctx context.Context, webhookID string) error {
	return s.execute(ctx, func() error {
		return s.store.ReleaseRecord(ctx, webhookID)
	})
}

func (s *CircuitBreakerLedgerStore) GetRecord(ctx context.Context, webhookID string) (*ProcessingRecord, error) {
	var rec *ProcessingRecord
	err := s.execute(ctx, func() error {
		var e error
		rec, e = s.store.GetRecord(ctx, webhookID)
		return e
	})
	return rec, err
}

// Package tiered composes payhook storage backends. Orders, payments and
// loyalty stay on the primary store while the idempotency ledger can live on
// a dedicated store, with an optional audit copy written asynchronously.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Config configures the tiered storage behavior
type Config struct {
	// Primary stores orders, payments and loyalty transactions. Its ledger
	// methods are used when Ledger is nil.
	Primary payhook.Storage

	// Ledger is the ledger of record (e.g., Firestore). Reservation decisions
	// are made here.
	Ledger payhook.LedgerStore

	// Audit receives a best-effort copy of every ledger transition.
	Audit payhook.LedgerStore

	// SyncBufferSize is the size of the buffered channel for audit writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an audit write fails.
	AsyncErrorHandler func(error)
}

// Storage implements payhook.Storage over a primary store and a ledger store.
// - Orders, payments, loyalty: Primary
// - Ledger reads and writes: Ledger (synchronous, authoritative)
// - Ledger audit: Audit (asynchronous, sequential, best effort)
type Storage struct {
	payhook.OrderStore
	payhook.PaymentStore
	payhook.LoyaltyStore

	ledger payhook.LedgerStore
	audit  payhook.LedgerStore
	conf   Config

	// Channel for async audit writes
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ payhook.Storage = (*Storage)(nil)

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Primary == nil {
		return nil, errors.New("tiered storage: primary storage is required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	ledger := config.Ledger
	if ledger == nil {
		ledger = config.Primary
	}

	s := &Storage{
		OrderStore:   config.Primary,
		PaymentStore: config.Primary,
		LoyaltyStore: config.Primary,
		ledger:       ledger,
		audit:        config.Audit,
		conf:         config,
		syncQueue:    make(chan func() error, config.SyncBufferSize),
		shutdown:     make(chan struct{}),
	}

	if s.audit != nil {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the audit worker, draining queued writes.
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background audit loop.
// Jobs run sequentially so each record's transitions arrive in order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.runJob(job)
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.runJob(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) runJob(job func() error) {
	if err := job(); err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered audit failed: %w", err))
	}
}

// enqueue schedules an audit write without blocking the caller.
func (s *Storage) enqueue(job func(ctx context.Context) error) {
	if s.audit == nil {
		return
	}
	select {
	case s.syncQueue <- func() error {
		// Context background ensures completion even if the request is cancelled
		return job(context.Background())
	}:
	default:
		if s.conf.AsyncErrorHandler != nil {
			s.conf.AsyncErrorHandler(errors.New("tiered storage: audit queue full, dropping write"))
		}
	}
}

// ReserveRecord implements payhook.LedgerStore
func (s *Storage) ReserveRecord(ctx context.Context, rec *payhook.ProcessingRecord, staleBefore time.Time) error {
	if err := s.ledger.ReserveRecord(ctx, rec, staleBefore); err != nil {
		return err
	}

	recClone := *rec
	s.enqueue(func(ctx context.Context) error {
		err := s.audit.ReserveRecord(ctx, &recClone, staleBefore)
		if errors.Is(err, payhook.ErrDuplicateEvent) {
			// The audit copy already saw this webhook
			return nil
		}
		return err
	})
	return nil
}

// CompleteRecord implements payhook.LedgerStore
func (s *Storage) CompleteRecord(ctx context.Context, webhookID string, processedAt time.Time) error {
	if err := s.ledger.CompleteRecord(ctx, webhookID, processedAt); err != nil {
		return err
	}
	s.enqueue(func(ctx context.Context) error {
		return s.audit.CompleteRecord(ctx, webhookID, processedAt)
	})
	return nil
}

// ReleaseRecord implements payhook.LedgerStore
func (s *Storage) ReleaseRecord(ctx context.Context, webhookID string) error {
	if err := s.ledger.ReleaseRecord(ctx, webhookID); err != nil {
		return err
	}
	s.enqueue(func(ctx context.Context) error {
		return s.audit.ReleaseRecord(ctx, webhookID)
	})
	return nil
}

// GetRecord implements payhook.LedgerStore. Only the ledger of record is read.
func (s *Storage) GetRecord(ctx context.Context, webhookID string) (*payhook.ProcessingRecord, error) {
	return s.ledger.GetRecord(ctx, webhookID)
}

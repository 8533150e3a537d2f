package payhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultReservationTTL is how long a reservation blocks redelivery before it
// is considered abandoned. It must exceed the signature tolerance so that a
// delivery still being processed can never be taken over by a valid retry.
const DefaultReservationTTL = 10 * time.Minute

// ledgerLookupTimeout bounds a shared durable lookup, which runs detached
// from the context of whichever caller started it.
const ledgerLookupTimeout = 5 * time.Second

// LedgerConfig configures a Ledger.
type LedgerConfig struct {
	// Store is the durable tier. Required.
	Store LedgerStore

	// Cache is the fast tier. Defaults to an LRULedgerCache.
	Cache LedgerCache

	// ReservationTTL defaults to DefaultReservationTTL.
	ReservationTTL time.Duration

	Logger  Logger
	Metrics Metrics

	// Now overrides the time source.
	Now func() time.Time
}

// Ledger is the idempotency ledger: a cache in front of a durable store that
// records which webhook deliveries have been processed.
type Ledger struct {
	store   LedgerStore
	cache   LedgerCache
	ttl     time.Duration
	logger  Logger
	metrics Metrics
	now     func() time.Time
	group   singleflight.Group
}

// NewLedger creates a Ledger.
func NewLedger(cfg *LedgerConfig) (*Ledger, error) {
	if cfg == nil || cfg.Store == nil {
		return nil, errors.New("ledger store is required")
	}

	l := &Ledger{
		store:   cfg.Store,
		cache:   cfg.Cache,
		ttl:     cfg.ReservationTTL,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	if l.cache == nil {
		l.cache = NewLRULedgerCache(DefaultLedgerCacheCapacity)
	}
	if l.ttl <= 0 {
		l.ttl = DefaultReservationTTL
	}
	if l.logger == nil {
		l.logger = &NoopLogger{}
	}
	if l.metrics == nil {
		l.metrics = &NoopMetrics{}
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// ReservationTTL returns the configured reservation TTL.
func (l *Ledger) ReservationTTL() time.Duration {
	return l.ttl
}

// IDFor derives the webhook id of a delivery: hex SHA-256 over the signed
// timestamp, the signature values and the canonical JSON of the body.
func IDFor(event *InboundEvent) (string, error) {
	header, err := parseSignatureHeader(event.SignatureHeader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	canonical, err := CanonicalJSON(event.Raw)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(header.rawTimestamp))
	h.Write([]byte(strings.Join(header.rawSigs, ",")))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsProcessed reports whether a processed record exists for webhookID. The
// cache is consulted first; concurrent misses for one id share a single
// durable lookup. Durable errors return ErrLedgerUnavailable.
func (l *Ledger) IsProcessed(ctx context.Context, webhookID string) (bool, error) {
	if rec, ok := l.cache.Get(ctx, webhookID); ok && rec.Status == RecordProcessed {
		l.metrics.RecordLedgerLookup("cache", true)
		return true, nil
	}

	ch := l.group.DoChan(webhookID, func() (interface{}, error) {
		// Other callers may be waiting on this lookup, so the starter's
		// cancellation must not end it.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerLookupTimeout)
		defer cancel()

		rec, err := l.store.GetRecord(lookupCtx, webhookID)
		if errors.Is(err, ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if rec.Status != RecordProcessed {
			return false, nil
		}
		l.cache.Put(lookupCtx, rec)
		return true, nil
	})

	var (
		v   interface{}
		err error
	)
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		l.logger.Error("ledger lookup failed",
			Field{"webhook_id", webhookID},
			Field{"error", err},
		)
		return false, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	processed, _ := v.(bool)
	l.metrics.RecordLedgerLookup("store", processed)
	return processed, nil
}

// Reserve atomically claims rec.WebhookID for processing. It returns
// ErrDuplicateEvent if the id is already processed or reserved by a live
// reservation; abandoned reservations older than the TTL are taken over.
func (l *Ledger) Reserve(ctx context.Context, rec *ProcessingRecord) error {
	now := l.now()
	rec.Status = RecordReserved
	rec.ReservedAt = now
	rec.ProcessedAt = time.Time{}

	err := l.store.ReserveRecord(ctx, rec, now.Add(-l.ttl))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDuplicateEvent):
		return ErrDuplicateEvent
	default:
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
}

// MarkProcessed flips a reservation to processed in the store and caches it.
func (l *Ledger) MarkProcessed(ctx context.Context, rec *ProcessingRecord) error {
	processedAt := l.now()
	if err := l.store.CompleteRecord(ctx, rec.WebhookID, processedAt); err != nil {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	rec.Status = RecordProcessed
	rec.ProcessedAt = processedAt
	l.cache.Put(ctx, rec)
	return nil
}

// Release drops a reservation so that a redelivery can process the event.
func (l *Ledger) Release(ctx context.Context, webhookID string) error {
	if err := l.store.ReleaseRecord(ctx, webhookID); err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	return nil
}

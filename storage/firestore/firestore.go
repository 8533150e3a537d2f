// Package firestore provides a Firestore implementation of payhook.LedgerStore.
// Reservations run inside a transaction so concurrent deliveries of the same
// webhook observe each other.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

// Storage implements payhook.LedgerStore using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	ledgerCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// LedgerCollection is the Firestore collection for webhook ledger records
	// Default: "webhook_ledger"
	LedgerCollection string
}

// New creates a new Firestore ledger store
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.LedgerCollection == "" {
		config.LedgerCollection = "webhook_ledger"
	}

	return &Storage{
		client:           client,
		ledgerCollection: config.LedgerCollection,
	}, nil
}

// ReserveRecord implements payhook.LedgerStore
func (s *Storage) ReserveRecord(ctx context.Context, rec *payhook.ProcessingRecord, staleBefore time.Time) error {
	if rec == nil || rec.WebhookID == "" {
		return fmt.Errorf("invalid ledger record")
	}
	doc := s.ledgerDoc(rec.WebhookID)

	return s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if snap != nil && snap.Exists() {
			data := snap.Data()
			stale := getString(data, "status") == string(payhook.RecordReserved) &&
				getTime(data, "reservedAt").Before(staleBefore)
			if !stale {
				return payhook.ErrDuplicateEvent
			}
		}

		return tx.Set(doc, map[string]interface{}{
			"webhookId":  rec.WebhookID,
			"eventId":    rec.EventID,
			"eventType":  rec.EventType,
			"source":     string(rec.Source),
			"status":     string(payhook.RecordReserved),
			"reservedAt": rec.ReservedAt,
		})
	})
}

// CompleteRecord implements payhook.LedgerStore
func (s *Storage) CompleteRecord(ctx context.Context, webhookID string, processedAt time.Time) error {
	_, err := s.ledgerDoc(webhookID).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(payhook.RecordProcessed)},
		{Path: "processedAt", Value: processedAt},
	})
	if status.Code(err) == codes.NotFound {
		return payhook.ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to complete ledger record: %w", err)
	}
	return nil
}

// ReleaseRecord implements payhook.LedgerStore
func (s *Storage) ReleaseRecord(ctx context.Context, webhookID string) error {
	doc := s.ledgerDoc(webhookID)
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if status.Code(err) == codes.NotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if getString(snap.Data(), "status") != string(payhook.RecordReserved) {
			return nil
		}
		return tx.Delete(doc)
	})
	if err != nil {
		return fmt.Errorf("failed to release ledger record: %w", err)
	}
	return nil
}

// GetRecord implements payhook.LedgerStore
func (s *Storage) GetRecord(ctx context.Context, webhookID string) (*payhook.ProcessingRecord, error) {
	snap, err := s.ledgerDoc(webhookID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, payhook.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}
	if !snap.Exists() {
		return nil, payhook.ErrRecordNotFound
	}

	data := snap.Data()
	return &payhook.ProcessingRecord{
		WebhookID:   webhookID,
		EventID:     getString(data, "eventId"),
		EventType:   getString(data, "eventType"),
		Source:      payhook.Source(getString(data, "source")),
		Status:      payhook.RecordStatus(getString(data, "status")),
		ReservedAt:  getTime(data, "reservedAt"),
		ProcessedAt: getTime(data, "processedAt"),
	}, nil
}

func (s *Storage) ledgerDoc(webhookID string) *firestore.DocumentRef {
	return s.client.Collection(s.ledgerCollection).Doc(webhookID)
}

// Helper functions for type conversion from Firestore data

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

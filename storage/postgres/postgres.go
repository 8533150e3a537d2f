// Package postgres provides a PostgreSQL implementation of the payhook.Storage interface.
// The ledger reservation is a single INSERT ... ON CONFLICT statement, so the
// unique key on webhook_id decides which concurrent delivery gets to process.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/gopayhook/pkg/payhook"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Storage implements payhook.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Retention of processed ledger records
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		RecordTTL:       30 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate creates the tables and indexes if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const orderColumns = `id, user_id, customer_email, status, payment_status, payment_intent_ref,
	checkout_session_ref, total_amount, currency, items, created_at, updated_at`

func scanOrder(row pgx.Row) (*payhook.Order, error) {
	var (
		o     payhook.Order
		items []byte
	)
	err := row.Scan(&o.ID, &o.UserID, &o.CustomerEmail, &o.Status, &o.PaymentStatus, &o.PaymentIntentRef,
		&o.CheckoutSessionRef, &o.TotalAmount, &o.Currency, &items, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payhook.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("failed to decode order items: %w", err)
		}
	}
	return &o, nil
}

// CreateOrder implements payhook.OrderStore
func (s *Storage) CreateOrder(ctx context.Context, order *payhook.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return fmt.Errorf("failed to encode order items: %w", err)
	}
	if order.Items == nil {
		items = []byte("[]")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (id, user_id, customer_email, status, payment_status, payment_intent_ref,
			checkout_session_ref, total_amount, currency, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, NOW(), NOW())`,
		order.ID, order.UserID, order.CustomerEmail, string(order.Status), string(order.PaymentStatus),
		order.PaymentIntentRef, order.CheckoutSessionRef, order.TotalAmount, order.Currency, string(items))
	if isUniqueViolation(err) {
		return payhook.ErrOrderExists
	}
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// GetOrder implements payhook.OrderStore
func (s *Storage) GetOrder(ctx context.Context, orderID string) (*payhook.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

// GetOrderByPaymentRef implements payhook.OrderStore
func (s *Storage) GetOrderByPaymentRef(ctx context.Context, paymentIntentRef string) (*payhook.Order, error) {
	if paymentIntentRef == "" {
		return nil, payhook.ErrOrderNotFound
	}
	return scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE payment_intent_ref = $1`, paymentIntentRef))
}

// UpdateOrder implements payhook.OrderStore. The WHERE clause carries the
// expected statuses, so a lost race updates no row.
func (s *Storage) UpdateOrder(ctx context.Context, update *payhook.OrderUpdate) (*payhook.Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `
		UPDATE orders SET
			status = $4,
			payment_status = $5,
			payment_intent_ref = COALESCE(NULLIF($6, ''), payment_intent_ref),
			checkout_session_ref = COALESCE(NULLIF($7, ''), checkout_session_ref),
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND payment_status = $3
		RETURNING `+orderColumns,
		update.OrderID, string(update.ExpectedStatus), string(update.ExpectedPaymentStatus),
		string(update.Status), string(update.PaymentStatus), update.PaymentIntentRef, update.CheckoutSessionRef))
	if errors.Is(err, payhook.ErrOrderNotFound) {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, update.OrderID).Scan(&exists); qerr != nil {
			return nil, fmt.Errorf("failed to check order: %w", qerr)
		}
		if exists {
			return nil, payhook.ErrConcurrentUpdate
		}
		return nil, payhook.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	return order, nil
}

const paymentColumns = `id, order_id, payment_intent_ref, status, charge_ref, receipt_ref,
	amount, currency, metadata, created_at, updated_at`

func scanPayment(row pgx.Row) (*payhook.PaymentRecord, error) {
	var (
		p        payhook.PaymentRecord
		metadata []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.PaymentIntentRef, &p.Status, &p.ChargeRef, &p.ReceiptRef,
		&p.Amount, &p.Currency, &metadata, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payhook.ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

// UpsertPayment implements payhook.PaymentStore
func (s *Storage) UpsertPayment(ctx context.Context, payment *payhook.PaymentRecord) error {
	metadata, err := encodeMetadata(payment.Metadata)
	if err != nil {
		return err
	}
	id := payment.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO payments (id, order_id, payment_intent_ref, status, charge_ref, receipt_ref,
			amount, currency, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, NOW(), NOW())
		ON CONFLICT (payment_intent_ref) DO UPDATE SET
			order_id = EXCLUDED.order_id,
			status = EXCLUDED.status,
			charge_ref = COALESCE(NULLIF(EXCLUDED.charge_ref, ''), payments.charge_ref),
			receipt_ref = COALESCE(NULLIF(EXCLUDED.receipt_ref, ''), payments.receipt_ref),
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			metadata = payments.metadata || EXCLUDED.metadata,
			updated_at = NOW()`,
		id, payment.OrderID, payment.PaymentIntentRef, string(payment.Status), payment.ChargeRef,
		payment.ReceiptRef, payment.Amount, payment.Currency, metadata)
	if err != nil {
		return fmt.Errorf("failed to upsert payment: %w", err)
	}
	return nil
}

// GetPaymentByIntent implements payhook.PaymentStore
func (s *Storage) GetPaymentByIntent(ctx context.Context, paymentIntentRef string) (*payhook.PaymentRecord, error) {
	return scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE payment_intent_ref = $1`, paymentIntentRef))
}

// GetPaymentByCharge implements payhook.PaymentStore
func (s *Storage) GetPaymentByCharge(ctx context.Context, chargeRef string) (*payhook.PaymentRecord, error) {
	if chargeRef == "" {
		return nil, payhook.ErrPaymentNotFound
	}
	return scanPayment(s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE charge_ref = $1 ORDER BY created_at LIMIT 1`, chargeRef))
}

// AnnotatePayment implements payhook.PaymentStore
func (s *Storage) AnnotatePayment(ctx context.Context, paymentID string, annotations map[string]string) error {
	metadata, err := encodeMetadata(annotations)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE payments SET metadata = metadata || $2::jsonb, updated_at = NOW() WHERE id = $1`,
		paymentID, metadata)
	if err != nil {
		return fmt.Errorf("failed to annotate payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payhook.ErrPaymentNotFound
	}
	return nil
}

// CreateLoyaltyTransaction implements payhook.LoyaltyStore
func (s *Storage) CreateLoyaltyTransaction(ctx context.Context, tx *payhook.LoyaltyTransaction) error {
	id, err := uuid.Parse(tx.ID)
	if err != nil {
		return fmt.Errorf("invalid loyalty transaction id: %w", err)
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var inserted string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO loyalty_transactions (id, user_id, order_id, points, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id, type) DO NOTHING
		RETURNING id::text`,
		id.String(), tx.UserID, tx.OrderID, tx.Points, string(tx.Type), createdAt).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return payhook.ErrLoyaltyTransactionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create loyalty transaction: %w", err)
	}
	return nil
}

// LoyaltyTransactionsForOrder implements payhook.LoyaltyStore
func (s *Storage) LoyaltyTransactionsForOrder(ctx context.Context, orderID string) ([]*payhook.LoyaltyTransaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, user_id, order_id, points, type, created_at
		FROM loyalty_transactions WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loyalty transactions: %w", err)
	}
	defer rows.Close()

	var out []*payhook.LoyaltyTransaction
	for rows.Next() {
		var tx payhook.LoyaltyTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.OrderID, &tx.Points, &tx.Type, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan loyalty transaction: %w", err)
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}

// ReserveRecord implements payhook.LedgerStore. An existing row is only
// overwritten when it is an abandoned reservation.
func (s *Storage) ReserveRecord(ctx context.Context, rec *payhook.ProcessingRecord, staleBefore time.Time) error {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO webhook_ledger (webhook_id, event_id, event_type, source, status, reserved_at, processed_at)
		VALUES ($1, $2, $3, $4, 'reserved', $5, NULL)
		ON CONFLICT (webhook_id) DO UPDATE SET
			event_id = EXCLUDED.event_id,
			event_type = EXCLUDED.event_type,
			source = EXCLUDED.source,
			reserved_at = EXCLUDED.reserved_at
		WHERE webhook_ledger.status = 'reserved' AND webhook_ledger.reserved_at < $6
		RETURNING webhook_id`,
		rec.WebhookID, rec.EventID, rec.EventType, string(rec.Source), rec.ReservedAt, staleBefore).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return payhook.ErrDuplicateEvent
	}
	if err != nil {
		return fmt.Errorf("failed to reserve ledger record: %w", err)
	}
	return nil
}

// CompleteRecord implements payhook.LedgerStore
func (s *Storage) CompleteRecord(ctx context.Context, webhookID string, processedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_ledger SET status = 'processed', processed_at = $2 WHERE webhook_id = $1`,
		webhookID, processedAt)
	if err != nil {
		return fmt.Errorf("failed to complete ledger record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return payhook.ErrRecordNotFound
	}
	return nil
}

// ReleaseRecord implements payhook.LedgerStore
func (s *Storage) ReleaseRecord(ctx context.Context, webhookID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_ledger WHERE webhook_id = $1 AND status = 'reserved'`, webhookID)
	if err != nil {
		return fmt.Errorf("failed to release ledger record: %w", err)
	}
	return nil
}

// GetRecord implements payhook.LedgerStore
func (s *Storage) GetRecord(ctx context.Context, webhookID string) (*payhook.ProcessingRecord, error) {
	var (
		rec         payhook.ProcessingRecord
		processedAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT webhook_id, event_id, event_type, source, status, reserved_at, processed_at
		FROM webhook_ledger WHERE webhook_id = $1`, webhookID).Scan(
		&rec.WebhookID, &rec.EventID, &rec.EventType, &rec.Source, &rec.Status, &rec.ReservedAt, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payhook.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger record: %w", err)
	}
	if processedAt != nil {
		rec.ProcessedAt = *processedAt
	}
	return &rec, nil
}

// startCleanup runs periodic cleanup of expired ledger records
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.cleanupExpiredRecords(ctx)
		}
	}
}

// cleanupExpiredRecords deletes ledger records older than RecordTTL. The
// retention must exceed any window in which the gateway still redelivers.
func (s *Storage) cleanupExpiredRecords(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)
	_, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_ledger
		WHERE (status = 'processed' AND processed_at < $1)
		   OR (status = 'reserved' AND reserved_at < $1)`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup ledger records: %w", err)
	}
	return nil
}

// Cleanup can be called manually to clean up expired records
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupExpiredRecords(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

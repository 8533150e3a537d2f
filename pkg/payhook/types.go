package payhook

import "time"

// OrderStatus is the fulfilment status of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipped    OrderStatus = "SHIPPED"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// orderStatusRank orders the forward path. CANCELLED sits outside it.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:    0,
	OrderStatusConfirmed:  1,
	OrderStatusProcessing: 2,
	OrderStatusShipped:    3,
	OrderStatusDelivered:  4,
}

// IsTerminal reports whether no further event may change the status.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCancelled || s == OrderStatusDelivered
}

// AtLeast returns the later of s and floor on the forward path.
// Terminal statuses are returned unchanged.
func (s OrderStatus) AtLeast(floor OrderStatus) OrderStatus {
	if s.IsTerminal() {
		return s
	}
	if orderStatusRank[floor] > orderStatusRank[s] {
		return floor
	}
	return s
}

// CanTransitionTo reports whether moving from s to next respects the order lifecycle:
// no change out of a terminal state, CANCELLED from any non-terminal state,
// otherwise forward-only.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return true
	}
	cur, ok := orderStatusRank[s]
	if !ok {
		return false
	}
	nxt, ok := orderStatusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// PaymentStatus is the payment status tracked on an order.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// PaymentRecordStatus mirrors the gateway payment object status.
type PaymentRecordStatus string

const (
	PaymentRecordSucceeded PaymentRecordStatus = "SUCCEEDED"
	PaymentRecordFailed    PaymentRecordStatus = "FAILED"
)

// Source identifies which endpoint class processed an event.
type Source string

const (
	SourceTest       Source = "test"
	SourceProduction Source = "production"
)

// RecordStatus is the lifecycle of a ledger record.
type RecordStatus string

const (
	// RecordReserved marks an event whose processing has started but not finished
	RecordReserved RecordStatus = "reserved"
	// RecordProcessed marks an event whose effects have been applied
	RecordProcessed RecordStatus = "processed"
)

// LoyaltyTransactionType classifies loyalty ledger entries.
type LoyaltyTransactionType string

const (
	LoyaltyEarned LoyaltyTransactionType = "EARNED"
)

// OrderItem is a line item on an order.
type OrderItem struct {
	ProductID  string `json:"product_id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	UnitAmount int64  `json:"unit_amount"`
}

// Order is the storefront order as seen by the payment pipeline.
// TotalAmount is expressed in minor currency units (cents).
type Order struct {
	ID                 string
	UserID             string
	CustomerEmail      string
	Status             OrderStatus
	PaymentStatus      PaymentStatus
	PaymentIntentRef   string
	CheckoutSessionRef string
	TotalAmount        int64
	Currency           string
	Items              []OrderItem
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Items != nil {
		c.Items = make([]OrderItem, len(o.Items))
		copy(c.Items, o.Items)
	}
	return &c
}

// OrderUpdate is a compare-and-set mutation of an order's status fields.
// Stores apply it only if the order still has ExpectedStatus and
// ExpectedPaymentStatus, otherwise they return ErrConcurrentUpdate.
type OrderUpdate struct {
	OrderID               string
	ExpectedStatus        OrderStatus
	ExpectedPaymentStatus PaymentStatus

	Status        OrderStatus
	PaymentStatus PaymentStatus

	// PaymentIntentRef and CheckoutSessionRef are written only when non-empty
	PaymentIntentRef   string
	CheckoutSessionRef string
}

// PaymentRecord mirrors a gateway payment object.
type PaymentRecord struct {
	ID               string
	OrderID          string
	PaymentIntentRef string
	Status           PaymentRecordStatus
	ChargeRef        string
	ReceiptRef       string
	Amount           int64
	Currency         string
	Metadata         map[string]string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy of the payment record.
func (p *PaymentRecord) Clone() *PaymentRecord {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// LoyaltyTransaction is an append-only loyalty ledger entry.
type LoyaltyTransaction struct {
	ID        string
	UserID    string
	OrderID   string
	Points    int64
	Type      LoyaltyTransactionType
	CreatedAt time.Time
}

// ProcessingRecord is an idempotency ledger entry keyed by WebhookID.
type ProcessingRecord struct {
	WebhookID   string
	EventID     string
	EventType   string
	Source      Source
	Status      RecordStatus
	ReservedAt  time.Time
	ProcessedAt time.Time
}

// ChargeDetail is the subset of a gateway charge the pipeline records.
type ChargeDetail struct {
	ChargeRef  string
	ReceiptRef string
	Amount     int64
	Currency   string
	Paid       bool
}

// LoyaltyPointsFor returns floor(total * 100) for a total given in major units,
// which for an amount already held in minor units is the amount itself.
func LoyaltyPointsFor(totalMinorUnits int64) int64 {
	if totalMinorUnits < 0 {
		return 0
	}
	return totalMinorUnits
}

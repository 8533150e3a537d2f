package payhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"
)

// EventKind is the closed set of event kinds the pipeline distinguishes.
type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout_completed"
	KindPaymentSucceeded  EventKind = "payment_succeeded"
	KindPaymentFailed     EventKind = "payment_failed"
	KindDisputeCreated    EventKind = "dispute_created"
	KindInvoicePaid       EventKind = "invoice_paid"
	KindUnrecognized      EventKind = "unrecognized"
)

// Payload is the typed body of an inbound event. The set of implementations
// is closed; handlers type-switch over it.
type Payload interface {
	Kind() EventKind
	sealed()
}

// CheckoutCompleted carries a completed checkout session.
type CheckoutCompleted struct {
	Session *stripe.CheckoutSession
}

// PaymentSucceeded carries a succeeded payment intent.
type PaymentSucceeded struct {
	Intent *stripe.PaymentIntent
}

// PaymentFailed carries a payment intent whose payment failed.
type PaymentFailed struct {
	Intent *stripe.PaymentIntent
	// FailureMessage is the gateway's last payment error message, if any
	FailureMessage string
}

// DisputeCreated carries a newly opened dispute.
type DisputeCreated struct {
	Dispute *stripe.Dispute
}

// InvoicePaid carries a paid invoice.
type InvoicePaid struct {
	Invoice *stripe.Invoice
}

// Unrecognized is any event type the pipeline does not route.
type Unrecognized struct {
	Type string
}

func (CheckoutCompleted) Kind() EventKind { return KindCheckoutCompleted }
func (PaymentSucceeded) Kind() EventKind  { return KindPaymentSucceeded }
func (PaymentFailed) Kind() EventKind     { return KindPaymentFailed }
func (DisputeCreated) Kind() EventKind    { return KindDisputeCreated }
func (InvoicePaid) Kind() EventKind       { return KindInvoicePaid }
func (Unrecognized) Kind() EventKind      { return KindUnrecognized }

func (CheckoutCompleted) sealed() {}
func (PaymentSucceeded) sealed()  {}
func (PaymentFailed) sealed()     {}
func (DisputeCreated) sealed()    {}
func (InvoicePaid) sealed()       {}
func (Unrecognized) sealed()      {}

// InboundEvent is a verified, parsed gateway notification. It is not
// modified after ParseEvent returns.
type InboundEvent struct {
	ID              string
	Type            string
	Kind            EventKind
	CreatedAt       time.Time
	Livemode        bool
	Payload         Payload
	Raw             []byte
	SignatureHeader string
}

// paymentErrorEnvelope pulls the failure message out of a payment intent.
type paymentErrorEnvelope struct {
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// ParseEvent decodes a verified request body into an InboundEvent.
// Unknown event types decode to Unrecognized; malformed JSON or objects
// that do not match their declared type return ErrInvalidPayload.
func ParseEvent(body []byte, signatureHeader string) (*InboundEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrInvalidPayload)
	}

	payload, err := decodePayload(&event)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, len(body))
	copy(raw, body)

	return &InboundEvent{
		ID:              event.ID,
		Type:            string(event.Type),
		Kind:            payload.Kind(),
		CreatedAt:       time.Unix(event.Created, 0).UTC(),
		Livemode:        event.Livemode,
		Payload:         payload,
		Raw:             raw,
		SignatureHeader: signatureHeader,
	}, nil
}

func decodePayload(event *stripe.Event) (Payload, error) {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}
	decode := func(v interface{}) error {
		if len(raw) == 0 {
			return fmt.Errorf("%w: event %s has no data object", ErrInvalidPayload, event.ID)
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("%w: decode %s: %v", ErrInvalidPayload, event.Type, err)
		}
		return nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := decode(&session); err != nil {
			return nil, err
		}
		return CheckoutCompleted{Session: &session}, nil

	case stripe.EventTypePaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := decode(&intent); err != nil {
			return nil, err
		}
		return PaymentSucceeded{Intent: &intent}, nil

	case stripe.EventTypePaymentIntentPaymentFailed:
		var intent stripe.PaymentIntent
		if err := decode(&intent); err != nil {
			return nil, err
		}
		var envelope paymentErrorEnvelope
		_ = json.Unmarshal(raw, &envelope)
		failed := PaymentFailed{Intent: &intent}
		if envelope.LastPaymentError != nil {
			failed.FailureMessage = envelope.LastPaymentError.Message
		}
		return failed, nil

	case stripe.EventTypeChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := decode(&dispute); err != nil {
			return nil, err
		}
		return DisputeCreated{Dispute: &dispute}, nil

	case stripe.EventTypeInvoicePaid:
		var invoice stripe.Invoice
		if err := decode(&invoice); err != nil {
			return nil, err
		}
		return InvoicePaid{Invoice: &invoice}, nil

	default:
		return Unrecognized{Type: string(event.Type)}, nil
	}
}

// CanonicalJSON re-encodes body as compact JSON with object keys sorted,
// preserving number literals. Semantically equal bodies produce equal bytes.
func CanonicalJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON value", ErrInvalidPayload)
	}
	return json.Marshal(v)
}

package payhook

import (
	"strings"

	"github.com/stripe/stripe-go/v83"
)

// EndpointClass partitions traffic between the restricted test path and
// the production path.
type EndpointClass string

const (
	ClassRestricted EndpointClass = "restricted"
	ClassProduction EndpointClass = "production"
)

// Source returns the ledger source recorded for events processed by the class.
func (c EndpointClass) Source() Source {
	if c == ClassRestricted {
		return SourceTest
	}
	return SourceProduction
}

// Decision is the outcome of routing one event through a PartitionFilter.
type Decision struct {
	Allowed  bool
	Class    EndpointClass
	Identity string
}

// PartitionFilter admits an event iff its identity's class matches the class
// of the endpoint the filter guards. Restricted and production are
// complements over the identity space.
type PartitionFilter struct {
	class     EndpointClass
	allowlist map[string]struct{}
}

// NewPartitionFilter creates a filter for an endpoint of the given class.
// allowlist holds the identities routed to the restricted class.
func NewPartitionFilter(class EndpointClass, allowlist []string) *PartitionFilter {
	if class != ClassRestricted {
		class = ClassProduction
	}
	set := make(map[string]struct{}, len(allowlist))
	for _, id := range allowlist {
		if n := NormalizeIdentity(id); n != "" {
			set[n] = struct{}{}
		}
	}
	return &PartitionFilter{class: class, allowlist: set}
}

// Class returns the class of the endpoint this filter guards.
func (f *PartitionFilter) Class() EndpointClass {
	return f.class
}

// ClassFor returns restricted iff the normalized identity is allowlisted.
func (f *PartitionFilter) ClassFor(identity string) EndpointClass {
	if _, ok := f.allowlist[NormalizeIdentity(identity)]; ok {
		return ClassRestricted
	}
	return ClassProduction
}

// Route classifies event and reports whether this endpoint may process it.
func (f *PartitionFilter) Route(event *InboundEvent) Decision {
	identity := NormalizeIdentity(IdentityOf(event))
	class := f.ClassFor(identity)
	return Decision{
		Allowed:  class == f.class,
		Class:    class,
		Identity: identity,
	}
}

// NormalizeIdentity lowercases and trims an identity.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// IdentityOf extracts the customer identity of an event: the user_id
// metadata, else the customer email, else the gateway customer id.
func IdentityOf(event *InboundEvent) string {
	if event == nil {
		return ""
	}
	switch p := event.Payload.(type) {
	case CheckoutCompleted:
		s := p.Session
		if s == nil {
			return ""
		}
		var email string
		if s.CustomerDetails != nil {
			email = s.CustomerDetails.Email
		}
		return firstNonEmpty(s.Metadata["user_id"], email, s.CustomerEmail, customerID(s.Customer))
	case PaymentSucceeded:
		return intentIdentity(p.Intent)
	case PaymentFailed:
		return intentIdentity(p.Intent)
	case DisputeCreated:
		d := p.Dispute
		if d == nil {
			return ""
		}
		var userID, email, customer string
		if d.Charge != nil {
			userID = d.Charge.Metadata["user_id"]
			if d.Charge.BillingDetails != nil {
				email = d.Charge.BillingDetails.Email
			}
			customer = customerID(d.Charge.Customer)
		}
		if email == "" && d.Evidence != nil {
			email = d.Evidence.CustomerEmailAddress
		}
		return firstNonEmpty(userID, email, customer)
	case InvoicePaid:
		inv := p.Invoice
		if inv == nil {
			return ""
		}
		return firstNonEmpty(inv.Metadata["user_id"], inv.CustomerEmail, customerID(inv.Customer))
	default:
		return ""
	}
}

func intentIdentity(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return firstNonEmpty(pi.Metadata["user_id"], pi.ReceiptEmail, customerID(pi.Customer))
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

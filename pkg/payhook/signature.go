package payhook

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"
)

const (
	// SignatureHeader is the request header carrying the gateway signature.
	SignatureHeader = "Stripe-Signature"

	// DefaultSignatureTolerance bounds clock skew in either direction.
	DefaultSignatureTolerance = 5 * time.Minute

	signingScheme = "v1"
)

var errMalformedHeader = errors.New("malformed signature header")

// Verifier checks gateway signatures and timestamp freshness.
type Verifier struct {
	tolerance time.Duration
	now       func() time.Time
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithTolerance sets the maximum accepted distance between the signed
// timestamp and the current time.
func WithTolerance(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.tolerance = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier with the default tolerance and wall clock.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		tolerance: DefaultSignatureTolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Tolerance returns the configured skew tolerance.
func (v *Verifier) Tolerance() time.Duration {
	return v.tolerance
}

// Verify reports whether header carries a fresh signature of body made with
// any of secrets. Malformed input yields false.
func (v *Verifier) Verify(body []byte, header string, secrets ...string) bool {
	parsed, err := parseSignatureHeader(header)
	if err != nil {
		return false
	}

	// Compare in seconds: time.Sub saturates for far-off timestamps
	skew := parsed.timestamp.Unix() - v.now().Unix()
	tolerance := int64(v.tolerance / time.Second)
	if skew > tolerance || skew < -tolerance {
		return false
	}

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := webhook.ComputeSignature(parsed.timestamp, body, secret)
		for _, sig := range parsed.signatures {
			if hmac.Equal(expected, sig) {
				return true
			}
		}
	}
	return false
}

type signedHeader struct {
	timestamp    time.Time
	rawTimestamp string
	signatures   [][]byte
	rawSigs      []string
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]". Entries for
// other schemes are skipped, as are v1 values that are not valid hex.
func parseSignatureHeader(header string) (*signedHeader, error) {
	if header == "" {
		return nil, errMalformedHeader
	}

	h := &signedHeader{}
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, errMalformedHeader
			}
			h.timestamp = time.Unix(ts, 0)
			h.rawTimestamp = value
		case signingScheme:
			sig, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			h.signatures = append(h.signatures, sig)
			h.rawSigs = append(h.rawSigs, value)
		}
	}

	if h.rawTimestamp == "" || len(h.signatures) == 0 {
		return nil, errMalformedHeader
	}
	return h, nil
}

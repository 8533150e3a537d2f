package payhook

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func signedHeaderFor(body []byte, secret string, at time.Time) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: at,
	}).Header
}

func TestVerifier_Verify(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(WithClock(fixedClock(now)))
	body := []byte(`{"id":"evt_1"}`)

	tests := []struct {
		name    string
		header  string
		secrets []string
		want    bool
	}{
		{"valid", signedHeaderFor(body, "s1", now), []string{"s1"}, true},
		{"wrong secret", signedHeaderFor(body, "s1", now), []string{"s2"}, false},
		{"rotated secret", signedHeaderFor(body, "old", now), []string{"new", "old"}, true},
		{"no secrets", signedHeaderFor(body, "s1", now), nil, false},
		{"past skew within tolerance", signedHeaderFor(body, "s1", now.Add(-5*time.Minute)), []string{"s1"}, true},
		{"past skew beyond tolerance", signedHeaderFor(body, "s1", now.Add(-5*time.Minute-time.Second)), []string{"s1"}, false},
		{"future skew beyond tolerance", signedHeaderFor(body, "s1", now.Add(6*time.Minute)), []string{"s1"}, false},
		{"far future timestamp", signedHeaderFor(body, "s1", time.Unix(1<<40, 0)), []string{"s1"}, false},
		{"extreme future timestamp", signedHeaderFor(body, "s1", time.Unix(1<<62, 0)), []string{"s1"}, false},
		{"far past timestamp", signedHeaderFor(body, "s1", time.Unix(1, 0)), []string{"s1"}, false},
		{"empty header", "", []string{"s1"}, false},
		{"missing timestamp", "v1=" + hex.EncodeToString([]byte("x")), []string{"s1"}, false},
		{"non-numeric timestamp", "t=abc,v1=00", []string{"s1"}, false},
		{"missing v1", fmt.Sprintf("t=%d,v0=abc", now.Unix()), []string{"s1"}, false},
		{"garbage", ",,,=,t=,v1=zz", []string{"s1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Verify(body, tt.header, tt.secrets...))
		})
	}
}

func TestVerifier_AcceptsAnyCandidateDigest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier(WithClock(fixedClock(now)))
	body := []byte(`{"id":"evt_2"}`)

	sig := hex.EncodeToString(webhook.ComputeSignature(now, body, "s1"))
	header := fmt.Sprintf("t=%d,v1=%s,v1=%s", now.Unix(), hex.EncodeToString([]byte("bogus")), sig)

	assert.True(t, v.Verify(body, header, "s1"))
}

// TestVerifier_Property checks over random inputs that Verify accepts exactly
// when the secret matches and the skew is within tolerance.
func TestVerifier_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Unix(1_700_000_000, 0)
	tolerance := 5 * time.Minute
	v := NewVerifier(WithClock(fixedClock(now)), WithTolerance(tolerance))

	randomBytes := func(n int) []byte {
		b := make([]byte, n)
		rng.Read(b)
		return b
	}

	for i := 0; i < 500; i++ {
		body := randomBytes(rng.Intn(512))
		secret := hex.EncodeToString(randomBytes(1 + rng.Intn(32)))
		// Mostly near the tolerance edge, sometimes anywhere in the int64 seconds range
		skewSeconds := rng.Int63n(1200) - 600
		if rng.Intn(5) == 0 {
			skewSeconds = rng.Int63n(1<<62) - 1<<61
		}
		signedAt := time.Unix(now.Unix()+skewSeconds, 0)

		useRightSecret := rng.Intn(2) == 0
		verifyWith := secret
		if !useRightSecret {
			verifyWith = secret + "x"
		}

		header := signedHeaderFor(body, secret, signedAt)
		absSkew := skewSeconds
		if absSkew < 0 {
			absSkew = -absSkew
		}
		want := useRightSecret && absSkew <= int64(tolerance/time.Second)

		require.Equal(t, want, v.Verify(body, header, verifyWith),
			"iteration %d: skew=%ds rightSecret=%v", i, skewSeconds, useRightSecret)

		if want && len(body) > 0 {
			tampered := append([]byte(nil), body...)
			tampered[rng.Intn(len(tampered))] ^= 0xff
			require.False(t, v.Verify(tampered, header, verifyWith), "iteration %d: tampered body accepted", i)
		}
	}
}

func TestParseSignatureHeader(t *testing.T) {
	h, err := parseSignatureHeader("t=123, v1=abcd ,v1=ef01,v0=zz")
	require.NoError(t, err)
	assert.Equal(t, "123", h.rawTimestamp)
	assert.Equal(t, []string{"abcd", "ef01"}, h.rawSigs)

	_, err = parseSignatureHeader("v1=abcd")
	assert.Error(t, err)
}

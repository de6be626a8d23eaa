// Package signing implements the HMAC message codec used in both directions
// between Relay and the workflow engine.
//
// The signing input is "{timestamp}.{canonicalPayload}" where the payload is
// JSON with sorted keys and no insignificant whitespace, so signer and
// verifier agree regardless of map iteration order or source formatting.
package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ashita-ai/relay/internal/model"
)

// DefaultMaxAge is the replay window applied when a caller passes zero.
const DefaultMaxAge = 300 * time.Second

// Signature is a computed signature and the timestamp it covers.
type Signature struct {
	Value     string
	Timestamp int64
}

// Codec signs and verifies payloads. The zero value is not usable; call New.
type Codec struct {
	now func() time.Time
}

// New returns a codec using the wall clock.
func New() *Codec {
	return &Codec{now: time.Now}
}

// WithClock returns a copy of the codec that reads time from now.
func (c *Codec) WithClock(now func() time.Time) *Codec {
	return &Codec{now: now}
}

// Now returns the codec's current time.
func (c *Codec) Now() time.Time { return c.now() }

// Sign canonicalizes payload and signs it with secret at the current time.
func (c *Codec) Sign(payload any, secret string) (Signature, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return Signature{}, err
	}
	ts := c.now().Unix()
	return Signature{Value: c.SignCanonical(canonical, secret, ts), Timestamp: ts}, nil
}

// SignCanonical signs already-canonical bytes at the given timestamp.
func (c *Codec) SignCanonical(canonical []byte, secret string, ts int64) string {
	msg := make([]byte, 0, len(canonical)+21)
	msg = strconv.AppendInt(msg, ts, 10)
	msg = append(msg, '.')
	msg = append(msg, canonical...)
	return c.MAC(msg, secret)
}

// Verify checks signature against payload. The replay window is checked
// before any HMAC work so an expired message fails fast with a distinct error.
// maxAge <= 0 applies DefaultMaxAge.
func (c *Codec) Verify(payload any, signature string, timestamp int64, secret string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	age := c.now().Unix() - timestamp
	if age < 0 {
		age = -age
	}
	if age > int64(maxAge/time.Second) {
		return fmt.Errorf("signing: %w: timestamp %d outside %s window", model.ErrSignatureExpired, timestamp, maxAge)
	}
	if signature == "" || secret == "" {
		return fmt.Errorf("signing: %w: missing signature or secret", model.ErrSignatureInvalid)
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return fmt.Errorf("signing: %w: %v", model.ErrSignatureInvalid, err)
	}
	if !Equal(c.SignCanonical(canonical, secret, timestamp), signature) {
		return fmt.Errorf("signing: %w", model.ErrSignatureInvalid)
	}
	return nil
}

// MAC returns the hex HMAC-SHA256 of msg under secret.
func (c *Codec) MAC(msg []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex signatures in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Canonicalize renders payload as compact JSON with sorted object keys.
// []byte and json.RawMessage are treated as JSON documents and re-encoded.
func Canonicalize(payload any) ([]byte, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signing: marshal payload: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("null")
	}

	// Decoding into any turns every object into a map, which encoding/json
	// always emits with sorted keys. UseNumber keeps numeric text intact.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("signing: decode payload: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("signing: payload has trailing data")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("signing: encode payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

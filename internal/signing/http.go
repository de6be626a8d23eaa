package signing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/relay/internal/model"
)

// Header names carried on signed requests in both directions.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderTenantID  = "X-Tenant-Id"
	HeaderAPIKey    = "X-Api-Key"
)

// SignRequest sets the signature headers on req for the given body.
// body must be the exact bytes sent; it is canonicalized before signing.
func (c *Codec) SignRequest(req *http.Request, body []byte, tenantID, secret, apiKey string) error {
	sig, err := c.Sign(body, secret)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderSignature, sig.Value)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
	req.Header.Set(HeaderTenantID, tenantID)
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	return nil
}

// VerifyRequest verifies the signature headers on an inbound request against
// body and returns the claimed tenant id. The tenant header is not signed, so
// a body carrying a top-level "tenantId" must name the same tenant.
func (c *Codec) VerifyRequest(header http.Header, body []byte, secret string, maxAge time.Duration) (string, error) {
	sig := strings.TrimSpace(header.Get(HeaderSignature))
	tsRaw := strings.TrimSpace(header.Get(HeaderTimestamp))
	tenantID := strings.TrimSpace(header.Get(HeaderTenantID))
	if sig == "" || tsRaw == "" {
		return "", fmt.Errorf("signing: %w: missing %s or %s header", model.ErrSignatureInvalid, HeaderSignature, HeaderTimestamp)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("signing: %w: malformed %s header", model.ErrSignatureInvalid, HeaderTimestamp)
	}
	if err := c.Verify(body, sig, ts, secret, maxAge); err != nil {
		return "", err
	}
	var signed struct {
		TenantID *string `json:"tenantId"`
	}
	if json.Unmarshal(body, &signed) == nil && signed.TenantID != nil &&
		!strings.EqualFold(strings.TrimSpace(*signed.TenantID), tenantID) {
		return "", fmt.Errorf("signing: %w: %s header does not match signed tenantId", model.ErrSignatureInvalid, HeaderTenantID)
	}
	return tenantID, nil
}

// Package artifact persists files produced by runs and issues short-lived,
// tamper-proof download links for them.
//
// Bytes live in a Backend (local disk or an S3-compatible object store);
// metadata rows live in Postgres. Download links are HMAC-signed over
// "artifactID:tenantID:expiresUnix" with a dedicated secret.
package artifact

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// Backend stores and retrieves artifact bytes.
type Backend interface {
	// Provider identifies the backend in artifact rows.
	Provider() model.StorageProvider
	// StoreBytes writes data and returns the backend-relative path.
	StoreBytes(ctx context.Context, obj Object, data []byte) (string, error)
	// Resolve opens a previously stored path. Missing objects return an
	// error wrapping model.ErrNotFound.
	Resolve(ctx context.Context, path string) (io.ReadCloser, error)
	// SignedURL returns a provider-native download link, or "" when the
	// backend has none and bytes must be streamed through the service.
	SignedURL(ctx context.Context, path string, ttl time.Duration) (string, error)
	// Delete removes a stored path. Missing objects are not an error.
	Delete(ctx context.Context, path string) error
}

// Object describes where an artifact belongs.
type Object struct {
	TenantID uuid.UUID
	RunID    uuid.UUID
	ID       uuid.UUID
	Name     string
	MimeType string
}

// Key returns "<tenant>/<run>/<id8>_<sanitized name>".
func (o Object) Key() string {
	return fmt.Sprintf("%s/%s/%s_%s", o.TenantID, o.RunID, o.ID.String()[:8], SanitizeName(o.Name))
}

const maxNameLen = 128

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// SanitizeName reduces a caller-supplied file name to [A-Za-z0-9._-] so it
// is safe as a single path segment.
func SanitizeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if len(name) > maxNameLen {
		name = name[len(name)-maxNameLen:]
	}
	if name == "" {
		return "artifact"
	}
	return name
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// StorageProvider identifies where an artifact's bytes live.
type StorageProvider string

const (
	StorageLocal       StorageProvider = "local"
	StorageObjectStore StorageProvider = "object_store"
	StorageExternal    StorageProvider = "external"
)

// Artifact is a file produced by a run. Owned by exactly one tenant and one run.
type Artifact struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	RunID           uuid.UUID       `json:"run_id"`
	StorageProvider StorageProvider `json:"storage_provider"`
	Path            *string         `json:"-"`
	ExternalURL     *string         `json:"external_url,omitempty"`
	Type            string          `json:"type"`
	Name            string          `json:"name"`
	Metadata        map[string]any  `json:"metadata"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ArtifactInput is an artifact as returned by the engine: either inline
// base64 content or an already-external URL.
type ArtifactInput struct {
	Name     string         `json:"name"`
	Type     string         `json:"type,omitempty"`
	MimeType string         `json:"mimeType,omitempty"`
	Content  string         `json:"contentBase64,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ArtifactView is an artifact with a freshly signed download link.
type ArtifactView struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Provider    StorageProvider `json:"storageProvider"`
	Metadata    map[string]any  `json:"metadata"`
	DownloadURL string          `json:"downloadUrl"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/signing"
)

// MinURLTTL is the shortest lifetime a download link may have.
const MinURLTTL = 60 * time.Second

const defaultConcurrency = 4

// Repository is the metadata store for artifacts.
type Repository interface {
	InsertArtifacts(ctx context.Context, artifacts []model.Artifact) error
	GetArtifact(ctx context.Context, id uuid.UUID) (model.Artifact, error)
	ListArtifactsByRun(ctx context.Context, tenantID, runID uuid.UUID) ([]model.Artifact, error)
}

// Config holds Store settings.
type Config struct {
	SigningSecret string
	PublicBaseURL string
	DefaultTTL    time.Duration
	MaxTTL        time.Duration
	MaxBytes      int64 // Per-artifact decoded size limit. Zero disables the check.
	Concurrency   int   // Parallel backend writes per Persist call.
}

// Store persists run outputs and signs download links.
type Store struct {
	backend Backend
	repo    Repository
	codec   *signing.Codec
	cfg     Config
	logger  *slog.Logger
}

// NewStore validates cfg and returns a Store.
func NewStore(backend Backend, repo Repository, codec *signing.Codec, cfg Config, logger *slog.Logger) (*Store, error) {
	if backend == nil || repo == nil || codec == nil {
		return nil, errors.New("artifact: backend, repository and codec are required")
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("artifact: signing secret is required")
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
	if cfg.MaxTTL < cfg.DefaultTTL {
		cfg.MaxTTL = cfg.DefaultTTL
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, repo: repo, codec: codec, cfg: cfg, logger: logger}, nil
}

// Persist stores every artifact the engine returned for a run and records
// their rows in one batch. Inline content is base64 (optionally as a data:
// URL); a plain url is recorded as an external pass-through. Any failure
// wraps model.ErrArtifact.
func (s *Store) Persist(ctx context.Context, tenantID, runID uuid.UUID, target string, inputs []model.ArtifactInput) ([]model.Artifact, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	now := s.codec.Now().UTC()
	out := make([]model.Artifact, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, in := range inputs {
		g.Go(func() error {
			a, err := s.persistOne(gctx, tenantID, runID, target, i, in, now)
			if err != nil {
				return err
			}
			out[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.discard(ctx, out)
		return nil, err
	}

	if err := s.repo.InsertArtifacts(ctx, out); err != nil {
		s.discard(ctx, out)
		return nil, fmt.Errorf("%w: record artifacts: %v", model.ErrArtifact, err)
	}
	return out, nil
}

// discard removes bytes written for artifacts whose rows were never
// recorded. Failures are logged; nothing references the objects.
func (s *Store) discard(ctx context.Context, written []model.Artifact) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range written {
		if a.Path == nil || a.StorageProvider != s.backend.Provider() {
			continue
		}
		if err := s.backend.Delete(ctx, *a.Path); err != nil {
			s.logger.Warn("artifact: discard unrecorded object", "path", *a.Path, "run_id", a.RunID, "error", err)
		}
	}
}

func (s *Store) persistOne(ctx context.Context, tenantID, runID uuid.UUID, target string, idx int, in model.ArtifactInput, now time.Time) (model.Artifact, error) {
	name := in.Name
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("artifact-%d", idx+1)
	}
	a := model.Artifact{
		ID:        uuid.New(),
		TenantID:  tenantID,
		RunID:     runID,
		Type:      in.Type,
		Name:      name,
		Metadata:  map[string]any{},
		CreatedAt: now,
	}
	for k, v := range in.Metadata {
		a.Metadata[k] = v
	}
	a.Metadata["target"] = target
	if a.Type == "" {
		a.Type = "file"
	}

	content, mimeType := in.Content, in.MimeType
	if content == "" && strings.HasPrefix(in.URL, "data:") {
		content = in.URL
	}

	if content == "" {
		if in.URL == "" {
			return model.Artifact{}, fmt.Errorf("%w: artifact %q has neither content nor url", model.ErrArtifact, name)
		}
		u, err := url.Parse(in.URL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") {
			return model.Artifact{}, fmt.Errorf("%w: artifact %q has an invalid url", model.ErrArtifact, name)
		}
		ext := in.URL
		a.StorageProvider = model.StorageExternal
		a.ExternalURL = &ext
		if mimeType != "" {
			a.Metadata["mime_type"] = mimeType
		}
		return a, nil
	}

	data, dataMime, err := decodeContent(content)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("%w: artifact %q: %v", model.ErrArtifact, name, err)
	}
	if mimeType == "" {
		mimeType = dataMime
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if s.cfg.MaxBytes > 0 && int64(len(data)) > s.cfg.MaxBytes {
		return model.Artifact{}, fmt.Errorf("%w: artifact %q is %d bytes, limit %d", model.ErrArtifact, name, len(data), s.cfg.MaxBytes)
	}

	sum := sha256.Sum256(data)
	path, err := s.backend.StoreBytes(ctx, Object{TenantID: tenantID, RunID: runID, ID: a.ID, Name: name, MimeType: mimeType}, data)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("%w: %v", model.ErrArtifact, err)
	}
	a.StorageProvider = s.backend.Provider()
	a.Path = &path
	a.Metadata["size_bytes"] = len(data)
	a.Metadata["mime_type"] = mimeType
	a.Metadata["sha256"] = hex.EncodeToString(sum[:])
	return a, nil
}

// decodeContent accepts plain base64 (padded or not) or a data: URL.
func decodeContent(content string) ([]byte, string, error) {
	if rest, ok := strings.CutPrefix(content, "data:"); ok {
		header, payload, found := strings.Cut(rest, ",")
		if !found {
			return nil, "", errors.New("malformed data url")
		}
		mime, isBase64 := strings.CutSuffix(header, ";base64")
		if i := strings.IndexByte(mime, ';'); i >= 0 {
			mime = mime[:i]
		}
		if !isBase64 {
			data, err := url.PathUnescape(payload)
			if err != nil {
				return nil, "", fmt.Errorf("data url: %w", err)
			}
			return []byte(data), mime, nil
		}
		data, err := decodeBase64(payload)
		return data, mime, err
	}
	data, err := decodeBase64(content)
	return data, "", err
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	data, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, errors.New("content is not valid base64")
	}
	return data, nil
}

// EffectiveTTL applies the default, the floor and the cap to a requested TTL.
func (s *Store) EffectiveTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		ttl = s.cfg.DefaultTTL
	case ttl < MinURLTTL:
		ttl = MinURLTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

func signingPayload(id, tenantID uuid.UUID, expires int64) []byte {
	return []byte(fmt.Sprintf("%s:%s:%d", id, tenantID, expires))
}

// BuildSignedURL returns a download link for a and the instant it expires.
func (s *Store) BuildSignedURL(a model.Artifact, ttl time.Duration) (string, time.Time) {
	exp := s.codec.Now().Add(s.EffectiveTTL(ttl)).Truncate(time.Second).UTC()
	sig := s.codec.MAC(signingPayload(a.ID, a.TenantID, exp.Unix()), s.cfg.SigningSecret)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(exp.Unix(), 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/artifacts/%s/download?%s", s.cfg.PublicBaseURL, a.ID, q.Encode()), exp
}

// View renders a with a fresh download link.
func (s *Store) View(a model.Artifact, ttl time.Duration) model.ArtifactView {
	link, exp := s.BuildSignedURL(a, ttl)
	return model.ArtifactView{
		ID:          a.ID,
		Name:        a.Name,
		Type:        a.Type,
		Provider:    a.StorageProvider,
		Metadata:    a.Metadata,
		DownloadURL: link,
		ExpiresAt:   exp,
	}
}

// Views renders artifacts with fresh download links.
func (s *Store) Views(artifacts []model.Artifact, ttl time.Duration) []model.ArtifactView {
	out := make([]model.ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, s.View(a, ttl))
	}
	return out
}

// ListViews loads a run's artifacts and signs links for each.
func (s *Store) ListViews(ctx context.Context, tenantID, runID uuid.UUID, ttl time.Duration) ([]model.ArtifactView, error) {
	artifacts, err := s.repo.ListArtifactsByRun(ctx, tenantID, runID)
	if err != nil {
		return nil, fmt.Errorf("artifact: list: %w", err)
	}
	return s.Views(artifacts, ttl), nil
}

// Download is a verified artifact ready to serve. Exactly one of Body and
// RedirectURL is set.
type Download struct {
	Artifact    model.Artifact
	Body        io.ReadCloser
	RedirectURL string
}

// VerifyAndOpen checks a download link and opens its source. No bytes are
// touched before the expiry and signature checks pass. Unknown artifacts
// fail as an invalid signature so ids cannot be enumerated.
func (s *Store) VerifyAndOpen(ctx context.Context, id uuid.UUID, expires int64, sig string) (Download, error) {
	now := s.codec.Now()
	if expires <= now.Unix() {
		return Download{}, model.ErrSignatureExpired
	}
	if sig == "" {
		return Download{}, model.ErrSignatureInvalid
	}

	a, err := s.repo.GetArtifact(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return Download{}, model.ErrSignatureInvalid
		}
		return Download{}, fmt.Errorf("artifact: load: %w", err)
	}
	want := s.codec.MAC(signingPayload(a.ID, a.TenantID, expires), s.cfg.SigningSecret)
	if !signing.Equal(want, sig) {
		return Download{}, model.ErrSignatureInvalid
	}

	switch a.StorageProvider {
	case model.StorageExternal:
		if a.ExternalURL == nil {
			return Download{}, fmt.Errorf("artifact: %s: %w", a.ID, model.ErrNotFound)
		}
		return Download{Artifact: a, RedirectURL: *a.ExternalURL}, nil
	case s.backend.Provider():
	default:
		return Download{}, fmt.Errorf("artifact: %s stored in %s: %w", a.ID, a.StorageProvider, model.ErrNotFound)
	}
	if a.Path == nil {
		return Download{}, fmt.Errorf("artifact: %s: %w", a.ID, model.ErrNotFound)
	}

	remaining := time.Unix(expires, 0).Sub(now)
	if remaining < MinURLTTL {
		remaining = MinURLTTL
	}
	link, err := s.backend.SignedURL(ctx, *a.Path, remaining)
	if err != nil {
		return Download{}, err
	}
	if link != "" {
		return Download{Artifact: a, RedirectURL: link}, nil
	}

	body, err := s.backend.Resolve(ctx, *a.Path)
	if err != nil {
		return Download{}, err
	}
	return Download{Artifact: a, Body: body}, nil
}

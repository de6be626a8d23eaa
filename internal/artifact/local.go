package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashita-ai/relay/internal/model"
)

// LocalBackend stores artifacts on the local filesystem under a base directory.
type LocalBackend struct {
	base string
}

// NewLocalBackend creates the base directory if needed.
func NewLocalBackend(base string) (*LocalBackend, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("artifact: resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create base dir: %w", err)
	}
	return &LocalBackend{base: abs}, nil
}

func (b *LocalBackend) Provider() model.StorageProvider { return model.StorageLocal }

// StoreBytes writes to a temp file in the target directory and renames it
// into place, so readers never observe a partial file.
func (b *LocalBackend) StoreBytes(_ context.Context, obj Object, data []byte) (string, error) {
	rel := obj.Key()
	full, err := b.guard(rel)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("artifact: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("artifact: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("artifact: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", fmt.Errorf("artifact: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("artifact: close: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return "", fmt.Errorf("artifact: rename: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Resolve opens a stored file after checking it stays inside the base directory.
func (b *LocalBackend) Resolve(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := b.guard(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full) //nolint:gosec // guarded above
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact: %s: %w", path, model.ErrNotFound)
		}
		return nil, fmt.Errorf("artifact: open: %w", err)
	}
	return f, nil
}

// SignedURL is not supported locally; downloads stream through the service.
func (b *LocalBackend) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", nil
}

func (b *LocalBackend) Delete(_ context.Context, path string) error {
	full, err := b.guard(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact: remove: %w", err)
	}
	return nil
}

// guard joins rel onto the base directory and rejects anything that escapes it.
func (b *LocalBackend) guard(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: invalid artifact path", model.ErrArtifact)
	}
	full := filepath.Join(b.base, filepath.FromSlash(rel))
	r, err := filepath.Rel(b.base, full)
	if err != nil || r == "." || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: artifact path escapes storage root", model.ErrArtifact)
	}
	return full, nil
}

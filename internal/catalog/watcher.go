package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// File is a catalog backed by a YAML file that can be reloaded in place.
type File struct {
	*Static
	path   string
	logger *slog.Logger
}

// Open loads the catalog at path.
func Open(path string, logger *slog.Logger) (*File, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &File{Static: s, path: path, logger: logger}, nil
}

// Reload re-reads the file. On a parse error the previous catalog stays active.
func (f *File) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("catalog: read %s: %w", f.path, err)
	}
	snap, err := parse(data)
	if err != nil {
		return err
	}
	f.replace(snap)
	return nil
}

// Watch reloads the catalog whenever the file changes until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (f *File) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(f.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("catalog: watch %s: %w", f.path, err)
	}
	target := filepath.Clean(f.path)

	go func() {
		defer func() { _ = fsw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := f.Reload(); err != nil {
					f.logger.Error("catalog: reload failed, keeping previous catalog", "path", f.path, "error", err)
					continue
				}
				f.logger.Info("catalog reloaded", "path", f.path, "op", ev.Op.String(), "tools", len(f.Tools()))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				f.logger.Error("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

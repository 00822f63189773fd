// Package snapshot holds immutable view versions, the per-scope catalog
// readers use, and the writers that persist versions durably.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dirsync/internal/model"
)

// ErrNotFound is returned when a persisted version does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Snapshotter persists view versions.
type Snapshotter interface {
	WriteSnapshot(ctx context.Context, v *Version) error
	ReadSnapshot(ctx context.Context, scope, id string) (*Version, error)
	DropSnapshot(ctx context.Context, scope, id string) error
	Close() error
}

// document is the persisted form of a Version.
type document struct {
	Meta       Meta                  `json:"meta"`
	Flat       []model.FlatRow       `json:"flat"`
	Stats      []model.CategoryStats `json:"stats"`
	Categories []model.Category      `json:"categories"`
}

func toDocument(v *Version) document {
	return document{Meta: v.Meta(), Flat: v.flat, Stats: v.stats, Categories: v.Categories()}
}

func (d document) version() *Version {
	cats := make(map[string]model.Category, len(d.Categories))
	for _, c := range d.Categories {
		cats[c.ID] = c
	}
	return NewVersion(d.Meta, d.Flat, d.Stats, cats)
}

// ValidName rejects scope or version ids that cannot be used as a single
// path element or key segment.
func ValidName(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("invalid name %q", s)
	}
	return nil
}

// FilesystemSnapshotter writes baseDir/<scope>/<id>/views.json.
type FilesystemSnapshotter struct {
	baseDir string
}

func NewFilesystemSnapshotter(baseDir string) *FilesystemSnapshotter {
	return &FilesystemSnapshotter{baseDir: baseDir}
}

func (f *FilesystemSnapshotter) dir(scope, id string) (string, error) {
	if err := ValidName(scope); err != nil {
		return "", err
	}
	if err := ValidName(id); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, scope, id), nil
}

func (f *FilesystemSnapshotter) WriteSnapshot(ctx context.Context, v *Version) error {
	dir, err := f.dir(v.Scope, v.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "views-*.tmp")
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	if err := enc.Encode(toDocument(v)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, "views.json")); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func (f *FilesystemSnapshotter) ReadSnapshot(ctx context.Context, scope, id string) (*Version, error) {
	dir, err := f.dir(scope, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "views.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", scope, id, ErrNotFound)
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var d document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return d.version(), nil
}

func (f *FilesystemSnapshotter) DropSnapshot(ctx context.Context, scope, id string) error {
	dir, err := f.dir(scope, id)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (f *FilesystemSnapshotter) Close() error { return nil }

// NopWriter keeps versions in memory only; the catalog is the sole copy.
type NopWriter struct{}

func (NopWriter) WriteSnapshot(ctx context.Context, v *Version) error { return nil }

func (NopWriter) ReadSnapshot(ctx context.Context, scope, id string) (*Version, error) {
	return nil, fmt.Errorf("%s/%s: %w", scope, id, ErrNotFound)
}

func (NopWriter) DropSnapshot(ctx context.Context, scope, id string) error { return nil }

func (NopWriter) Close() error { return nil }

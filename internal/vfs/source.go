package vfs

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// SnapshotSource supplies the last-known repository snapshot.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
}

// OverlaySource supplies the ordered list of pending edits.
type OverlaySource interface {
	LoadOverlay(ctx context.Context) ([]PendingEdit, error)
}

// DirSnapshot reads a snapshot from a checked-out site directory.
type DirSnapshot struct {
	Fs     afero.Fs
	Root   string
	Ignore []string
}

// NewDirSnapshot creates a directory snapshot source on the OS filesystem.
func NewDirSnapshot(root string, ignore []string) *DirSnapshot {
	return &DirSnapshot{Fs: afero.NewOsFs(), Root: root, Ignore: ignore}
}

// LoadSnapshot walks the directory. Files holding valid UTF-8 become utf8
// records, everything else is stored base64 encoded.
func (d *DirSnapshot) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	snap := make(Snapshot)
	err := afero.Walk(d.Fs, d.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path != d.Root && d.ignored(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(d.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := afero.ReadFile(d.Fs, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", rel, err)
		}

		if utf8.Valid(data) {
			snap[rel] = FileRecord{Path: rel, Content: string(data), Encoding: EncodingUTF8}
		} else {
			snap[rel] = FileRecord{
				Path:     rel,
				Content:  base64.StdEncoding.EncodeToString(data),
				Encoding: EncodingBase64,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot from %s: %w", d.Root, err)
	}
	return snap, nil
}

func (d *DirSnapshot) ignored(name string) bool {
	for _, pattern := range d.Ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// FileSnapshot reads a snapshot manifest of the form
//
//	path/to/file.css:
//	  content: "body{}"
//	  encoding: utf8
//
// JSON manifests work too since they are valid YAML.
type FileSnapshot struct {
	Fs   afero.Fs
	Path string
}

// LoadSnapshot parses the manifest.
func (f *FileSnapshot) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	data, err := afero.ReadFile(f.Fs, f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}

	var raw map[string]FileRecord
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing snapshot manifest %s: %w", f.Path, err)
	}

	snap := make(Snapshot, len(raw))
	for path, rec := range raw {
		rec.Path = path
		snap[path] = rec
	}
	return snap, nil
}

// overlayDocument is the on-disk layout of a pending-edit file.
type overlayDocument struct {
	Edits []PendingEdit `yaml:"edits" json:"edits"`
}

// OverlayFile persists pending edits as YAML.
type OverlayFile struct {
	Fs   afero.Fs
	Path string
}

// LoadOverlay reads the edit list. A missing file is an empty overlay.
func (o *OverlayFile) LoadOverlay(ctx context.Context) ([]PendingEdit, error) {
	data, err := afero.ReadFile(o.Fs, o.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading overlay: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}

	var doc overlayDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing overlay %s: %w", o.Path, err)
	}
	return doc.Edits, nil
}

// Save writes edits back to the overlay file.
func (o *OverlayFile) Save(edits []PendingEdit) error {
	data, err := yaml.Marshal(overlayDocument{Edits: edits})
	if err != nil {
		return fmt.Errorf("encoding overlay: %w", err)
	}
	if dir := filepath.Dir(o.Path); dir != "." {
		if err := o.Fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating overlay directory: %w", err)
		}
	}
	return afero.WriteFile(o.Fs, o.Path, data, 0o644)
}

// OverlayStore is the in-memory, ordered pending-edit list.
type OverlayStore struct {
	mu    sync.RWMutex
	edits []PendingEdit
}

// NewOverlayStore creates a store seeded with edits.
func NewOverlayStore(edits ...PendingEdit) *OverlayStore {
	s := &OverlayStore{}
	s.Replace(edits)
	return s
}

// Put records edit as the newest change for its path.
func (s *OverlayStore) Put(edit PendingEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = removePath(s.edits, edit.RepoPath)
	s.edits = append(s.edits, edit)
}

// Remove discards every pending edit for repoPath.
func (s *OverlayStore) Remove(repoPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.edits)
	s.edits = removePath(s.edits, repoPath)
	return len(s.edits) != before
}

// Replace swaps the whole list.
func (s *OverlayStore) Replace(edits []PendingEdit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append([]PendingEdit(nil), edits...)
}

// List returns a copy of the edits in order.
func (s *OverlayStore) List() []PendingEdit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]PendingEdit(nil), s.edits...)
}

// LoadOverlay implements OverlaySource.
func (s *OverlayStore) LoadOverlay(context.Context) ([]PendingEdit, error) {
	return s.List(), nil
}

func removePath(edits []PendingEdit, repoPath string) []PendingEdit {
	out := edits[:0]
	for _, e := range edits {
		if e.RepoPath != repoPath {
			out = append(out, e)
		}
	}
	return out
}

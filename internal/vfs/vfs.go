// Package vfs merges a repository snapshot with a list of pending edits into
// the virtual filesystem a preview generation is rendered from.
//
// A VFS is derived, never mutated: Merge is a pure function of its two
// inputs, so the same snapshot and the same edits always produce the same
// entries, the same sorted path order and the same fingerprint.
package vfs

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/zeebo/xxh3"
)

// Encoding is the declared encoding of a FileRecord's content.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf8"
	EncodingBase64 Encoding = "base64"
)

// FileRecord is one file's content at a point in time.
type FileRecord struct {
	Path     string   `json:"path" yaml:"path"`
	Content  string   `json:"content" yaml:"content"`
	Encoding Encoding `json:"encoding" yaml:"encoding"`
}

// Decode returns the raw bytes of the record according to its encoding.
// An empty encoding is treated as utf8.
func (r FileRecord) Decode() ([]byte, error) {
	switch r.Encoding {
	case EncodingUTF8, "":
		return []byte(r.Content), nil
	case EncodingBase64:
		return DecodeBase64(r.Content)
	default:
		return nil, fmt.Errorf("unknown encoding %q", r.Encoding)
	}
}

// Snapshot is the immutable path -> FileRecord mapping read from the
// repository.
type Snapshot map[string]FileRecord

// PendingEdit is an uncommitted change. Content is always base64.
type PendingEdit struct {
	RepoPath string `json:"repoPath" yaml:"repoPath"`
	Content  string `json:"content" yaml:"content"`
	FileName string `json:"fileName" yaml:"fileName"`
}

// Origin tells where a VFS entry came from.
type Origin string

const (
	OriginSnapshot Origin = "snapshot"
	OriginOverlay  Origin = "overlay"
)

// Entry is one decoded file of the virtual filesystem.
type Entry struct {
	Path   string
	Data   []byte
	Origin Origin
}

// VFS is the merged path -> content mapping for one generation.
type VFS struct {
	entries map[string]Entry
	paths   []string
}

// New builds a VFS from already decoded entries. Later entries with the same
// path replace earlier ones.
func New(entries ...Entry) *VFS {
	v := &VFS{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		v.entries[e.Path] = e
	}
	v.index()
	return v
}

func (v *VFS) index() {
	v.paths = make([]string, 0, len(v.entries))
	for p := range v.entries {
		v.paths = append(v.paths, p)
	}
	sort.Strings(v.paths)
}

// Get returns the entry stored at exactly path.
func (v *VFS) Get(path string) (Entry, bool) {
	e, ok := v.entries[path]
	return e, ok
}

// Has reports whether path is a key of the VFS.
func (v *VFS) Has(path string) bool {
	_, ok := v.entries[path]
	return ok
}

// Paths returns every key in sorted order. The slice must not be modified.
func (v *VFS) Paths() []string {
	return v.paths
}

// Len returns the number of entries.
func (v *VFS) Len() int {
	return len(v.entries)
}

// Fingerprint is an xxh3-128 digest over the sorted paths and their bytes.
func (v *VFS) Fingerprint() string {
	h := xxh3.New()
	for _, p := range v.paths {
		_, _ = h.WriteString(p)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write(v.entries[p].Data)
		_, _ = h.Write([]byte{0})
	}
	sum := h.Sum128().Bytes()
	return hex.EncodeToString(sum[:])
}

// DecodeBase64 decodes base64 the forgiving way: ASCII whitespace is ignored
// and padding is optional, which matches content returned by repository APIs
// wrapped at 60 columns.
func DecodeBase64(s string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r', '\f':
			return -1
		}
		return r
	}, s)
	if len(clean)%4 == 0 {
		clean = strings.TrimSuffix(clean, "=")
		clean = strings.TrimSuffix(clean, "=")
	}
	if len(clean)%4 == 1 {
		return nil, fmt.Errorf("invalid base64 length %d", len(clean))
	}
	return base64.RawStdEncoding.DecodeString(clean)
}

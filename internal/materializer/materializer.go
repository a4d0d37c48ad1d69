// Package materializer classifies virtual filesystem entries, decodes them
// and creates one object reference per entry for a generation.
//
// References are created eagerly, one per entry, before assembly starts.
package materializer

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/resolver"
	"github.com/conneroisu/livesite/internal/vfs"
)

// Creator creates object references for one generation.
type Creator interface {
	Create(body []byte, mediaType string) (lifecycle.ObjectReference, error)
}

// Item is one materialized entry.
type Item struct {
	Path      string
	MediaType string
	Text      bool
	Body      []byte
	Ref       lifecycle.ObjectReference
}

// Response is what a ResourceProvider serves for a reference.
type Response struct {
	OriginalRef string
	Path        string
	MediaType   string
	Text        bool
	Body        []byte
	Locator     string
}

// ResourceProvider resolves a reference to content of the current
// generation. It returns nil when the reference must go to the real network.
type ResourceProvider interface {
	Resolve(ref string) *Response
}

// Set holds the materialized entries of one generation.
type Set struct {
	fs    *vfs.VFS
	items map[string]*Item
}

// Materialize decodes every entry of fs and creates its object reference.
func Materialize(fs *vfs.VFS, creator Creator) (*Set, error) {
	set := &Set{fs: fs, items: make(map[string]*Item, fs.Len())}

	for _, p := range fs.Paths() {
		entry, _ := fs.Get(p)

		item := &Item{
			Path:      p,
			MediaType: MediaType(p),
			Text:      IsText(p),
			Body:      entry.Data,
		}
		if item.Text {
			item.Body = DecodeText(entry.Data)
		}

		ref, err := creator.Create(item.Body, ContentType(p))
		if err != nil {
			return nil, fmt.Errorf("creating reference for %s: %w", p, err)
		}
		item.Ref = ref
		set.items[p] = item
	}

	return set, nil
}

// DecodeText normalizes text content to UTF-8: a leading byte order mark is
// dropped and invalid sequences become U+FFFD.
func DecodeText(data []byte) []byte {
	out, _, err := transform.Bytes(unicode.UTF8BOM.NewDecoder(), data)
	if err != nil {
		out = data
	}
	return bytes.ToValidUTF8(out, []byte("\uFFFD"))
}

// VFS returns the filesystem the set was built from.
func (s *Set) VFS() *vfs.VFS {
	return s.fs
}

// Item returns the materialized entry stored at exactly path.
func (s *Set) Item(path string) (*Item, bool) {
	item, ok := s.items[path]
	return item, ok
}

// Items returns all entries in path order.
func (s *Set) Items() []*Item {
	out := make([]*Item, 0, len(s.items))
	for _, p := range s.fs.Paths() {
		out = append(out, s.items[p])
	}
	return out
}

// Len returns the number of materialized entries.
func (s *Set) Len() int {
	return len(s.items)
}

// Locate implements resolver.Locator.
func (s *Set) Locate(path string) (string, bool) {
	item, ok := s.items[path]
	if !ok || item.Ref.URL == "" {
		return "", false
	}
	return item.Ref.URL, true
}

// DataURL returns the entry as an inline data URL.
func (s *Set) DataURL(path string) (string, bool) {
	item, ok := s.items[path]
	if !ok {
		return "", false
	}
	return "data:" + item.MediaType + ";base64," + base64.StdEncoding.EncodeToString(item.Body), true
}

// Resolve implements ResourceProvider.
func (s *Set) Resolve(ref string) *Response {
	path, ok := resolver.ResolveInVFS(ref, s.fs)
	if !ok {
		return nil
	}
	item := s.items[path]
	return &Response{
		OriginalRef: ref,
		Path:        path,
		MediaType:   item.MediaType,
		Text:        item.Text,
		Body:        item.Body,
		Locator:     item.Ref.URL,
	}
}

var _ resolver.Locator = (*Set)(nil)
var _ ResourceProvider = (*Set)(nil)

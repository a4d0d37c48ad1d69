// Package resolver matches resource references against a virtual filesystem
// the way a static web server would serve them.
//
// Resolution is deterministic: it depends only on the reference and the set
// of paths, and the directory-agnostic fallback scans paths in sorted order.
// A reference that matches nothing is not an error; callers let it go to the
// real network.
package resolver

import (
	"strings"
)

// Lookup is the read-only view of a virtual filesystem the resolver needs.
type Lookup interface {
	Has(path string) bool
	// Paths returns every key in sorted order.
	Paths() []string
}

// Locator maps a resolved path to the locator the rendering surface should
// load it from.
type Locator interface {
	Locate(path string) (string, bool)
}

var absolutePrefixes = []string{"http://", "https://", "data:", "blob:", "//"}

// IsAbsolute reports whether ref already carries a scheme the resolver passes
// through unchanged.
func IsAbsolute(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	for _, p := range absolutePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Normalize strips the query string and fragment and removes one leading
// "./" or "/".
func Normalize(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	switch {
	case strings.HasPrefix(ref, "./"):
		ref = ref[2:]
	case strings.HasPrefix(ref, "/"):
		ref = ref[1:]
	}
	return ref
}

// Resolve returns the VFS path ref refers to. Absolute references are
// returned unchanged with ok set. When nothing matches, ok is false.
func Resolve(ref string, fs Lookup) (string, bool) {
	if ref == "" {
		return "", false
	}
	if IsAbsolute(ref) {
		return ref, true
	}

	clean := Normalize(ref)
	if clean == "" {
		return "", false
	}

	for _, candidate := range [...]string{clean, "./" + clean, "/" + clean} {
		if fs.Has(candidate) {
			return candidate, true
		}
	}

	// Directory-agnostic fallback for content moved between directories.
	name := clean[strings.LastIndex(clean, "/")+1:]
	if name == "" {
		return "", false
	}
	suffix := "/" + name
	for _, p := range fs.Paths() {
		if p == name || strings.HasSuffix(p, suffix) {
			return p, true
		}
	}

	return "", false
}

// ResolveInVFS is Resolve restricted to VFS hits: absolute references report
// false instead of being passed through.
func ResolveInVFS(ref string, fs Lookup) (string, bool) {
	if IsAbsolute(ref) {
		return "", false
	}
	return Resolve(ref, fs)
}

package resolver

import (
	"regexp"
	"strings"
)

// cssURLPattern matches url(...) with double, single or no quotes.
var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:"([^"]*)"|'([^']*)'|([^)"'\s]*))\s*\)`)

// Rewriter turns references into what the rendering surface should load:
// the locator when one exists, else the resolved path, else the original
// reference unchanged.
type Rewriter struct {
	fs      Lookup
	locator Locator
}

// NewRewriter creates a rewriter. locator may be nil, in which case resolved
// paths are used as-is.
func NewRewriter(fs Lookup, locator Locator) *Rewriter {
	return &Rewriter{fs: fs, locator: locator}
}

// Rewrite rewrites a single reference.
func (r *Rewriter) Rewrite(ref string) string {
	path, ok := ResolveInVFS(ref, r.fs)
	if !ok {
		return ref
	}
	if r.locator != nil {
		if loc, ok := r.locator.Locate(path); ok {
			return loc
		}
	}
	return path
}

// RewriteCSSURLs rewrites every url(...) in css text. Absolute, data: and
// blob: references are left alone. Quote style is preserved.
func (r *Rewriter) RewriteCSSURLs(css string) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		idx := cssURLPattern.FindStringSubmatchIndex(match)
		quote, ref := "", ""
		switch {
		case idx[2] >= 0:
			quote, ref = `"`, match[idx[2]:idx[3]]
		case idx[4] >= 0:
			quote, ref = `'`, match[idx[4]:idx[5]]
		default:
			ref = match[idx[6]:idx[7]]
		}
		if ref == "" || IsAbsolute(ref) {
			return match
		}
		rewritten := r.Rewrite(ref)
		if rewritten == ref {
			return match
		}
		return "url(" + quote + rewritten + quote + ")"
	})
}

// RewriteSrcset rewrites the URL part of each candidate in a srcset value,
// keeping width/density descriptors and candidate order.
func (r *Rewriter) RewriteSrcset(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	candidates := strings.Split(value, ",")
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		url, descriptor := c, ""
		if i := strings.IndexAny(c, " \t\n"); i >= 0 {
			url, descriptor = c[:i], strings.TrimSpace(c[i:])
		}
		url = r.Rewrite(url)
		if descriptor != "" {
			out = append(out, url+" "+descriptor)
		} else {
			out = append(out, url)
		}
	}
	return strings.Join(out, ", ")
}

// RewriteCSSURLs is the package-level form of Rewriter.RewriteCSSURLs.
func RewriteCSSURLs(css string, fs Lookup, locator Locator) string {
	return NewRewriter(fs, locator).RewriteCSSURLs(css)
}

// RewriteSrcset is the package-level form of Rewriter.RewriteSrcset.
func RewriteSrcset(value string, fs Lookup, locator Locator) string {
	return NewRewriter(fs, locator).RewriteSrcset(value)
}

// Package interception builds the runtime script injected into every
// assembled document. The script patches the surface's resource-loading
// primitives so that each of them asks one resource provider, backed by a
// per-generation lookup table, before touching the network.
package interception

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/conneroisu/livesite/internal/materializer"
	"github.com/conneroisu/livesite/internal/resolver"
)

// DefaultSource tags every message the surface posts to the host.
const DefaultSource = "livesite-preview"

// FileInfo is one entry of the lookup table.
type FileInfo struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	// Data is an inline data URL, set for images only.
	Data string `json:"data,omitempty"`
	// Body is the decoded text, set for text-like entries only.
	Body string `json:"body,omitempty"`
	Text bool   `json:"text,omitempty"`
}

// Substitution replaces a quoted path spelling with the quoted locator.
type Substitution struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Payload is the serialized, data-driven table a generation's runtime reads.
type Payload struct {
	Source           string              `json:"source"`
	Generation       string              `json:"generation"`
	Files            map[string]FileInfo `json:"files"`
	Keys             []string            `json:"keys"`
	Substitutions    []Substitution      `json:"substitutions"`
	Variants         map[string]string   `json:"variants"`
	StrictJSON       bool                `json:"strictJson"`
	RewriteResponses bool                `json:"rewriteResponses"`
	LocatorPrefix    string              `json:"locatorPrefix,omitempty"`
}

// Options tune the runtime behavior.
type Options struct {
	Source string
	// RewriteResponses enables substitution in pass-through text and JSON
	// responses.
	RewriteResponses bool
	// StrictJSON replaces only exact string values in JSON responses and
	// falls back to literal substitution when the body does not parse.
	StrictJSON bool
	// LocatorPrefix marks references that are already locators, so misses
	// on them are not reported.
	LocatorPrefix string
}

// BuildPayload computes the lookup table for one generation.
func BuildPayload(generation string, set *materializer.Set, opts Options) *Payload {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}

	p := &Payload{
		Source:           opts.Source,
		Generation:       generation,
		Files:            make(map[string]FileInfo, set.Len()),
		Keys:             set.VFS().Paths(),
		StrictJSON:       opts.StrictJSON,
		RewriteResponses: opts.RewriteResponses,
		LocatorPrefix:    opts.LocatorPrefix,
	}

	for _, item := range set.Items() {
		info := FileInfo{Type: item.MediaType, URL: item.Ref.URL, Text: item.Text}
		if item.Text {
			info.Body = string(item.Body)
		}
		if materializer.IsImage(item.Path) {
			info.Data, _ = set.DataURL(item.Path)
		}
		p.Files[item.Path] = info
	}

	p.Substitutions = SubstitutionPairs(p.Keys, set)
	p.Variants = Variants(p.Keys, set)

	return p
}

func spellings(path string) []string {
	clean := resolver.Normalize(path)
	out := []string{path}
	for _, s := range []string{clean, "./" + clean, "/" + clean} {
		if s != path {
			out = append(out, s)
		}
	}
	return out
}

// SubstitutionPairs lists, for every located path, its quoted spellings
// (bare, "./" and "/" prefixed, single or double quoted) mapped to the
// locator in the same quotes. Pairs are ordered by From.
func SubstitutionPairs(paths []string, locator resolver.Locator) []Substitution {
	seen := make(map[string]bool)
	var out []Substitution

	for _, p := range paths {
		loc, ok := locator.Locate(p)
		if !ok {
			continue
		}
		for _, s := range spellings(p) {
			if s == "" {
				continue
			}
			for _, q := range []string{`"`, `'`} {
				from := q + s + q
				if seen[from] {
					continue
				}
				seen[from] = true
				out = append(out, Substitution{From: from, To: q + loc + q})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].From < out[j].From })
	return out
}

// Variants maps every exact spelling of a located path to its locator. It is
// what the strict JSON rewrite matches string values against.
func Variants(paths []string, locator resolver.Locator) map[string]string {
	out := make(map[string]string, len(paths)*3)
	for _, p := range paths {
		loc, ok := locator.Locate(p)
		if !ok {
			continue
		}
		for _, s := range spellings(p) {
			if s == "" {
				continue
			}
			if _, dup := out[s]; !dup {
				out[s] = loc
			}
		}
	}
	return out
}

// ApplySubstitutions performs the literal rewrite the runtime applies to
// pass-through text bodies.
func ApplySubstitutions(body string, pairs []Substitution) string {
	for _, s := range pairs {
		if strings.Contains(body, s.From) {
			body = strings.ReplaceAll(body, s.From, s.To)
		}
	}
	return body
}

// RewriteJSON replaces string values that exactly equal a variant. Object
// keys are never touched. ok is false when body is not valid JSON.
func RewriteJSON(body []byte, variants map[string]string) ([]byte, bool) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}
	out, err := json.Marshal(walkJSON(doc, variants))
	if err != nil {
		return nil, false
	}
	return out, true
}

func walkJSON(v any, variants map[string]string) any {
	switch t := v.(type) {
	case string:
		if loc, ok := variants[t]; ok {
			return loc
		}
		return t
	case []any:
		for i := range t {
			t[i] = walkJSON(t[i], variants)
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = walkJSON(e, variants)
		}
		return t
	default:
		return v
	}
}

// Marshal encodes the payload for embedding in an inline script. The
// encoder escapes '<', '>' and '&', so the result never closes the script
// element it lives in.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

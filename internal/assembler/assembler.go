// Package assembler builds the self-contained bootstrap document of a
// generation. Resolvable stylesheets and scripts are inlined, static image
// references are rewritten and the interception runtime is injected ahead of
// every other script.
package assembler

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/materializer"
	"github.com/conneroisu/livesite/internal/resolver"
	"github.com/conneroisu/livesite/internal/vfs"
)

const entryName = "index.html"

// Resources is what the assembler reads a generation's content through.
type Resources interface {
	materializer.ResourceProvider
	resolver.Locator
	DataURL(path string) (string, bool)
}

// Document is an assembled bootstrap document.
type Document struct {
	EntryPoint string
	HTML       string
	// Inlined lists the VFS paths inlined into the document.
	Inlined []string
	// Unresolved lists relative references left for the network.
	Unresolved []string
}

// FindEntryPoint returns the VFS path of the entry document: index.html
// itself, else the shallowest path ending in /index.html, ties broken by
// path order.
func FindEntryPoint(fs *vfs.VFS) (string, error) {
	if fs.Has(entryName) {
		return entryName, nil
	}

	best, depth := "", -1
	for _, p := range fs.Paths() {
		if !strings.HasSuffix(p, "/"+entryName) {
			continue
		}
		d := strings.Count(strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/"), "/")
		if depth < 0 || d < depth {
			best, depth = p, d
		}
	}
	if best == "" {
		return "", errors.ErrMissingEntryPoint()
	}
	return best, nil
}

// Assemble builds the bootstrap document for fs. runtimeScript is injected
// as the first child of <head>. A missing entry point yields no document.
func Assemble(fs *vfs.VFS, res Resources, runtimeScript string) (*Document, error) {
	entry, err := FindEntryPoint(fs)
	if err != nil {
		return nil, err
	}

	src := res.Resolve(entry)
	if src == nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "entry point has no content", nil).WithPath(entry)
	}

	root, err := html.Parse(bytes.NewReader(src.Body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", entry, err)
	}

	a := &assembly{
		res:        res,
		rewriter:   resolver.NewRewriter(fs, res),
		inlined:    make(map[string]bool),
		unresolved: make(map[string]bool),
	}
	for _, n := range collectElements(root) {
		a.rewrite(n)
	}

	head := findElement(root, atom.Head)
	if head == nil {
		return nil, errors.NewInternalError(errors.ErrCodeInternalError, "document has no head", nil).WithPath(entry)
	}
	head.InsertBefore(scriptNode(runtimeScript, nil), head.FirstChild)

	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("rendering %s: %w", entry, err)
	}

	return &Document{
		EntryPoint: entry,
		HTML:       buf.String(),
		Inlined:    sortedKeys(a.inlined),
		Unresolved: sortedKeys(a.unresolved),
	}, nil
}

type assembly struct {
	res        Resources
	rewriter   *resolver.Rewriter
	inlined    map[string]bool
	unresolved map[string]bool
}

func (a *assembly) rewrite(n *html.Node) {
	switch n.DataAtom {
	case atom.Link:
		a.inlineStylesheet(n)
	case atom.Script:
		a.inlineScript(n)
	case atom.Img:
		a.rewriteImage(n)
		a.rewriteSrcset(n)
	case atom.Source:
		a.rewriteSrcset(n)
	case atom.Style:
		a.rewriteStyleBlock(n)
	}
	if style, ok := getAttr(n, "style"); ok {
		setAttr(n, "style", a.rewriter.RewriteCSSURLs(style))
	}
}

// lookup resolves ref and records a miss on relative references.
func (a *assembly) lookup(ref string) *materializer.Response {
	ref = strings.TrimSpace(ref)
	if ref == "" || resolver.IsAbsolute(ref) {
		return nil
	}
	resp := a.res.Resolve(ref)
	if resp == nil {
		a.unresolved[ref] = true
	}
	return resp
}

func (a *assembly) inlineStylesheet(n *html.Node) {
	rel, _ := getAttr(n, "rel")
	if !hasToken(rel, "stylesheet") {
		return
	}
	href, _ := getAttr(n, "href")
	resp := a.lookup(href)
	if resp == nil || !resp.Text {
		return
	}

	style := &html.Node{Type: html.ElementNode, DataAtom: atom.Style, Data: "style"}
	if media, ok := getAttr(n, "media"); ok {
		style.Attr = append(style.Attr, html.Attribute{Key: "media", Val: media})
	}
	css := a.rewriter.RewriteCSSURLs(string(resp.Body))
	style.AppendChild(&html.Node{Type: html.TextNode, Data: escapeRawText(css, "style")})

	n.Parent.InsertBefore(style, n)
	n.Parent.RemoveChild(n)
	a.inlined[resp.Path] = true
}

func (a *assembly) inlineScript(n *html.Node) {
	src, ok := getAttr(n, "src")
	if !ok {
		return
	}
	resp := a.lookup(src)
	if resp == nil || !resp.Text {
		return
	}

	var attrs []html.Attribute
	for _, attr := range n.Attr {
		if attr.Namespace == "" && strings.EqualFold(attr.Key, "src") {
			continue
		}
		attrs = append(attrs, attr)
	}

	n.Parent.InsertBefore(scriptNode(string(resp.Body), attrs), n)
	n.Parent.RemoveChild(n)
	a.inlined[resp.Path] = true
}

func (a *assembly) rewriteImage(n *html.Node) {
	src, ok := getAttr(n, "src")
	if !ok {
		return
	}
	resp := a.lookup(src)
	if resp == nil || resp.Text {
		return
	}
	if data, ok := a.res.DataURL(resp.Path); ok {
		setAttr(n, "src", data)
		a.inlined[resp.Path] = true
	}
}

func (a *assembly) rewriteSrcset(n *html.Node) {
	if srcset, ok := getAttr(n, "srcset"); ok {
		setAttr(n, "srcset", a.rewriter.RewriteSrcset(srcset))
	}
}

func (a *assembly) rewriteStyleBlock(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			c.Data = a.rewriter.RewriteCSSURLs(c.Data)
		}
	}
}

func scriptNode(body string, attrs []html.Attribute) *html.Node {
	n := &html.Node{Type: html.ElementNode, DataAtom: atom.Script, Data: "script", Attr: attrs}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: escapeRawText(body, "script")})
	return n
}

// escapeRawText keeps inlined text from closing its raw-text element early.
// Raw text is rendered unescaped, so "</tag" becomes "<\/tag".
func escapeRawText(body, tag string) string {
	needle := "</" + tag
	if !strings.Contains(strings.ToLower(body), needle) {
		return body
	}

	var b strings.Builder
	b.Grow(len(body) + 8)
	for i := 0; i < len(body); {
		if i+len(needle) <= len(body) && strings.EqualFold(body[i:i+len(needle)], needle) {
			b.WriteString(`<\/`)
			b.WriteString(body[i+2 : i+len(needle)])
			i += len(needle)
			continue
		}
		b.WriteByte(body[i])
		i++
	}
	return b.String()
}

func collectElements(root *html.Node) []*html.Node {
	var out []*html.Node
	var traverse func(*html.Node)
	traverse = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			traverse(c)
		}
	}
	traverse(root)
	return out
}

func findElement(root *html.Node, a atom.Atom) *html.Node {
	for _, n := range collectElements(root) {
		if n.DataAtom == a {
			return n
		}
	}
	return nil
}

func getAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Namespace == "" && strings.EqualFold(attr.Key, key) {
			return attr.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, attr := range n.Attr {
		if attr.Namespace == "" && strings.EqualFold(attr.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

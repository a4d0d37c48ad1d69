package assembler

import (
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livesite/internal/errors"
	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/materializer"
	"github.com/conneroisu/livesite/internal/vfs"
)

const runtime = "window.__runtime = true;"

type seqCreator struct{ n int }

func (s *seqCreator) Create(body []byte, mediaType string) (lifecycle.ObjectReference, error) {
	s.n++
	id := fmt.Sprintf("r%d", s.n)
	return lifecycle.ObjectReference{ID: id, URL: "/ref/" + id, MediaType: mediaType, Size: len(body)}, nil
}

func assemble(t *testing.T, files map[string]string) (*Document, *materializer.Set, error) {
	t.Helper()
	var entries []vfs.Entry
	for p, content := range files {
		entries = append(entries, vfs.Entry{Path: p, Data: []byte(content)})
	}
	fs := vfs.New(entries...)
	set, err := materializer.Materialize(fs, &seqCreator{})
	require.NoError(t, err)
	doc, err := Assemble(fs, set, runtime)
	return doc, set, err
}

func TestFindEntryPoint(t *testing.T) {
	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"root", []string{"about/index.html", "index.html"}, "index.html"},
		{"nested", []string{"site/index.html", "a.css"}, "site/index.html"},
		{"shallowest wins", []string{"a/b/index.html", "z/index.html"}, "z/index.html"},
		{"tie by path order", []string{"b/index.html", "a/index.html"}, "a/index.html"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []vfs.Entry
			for _, p := range tt.paths {
				entries = append(entries, vfs.Entry{Path: p})
			}
			got, err := FindEntryPoint(vfs.New(entries...))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssemble_MissingEntryPoint(t *testing.T) {
	doc, _, err := assemble(t, map[string]string{"style.css": "body{}", "index.htm": "<html></html>"})
	require.Error(t, err)
	assert.Nil(t, doc, "no partial document")
	assert.True(t, errors.HasCode(err, errors.ErrCodeMissingEntryPoint))
}

func TestAssemble_ReferenceDocument(t *testing.T) {
	doc, set, err := assemble(t, map[string]string{
		"index.html": "<html><head><link rel=stylesheet href='s.css'></head><body><img src='a.png'></body></html>",
		"s.css":      "body{background:url('b.png')}",
		"a.png":      "\x89PNG\x00a",
		"b.png":      "\x89PNG\x00b",
	})
	require.NoError(t, err)

	bLoc, ok := set.Locate("b.png")
	require.True(t, ok)
	aData, ok := set.DataURL("a.png")
	require.True(t, ok)

	out := doc.HTML
	assert.NotContains(t, out, "<link")
	assert.NotContains(t, out, "s.css")
	assert.Equal(t, 1, strings.Count(out, "<style>"))
	assert.Contains(t, out, "<style>body{background:url('"+bLoc+"')}</style>")
	assert.Contains(t, out, `<img src="`+aData+`"/>`)
	assert.NotContains(t, out, "b.png")
	assert.NotContains(t, out, "a.png")

	assert.True(t, strings.HasPrefix(out, "<html><head><script>"+runtime+"</script>"), out)
	assert.Equal(t, []string{"a.png", "s.css"}, doc.Inlined)
	assert.Empty(t, doc.Unresolved)
}

func TestAssemble_Scripts(t *testing.T) {
	doc, _, err := assemble(t, map[string]string{
		"index.html": `<!DOCTYPE html><html><head><script type="module" src="./js/app.js" defer></script>` +
			`<script src="https://cdn.example.com/lib.js"></script></head><body><script src="missing.js"></script></body></html>`,
		"js/app.js": `fetch("data.json"); document.write("</script>");`,
	})
	require.NoError(t, err)

	out := doc.HTML
	assert.Contains(t, out, `<script type="module" defer="">fetch("data.json"); document.write("<\/script>");</script>`,
		"script body is verbatim apart from the closing tag escape")
	assert.Contains(t, out, `<script src="https://cdn.example.com/lib.js"></script>`)
	assert.Contains(t, out, `<script src="missing.js"></script>`)
	assert.Equal(t, []string{"missing.js"}, doc.Unresolved)

	// runtime precedes every other script
	first := strings.Index(out, "<script")
	assert.Equal(t, first, strings.Index(out, "<script>"+runtime))
}

func TestAssemble_StylesAndSrcset(t *testing.T) {
	doc, set, err := assemble(t, map[string]string{
		"index.html": `<html><head><style>h1{background:url(img/bg.png)}</style>` +
			`<link rel="preload stylesheet" href="/css/site.css" media="screen"></head><body>` +
			`<div style="background-image:url('./img/bg.png')"></div>` +
			`<picture><source srcset="img/a.png 1x, img/b.png 2x"><img src="img/a.png" srcset="img/b.png 2x"></picture>` +
			`</body></html>`,
		"css/site.css": "@import url(\"other.css\");",
		"img/bg.png":   "\x89bg",
		"img/a.png":    "\x89a",
		"img/b.png":    "\x89b",
	})
	require.NoError(t, err)

	bg, _ := set.Locate("img/bg.png")
	a, _ := set.Locate("img/a.png")
	b, _ := set.Locate("img/b.png")

	out := doc.HTML
	assert.Contains(t, out, "<style>h1{background:url("+bg+")}</style>")
	assert.Contains(t, out, `<style media="screen">@import url("other.css");</style>`)
	assert.Contains(t, out, `style="background-image:url(&#39;`+bg+`&#39;)"`)
	assert.Contains(t, out, `<source srcset="`+a+` 1x, `+b+` 2x"/>`)
	assert.Contains(t, out, `srcset="`+b+` 2x"`)
	assert.Regexp(t, regexp.MustCompile(`<img src="data:image/png;base64,[^"]+"`), out)
}

func TestAssemble_EntryInSubdirectory(t *testing.T) {
	doc, _, err := assemble(t, map[string]string{
		"docs/index.html": "<p>hi</p>",
	})
	require.NoError(t, err)
	assert.Equal(t, "docs/index.html", doc.EntryPoint)
	assert.Contains(t, doc.HTML, "<head><script>"+runtime+"</script></head>")
	assert.Contains(t, doc.HTML, "<p>hi</p>")
}

func TestEscapeRawText(t *testing.T) {
	assert.Equal(t, "a<\\/script>b<\\/SCRIPT>", escapeRawText("a</script>b</SCRIPT>", "script"))
	assert.Equal(t, "no tags", escapeRawText("no tags", "script"))
	assert.Equal(t, "x<\\/style", escapeRawText("x</style", "style"))
}

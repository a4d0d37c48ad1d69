package materializer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/livesite/internal/lifecycle"
	"github.com/conneroisu/livesite/internal/vfs"
)

type fakeCreator struct {
	n     int
	types map[string]string
	fail  bool
}

func (f *fakeCreator) Create(body []byte, mediaType string) (lifecycle.ObjectReference, error) {
	if f.fail {
		return lifecycle.ObjectReference{}, errors.New("boom")
	}
	f.n++
	id := fmt.Sprintf("r%d", f.n)
	if f.types == nil {
		f.types = make(map[string]string)
	}
	f.types[id] = mediaType
	return lifecycle.ObjectReference{ID: id, URL: "/ref/" + id, MediaType: mediaType, Size: len(body)}, nil
}

func testVFS() *vfs.VFS {
	return vfs.New(
		vfs.Entry{Path: "index.html", Data: []byte("<html></html>")},
		vfs.Entry{Path: "css/site.css", Data: append([]byte{0xEF, 0xBB, 0xBF}, []byte("body{}")...)},
		vfs.Entry{Path: "img/logo.png", Data: []byte{0x89, 0x50, 0x4E, 0x47}},
		vfs.Entry{Path: "fonts/a.woff2", Data: []byte{0x77, 0x4F}},
		vfs.Entry{Path: "data.bin", Data: []byte{0x00}},
	)
}

func TestMediaType(t *testing.T) {
	tests := []struct {
		path      string
		mediaType string
		text      bool
		image     bool
	}{
		{"a.css", "text/css", true, false},
		{"a.JS", "application/javascript", true, false},
		{"a.json", "application/json", true, false},
		{"README.md", "text/markdown", true, false},
		{"notes.txt", "text/plain", true, false},
		{"index.html", "text/html", true, false},
		{"a.png", "image/png", false, true},
		{"a.jpg", "image/jpeg", false, true},
		{"a.jpeg", "image/jpeg", false, true},
		{"a.gif", "image/gif", false, true},
		{"a.svg", "image/svg+xml", false, true},
		{"a.webp", "image/webp", false, true},
		{"a.woff", "font/woff", false, false},
		{"a.woff2", "font/woff2", false, false},
		{"a.ttf", "font/ttf", false, false},
		{"a.otf", "font/otf", false, false},
		{"a.exe", DefaultMediaType, false, false},
		{"Makefile", DefaultMediaType, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.mediaType, MediaType(tt.path))
			assert.Equal(t, tt.text, IsText(tt.path))
			assert.Equal(t, tt.image, IsImage(tt.path))
		})
	}

	assert.Equal(t, "text/css; charset=utf-8", ContentType("a.css"))
	assert.Equal(t, "image/png", ContentType("a.png"))
}

func TestMaterialize(t *testing.T) {
	creator := &fakeCreator{}
	set, err := Materialize(testVFS(), creator)
	require.NoError(t, err)

	assert.Equal(t, 5, set.Len())
	assert.Equal(t, 5, creator.n, "one reference per entry")

	css, ok := set.Item("css/site.css")
	require.True(t, ok)
	assert.True(t, css.Text)
	assert.Equal(t, "body{}", string(css.Body), "byte order mark is dropped")
	assert.Equal(t, "text/css; charset=utf-8", creator.types[css.Ref.ID])

	png, ok := set.Item("img/logo.png")
	require.True(t, ok)
	assert.False(t, png.Text)
	assert.Equal(t, []byte{0x89, 0x50, 0x4E, 0x47}, png.Body)

	var paths []string
	for _, item := range set.Items() {
		paths = append(paths, item.Path)
	}
	assert.Equal(t, []string{"css/site.css", "data.bin", "fonts/a.woff2", "img/logo.png", "index.html"}, paths)
}

func TestMaterialize_CreatorFailure(t *testing.T) {
	_, err := Materialize(testVFS(), &fakeCreator{fail: true})
	assert.Error(t, err)
}

func TestDecodeText(t *testing.T) {
	assert.Equal(t, "héllo", string(DecodeText([]byte("héllo"))))
	assert.Equal(t, "a\uFFFDb", string(DecodeText([]byte{'a', 0xFF, 'b'})))
	assert.Equal(t, "", string(DecodeText(nil)))
}

func TestSet_LocateAndResolve(t *testing.T) {
	set, err := Materialize(testVFS(), &fakeCreator{})
	require.NoError(t, err)

	loc, ok := set.Locate("img/logo.png")
	require.True(t, ok)
	assert.Contains(t, loc, "/ref/")

	_, ok = set.Locate("./img/logo.png")
	assert.False(t, ok, "locate takes exact paths")

	resp := set.Resolve("./img/logo.png?v=3")
	require.NotNil(t, resp)
	assert.Equal(t, "img/logo.png", resp.Path)
	assert.Equal(t, "image/png", resp.MediaType)
	assert.Equal(t, loc, resp.Locator)
	assert.Equal(t, "./img/logo.png?v=3", resp.OriginalRef)

	assert.Nil(t, set.Resolve("https://example.com/img/logo.png"))
	assert.Nil(t, set.Resolve("missing.js"))

	dataURL, ok := set.DataURL("img/logo.png")
	require.True(t, ok)
	assert.Equal(t, "data:image/png;base64,iVBORw==", dataURL)
}

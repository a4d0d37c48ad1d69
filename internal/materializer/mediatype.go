package materializer

import (
	"path"
	"strings"
)

// DefaultMediaType is used for extensions missing from the table.
const DefaultMediaType = "application/octet-stream"

type mediaInfo struct {
	mediaType string
	text      bool
	image     bool
}

var mediaTable = map[string]mediaInfo{
	".css":   {mediaType: "text/css", text: true},
	".js":    {mediaType: "application/javascript", text: true},
	".json":  {mediaType: "application/json", text: true},
	".md":    {mediaType: "text/markdown", text: true},
	".txt":   {mediaType: "text/plain", text: true},
	".html":  {mediaType: "text/html", text: true},
	".png":   {mediaType: "image/png", image: true},
	".jpg":   {mediaType: "image/jpeg", image: true},
	".jpeg":  {mediaType: "image/jpeg", image: true},
	".gif":   {mediaType: "image/gif", image: true},
	".svg":   {mediaType: "image/svg+xml", image: true},
	".webp":  {mediaType: "image/webp", image: true},
	".woff":  {mediaType: "font/woff"},
	".woff2": {mediaType: "font/woff2"},
	".ttf":   {mediaType: "font/ttf"},
	".otf":   {mediaType: "font/otf"},
}

func lookupMedia(p string) mediaInfo {
	if info, ok := mediaTable[strings.ToLower(path.Ext(p))]; ok {
		return info
	}
	return mediaInfo{mediaType: DefaultMediaType}
}

// MediaType returns the media type for a path from the fixed extension table.
func MediaType(p string) string {
	return lookupMedia(p).mediaType
}

// IsText reports whether a path is text-like (css, js, json, md, txt, html).
func IsText(p string) bool {
	return lookupMedia(p).text
}

// IsImage reports whether a path is a binary image the runtime may inline as
// a data URL.
func IsImage(p string) bool {
	return lookupMedia(p).image
}

// ContentType is the HTTP Content-Type header value for a path.
func ContentType(p string) string {
	info := lookupMedia(p)
	if info.text {
		return info.mediaType + "; charset=utf-8"
	}
	return info.mediaType
}

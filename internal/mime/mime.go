// Package mime maps file names to content types and decides which types are
// worth compressing.
package mime

import (
	"path/filepath"
	"strings"
)

const Default = "application/octet-stream"

var types = map[string]string{
	".html": "text/html; charset=utf-8",
	".htm":  "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
	".json": "application/json",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
	".ico":  "image/x-icon",
	".webp": "image/webp",
	".pdf":  "application/pdf",
	".txt":  "text/plain; charset=utf-8",
	".xml":  "application/xml",
	".zip":  "application/zip",
	".wasm": "application/wasm",
}

// Lookup returns the content type for path by extension.
func Lookup(path string) string {
	if t, ok := types[strings.ToLower(filepath.Ext(path))]; ok {
		return t
	}
	return Default
}

// Compressible reports whether a body of this content type should be
// gzipped: HTML, CSS and JavaScript only.
func Compressible(contentType string) bool {
	base, _, _ := strings.Cut(contentType, ";")
	switch strings.ToLower(strings.TrimSpace(base)) {
	case "text/html", "text/css", "application/javascript", "text/javascript", "application/x-javascript":
		return true
	}
	return false
}

// AcceptsGzip reports whether an Accept-Encoding value admits gzip. A coding
// listed with q=0 is refused.
func AcceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		coding, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		coding = strings.ToLower(strings.TrimSpace(coding))
		if coding != "gzip" && coding != "x-gzip" && coding != "*" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.ReplaceAll(params, " ", ""), "q="); ok && isZero(q) {
			continue
		}
		return true
	}
	return false
}

func isZero(q string) bool {
	return strings.Trim(q, "0.") == ""
}

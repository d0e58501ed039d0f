package httpx

import (
	"bytes"
	"strings"

	"github.com/klauspost/compress/gzip"

	"dqx0.com/go/reactor/httpx/filecache"
	"dqx0.com/go/reactor/internal/mime"
	"dqx0.com/go/reactor/internal/obs"
)

const cacheControl = "public, max-age=3600"

func (s *Server) serveStatic(req *Request, path string) *Response {
	if req.Method != "GET" && req.Method != "HEAD" {
		return errorResponse(ErrMethod)
	}
	e, ok := s.Cache.Lookup(path)
	if !ok {
		var err error
		e, err = filecache.Load(path, mime.Lookup(path))
		if err != nil {
			s.logf(obs.Warn, "conn %s: load %s: %v", req.ConnID, path, err)
			return errorResponse(err)
		}
		s.Cache.Insert(path, e)
	}
	r := entryResponse(req, e)
	if r.Header.Has("Content-Encoding") {
		s.logf(obs.Debug, "conn %s: gzip %s %d -> %d", req.ConnID, path, len(e.Content), len(r.Body))
	}
	return r
}

// entryResponse applies the conditional GET and compression policies to a
// cached entry. The entry itself is never modified.
func entryResponse(req *Request, e filecache.Entry) *Response {
	if etagMatch(req.Header.Get("if-none-match"), e.ETag) {
		return &Response{
			Status: 304,
			Header: Header{
				{Name: "ETag", Value: e.ETag},
				{Name: "Cache-Control", Value: cacheControl},
			},
		}
	}
	hdr := Header{
		{Name: "Content-Type", Value: e.MIME},
		{Name: "ETag", Value: e.ETag},
		{Name: "Cache-Control", Value: cacheControl},
	}
	body := e.Content
	if mime.Compressible(e.MIME) && mime.AcceptsGzip(req.Header.Get("accept-encoding")) {
		if z, err := gzipBytes(body); err == nil {
			body = z
			hdr = append(hdr,
				Field{Name: "Content-Encoding", Value: "gzip"},
				Field{Name: "Vary", Value: "Accept-Encoding"})
		}
	}
	return &Response{Status: 200, Header: hdr, Body: body}
}

// etagMatch reports whether an If-None-Match value names etag. Weak
// validators compare equal to their strong form.
func etagMatch(inm, etag string) bool {
	if inm == "" {
		return false
	}
	for _, v := range strings.Split(inm, ",") {
		v = strings.TrimSpace(v)
		if v == "*" || strings.TrimPrefix(v, "W/") == etag {
			return true
		}
	}
	return false
}

func gzipBytes(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(p); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package httpx

import (
	"net/textproto"

	"dqx0.com/go/reactor/httpx/internal/http1"
)

// Header is an ordered header list with case-insensitive lookup. Request
// headers carry lowercased names; response headers are written as given.
type Header = http1.Header

// Field is one header line.
type Field = http1.Field

// canonicalHeader rewrites lowercased names into their canonical form for
// the wire.
func canonicalHeader(h Header) Header {
	out := make(Header, 0, len(h))
	for _, f := range h {
		out = append(out, Field{Name: textproto.CanonicalMIMEHeaderKey(f.Name), Value: f.Value})
	}
	return out
}

package httpx

import "dqx0.com/go/reactor/httpx/internal/http1"

// Request is a fully framed inbound request.
type Request struct {
	Method string
	// Target is the request-target exactly as received.
	Target string
	// Path is the percent-decoded path of Target.
	Path   string
	Query  string
	Proto  string
	Header Header
	Body   []byte
	// RemoteAddr is the peer address in host:port form.
	RemoteAddr string
	// ConnID identifies the connection in logs.
	ConnID string
	// TraceID is taken from a valid inbound traceparent header.
	TraceID string
}

func newRequest(m *http1.Message, c *conn) *Request {
	return &Request{
		Method:     m.Method,
		Target:     m.Target,
		Path:       m.Path,
		Query:      m.Query,
		Proto:      m.Proto,
		Header:     m.Header,
		Body:       m.Body,
		RemoteAddr: c.remote,
		ConnID:     c.id,
		TraceID:    traceID(m.Header.Get("traceparent")),
	}
}

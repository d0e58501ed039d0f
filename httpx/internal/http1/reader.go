package http1

import (
	"bytes"
	"errors"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrMalformedRequestLine = errors.New("malformed request line")
	ErrMalformedHeader      = errors.New("malformed header")
	ErrConflictingLength    = errors.New("conflicting content-length")
	ErrBadLength            = errors.New("invalid content-length")
	ErrUnsupportedEncoding  = errors.New("unsupported transfer-encoding")
)

// Delimiter separates the header block from the body.
var Delimiter = []byte("\r\n\r\n")

// Message is a request parsed from the wire. It is never modified after
// Parse returns; WithBody produces a copy.
type Message struct {
	Method string
	Target string // request-target exactly as received
	Path   string // percent-decoded path of Target
	Query  string
	Proto  string
	// Header holds lowercased names; on duplicates the first occurrence wins.
	Header Header
	Body   []byte

	lines []string // raw header lines, original case
}

// HeaderEnd returns the offset just past the first header/body delimiter in
// buf, or -1. Scanning starts a few bytes before from so a delimiter split
// across reads is still found.
func HeaderEnd(buf []byte, from int) int {
	from -= len(Delimiter) - 1
	if from < 0 {
		from = 0
	}
	if from > len(buf) {
		return -1
	}
	i := bytes.Index(buf[from:], Delimiter)
	if i < 0 {
		return -1
	}
	return from + i + len(Delimiter)
}

// Parse splits buf once on the delimiter and decodes the request line and
// header block. Whatever follows the delimiter becomes the provisional body.
// Parse performs no I/O.
func Parse(buf []byte) (*Message, error) {
	head, body := buf, []byte(nil)
	if i := bytes.Index(buf, Delimiter); i >= 0 {
		head, body = buf[:i], buf[i+len(Delimiter):]
	}
	lines := strings.Split(string(head), "\r\n")

	parts := strings.Fields(lines[0])
	if len(parts) != 3 {
		return nil, ErrMalformedRequestLine
	}
	method, target, proto := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, ErrMalformedRequestLine
	}
	rawPath, query, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return nil, ErrMalformedRequestLine
	}

	m := &Message{
		Method: method,
		Target: target,
		Path:   path,
		Query:  query,
		Proto:  proto,
		Header: make(Header, 0, len(lines)-1),
		lines:  make([]string, 0, len(lines)-1),
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ": ")
		if !ok || SanitizeHeaderKey(name) == "" {
			return nil, ErrMalformedHeader
		}
		key := strings.ToLower(name)
		value = strings.TrimSpace(value)
		m.lines = append(m.lines, line)
		if i := m.Header.index(key); i >= 0 {
			if key == "content-length" && m.Header[i].Value != value {
				return nil, ErrConflictingLength
			}
			continue
		}
		m.Header = append(m.Header, Field{Name: key, Value: value})
	}
	if len(body) > 0 {
		m.Body = append([]byte(nil), body...)
	}
	return m, nil
}

// WithBody returns a copy of m carrying body.
func (m *Message) WithBody(body []byte) *Message {
	m2 := *m
	m2.Body = body
	return &m2
}

// BodyLength reports how many body bytes follow the header block. GET and
// HEAD never carry a body; otherwise content-length decides, absent meaning 0.
func BodyLength(m *Message) (int64, error) {
	if te := m.Header.Get("transfer-encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return 0, ErrUnsupportedEncoding
	}
	if m.Method == "GET" || m.Method == "HEAD" {
		return 0, nil
	}
	v := m.Header.Get("content-length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, ErrBadLength
	}
	return n, nil
}

// ExpectsContinue reports whether the client waits for 100 Continue.
func ExpectsContinue(m *Message) bool {
	return strings.EqualFold(m.Header.Get("expect"), "100-continue")
}

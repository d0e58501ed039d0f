package http1

import (
	"bytes"
	"strconv"
	"strings"
)

var reasons = map[int]string{
	200: "OK",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
}

// Reason returns the reason phrase for code. Codes outside the table render
// as "OK".
func Reason(code int) string {
	if r, ok := reasons[code]; ok {
		return r
	}
	return "OK"
}

// KnownStatus reports whether code has its own reason phrase.
func KnownStatus(code int) bool {
	_, ok := reasons[code]
	return ok
}

// Build renders a complete response. Content-Length is computed from body
// unless hdr already carries one, Connection: close is always appended, and
// headers keep insertion order. A 304 never carries a body.
func Build(status int, hdr Header, body []byte) []byte {
	if status == 304 {
		body = nil
	}
	var b bytes.Buffer
	b.Grow(64 + 32*len(hdr) + len(body))
	b.WriteString("HTTP/1.1 ")
	b.WriteString(strconv.Itoa(status))
	b.WriteByte(' ')
	b.WriteString(Reason(status))
	b.WriteString("\r\n")
	for _, f := range hdr {
		// Connection is owned by Build.
		if strings.EqualFold(f.Name, "Connection") {
			continue
		}
		writeField(&b, f.Name, f.Value)
	}
	if status != 304 && !hdr.Has("Content-Length") {
		writeField(&b, "Content-Length", strconv.Itoa(len(body)))
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return b.Bytes()
}

// ForwardRequest re-renders m with target as its request-target. Header lines
// are copied byte-exact except those named in drop (compared
// case-insensitively); the body follows unchanged.
func ForwardRequest(m *Message, target string, drop ...string) []byte {
	var b bytes.Buffer
	b.Grow(len(m.Method) + len(target) + len(m.Proto) + 64*len(m.lines) + len(m.Body))
	b.WriteString(m.Method)
	b.WriteByte(' ')
	b.WriteString(target)
	b.WriteByte(' ')
	b.WriteString(m.Proto)
	b.WriteString("\r\n")
next:
	for _, line := range m.lines {
		name, _, _ := strings.Cut(line, ":")
		for _, d := range drop {
			if strings.EqualFold(name, d) {
				continue next
			}
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return b.Bytes()
}

func writeField(b *bytes.Buffer, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(SanitizeHeaderValue(value))
	b.WriteString("\r\n")
}

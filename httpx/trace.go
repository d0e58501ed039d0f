package httpx

import "strings"

// traceID extracts the trace-id from a W3C traceparent value. Invalid or
// all-zero values yield "".
func traceID(traceparent string) string {
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(strings.TrimSpace(traceparent), "-")
	if len(parts) < 4 {
		return ""
	}
	ver, tid, sid, flags := parts[0], parts[1], parts[2], parts[3]
	if len(ver) != 2 || len(tid) != 32 || len(sid) != 16 || len(flags) != 2 {
		return ""
	}
	if !isHex(ver) || !isHex(tid) || !isHex(sid) || !isHex(flags) {
		return ""
	}
	if strings.Trim(tid, "0") == "" || strings.Trim(sid, "0") == "" {
		return ""
	}
	return strings.ToLower(tid)
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			continue
		}
		return false
	}
	return true
}

// logTag renders the connection id, plus the trace id when the request
// carried one.
func logTag(c *conn) string {
	if c.req != nil && c.req.TraceID != "" {
		return c.id + " trace=" + c.req.TraceID
	}
	return c.id
}

package httpx

import (
	"context"
	"net"

	"dqx0.com/go/reactor/httpx/cgi"
	"dqx0.com/go/reactor/internal/obs"
)

// startCGI runs the interpreter on the worker pool. The connection waits
// with no interest until the completion is delivered.
func (s *Server) startCGI(c *conn, req *Request, script string) {
	creq := &cgi.Request{
		Script:     script,
		Method:     req.Method,
		Path:       req.Path,
		Target:     req.Target,
		Query:      req.Query,
		Proto:      req.Proto,
		Header:     req.Header,
		Body:       req.Body,
		RemoteAddr: remoteHost(req.RemoteAddr),
	}
	c.state = stateAwaitingUpstream
	s.setInterest(c, 0)
	bridge := s.bridge
	ok := s.submit(c, func(ctx context.Context) func() {
		res, err := bridge.Invoke(ctx, creq)
		return func() { s.finishCGI(c, res, err) }
	})
	if !ok {
		s.fail(c, ErrBusy)
	}
}

func (s *Server) finishCGI(c *conn, res *cgi.Result, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(res.Stderr) > 0 {
		s.logf(obs.Warn, "conn %s: %s stderr: %s", c.id, c.req.Path, res.Stderr)
	}
	s.respond(c, cgiResponse(res))
}

func cgiResponse(res *cgi.Result) *Response {
	hdr := Header{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}
	for _, f := range canonicalHeader(res.Header) {
		switch f.Name {
		case "Content-Type":
			hdr.Set(f.Name, f.Value)
		case "Content-Length", "Connection":
		default:
			hdr.Add(f.Name, f.Value)
		}
	}
	return &Response{Status: res.Status, Header: hdr, Body: res.Body}
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

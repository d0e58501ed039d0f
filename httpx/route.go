package httpx

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"dqx0.com/go/reactor/httpx/internal/http1"
	"dqx0.com/go/reactor/internal/obs"
)

// route picks the handler for a fully framed request: admin, redirect,
// proxy, dynamic script, then static content.
func (s *Server) route(c *conn, m *http1.Message, extra []byte) {
	req := newRequest(m, c)
	c.req = req

	if isAdminPath(req.Path) {
		c.route = "admin"
		s.respond(c, s.serveAdmin(req))
		return
	}
	if loc, ok := s.Redirects[req.Path]; ok {
		c.route = "redirect"
		s.respond(c, redirect(loc))
		return
	}
	if isAbsoluteTarget(m.Target) {
		c.route = "proxy"
		s.startRelay(c, m, extra)
		return
	}
	path, err := s.resolve(req.Path)
	if err != nil {
		c.route = "static"
		s.logf(obs.Debug, "conn %s: resolve %q: %v", c.id, req.Path, err)
		s.respond(c, errorResponse(err))
		return
	}
	if s.EnableCGI && strings.HasSuffix(path, s.scriptExt()) {
		c.route = "cgi"
		s.startCGI(c, req, path)
		return
	}
	c.route = "static"
	s.respond(c, s.serveStatic(req, path))
}

func redirect(loc string) *Response {
	code := 302
	if strings.HasPrefix(loc, "/") {
		code = 301
	}
	return &Response{
		Status: code,
		Header: Header{{Name: "Location", Value: loc}},
	}
}

func isAbsoluteTarget(target string) bool {
	t := strings.ToLower(target)
	return strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://")
}

// resolve maps a decoded request path to a file under the document root.
// Any ".." segment is rejected before the filesystem is consulted.
func (s *Server) resolve(p string) (string, error) {
	if !strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", ErrBadTarget
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}
	full := filepath.Join(s.root, filepath.FromSlash(p))
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	fi, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	if !fi.IsDir() {
		return full, nil
	}
	for _, name := range s.indexFiles() {
		idx := filepath.Join(full, name)
		if st, err := os.Stat(idx); err == nil && st.Mode().IsRegular() {
			return idx, nil
		}
	}
	return "", ErrNotFound
}

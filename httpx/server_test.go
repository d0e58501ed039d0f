package httpx

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"dqx0.com/go/reactor/httpx/filecache"
	"dqx0.com/go/reactor/internal/mime"
	"dqx0.com/go/reactor/internal/obs"
)

func startServer(t *testing.T, cfg func(*Server)) (*Server, string) {
	t.Helper()
	s := &Server{
		Addr:   "127.0.0.1:0",
		Root:   t.TempDir(),
		Logger: obs.Zap{L: zaptest.NewLogger(t).Sugar()},
	}
	if cfg != nil {
		cfg(s)
	}
	require.NoError(t, s.Listen())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve() }()
	t.Cleanup(func() {
		_ = s.Close()
		select {
		case err := <-errc:
			assert.ErrorIs(t, err, ErrServerClosed)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Close")
		}
	})
	return s, s.ListenAddr().String()
}

func writeRoot(t *testing.T, s *Server, name, content string) string {
	t.Helper()
	p := filepath.Join(s.Root, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { c.Close() })
	return c
}

// exchange sends raw and reads until the server closes the connection.
func exchange(t *testing.T, addr, raw string) []byte {
	t.Helper()
	c := dial(t, addr)
	_, err := io.WriteString(c, raw)
	require.NoError(t, err)
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	return b
}

func parse(t *testing.T, raw []byte, method string) (*http.Response, []byte) {
	t.Helper()
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), &http.Request{Method: method})
	require.NoError(t, err, "response: %q", raw)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, body
}

func get(t *testing.T, addr, path string, headers ...string) (*http.Response, []byte) {
	t.Helper()
	raw := "GET " + path + " HTTP/1.1\r\nHost: test\r\n"
	for _, h := range headers {
		raw += h + "\r\n"
	}
	return parse(t, exchange(t, addr, raw+"\r\n"), "GET")
}

func TestServer_StaticGET(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "style.css", "body { color: red }")

	res, body := get(t, addr, "/style.css")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "body { color: red }", string(body))
	assert.Equal(t, mime.Lookup("style.css"), res.Header.Get("Content-Type"))
	assert.Equal(t, filecache.ETag(body), res.Header.Get("ETag"))
	assert.Equal(t, "public, max-age=3600", res.Header.Get("Cache-Control"))
	assert.True(t, res.Close, "every response closes the connection")
	assert.Equal(t, int64(len(body)), res.ContentLength)
	assert.Equal(t, 1, s.Cache.Len())
}

func TestServer_DirectoryIndex(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "index.html", "<h1>home</h1>")
	writeRoot(t, s, "docs/index.html", "<h1>docs</h1>")
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root, "empty"), 0o755))

	_, body := get(t, addr, "/")
	assert.Equal(t, "<h1>home</h1>", string(body))
	_, body = get(t, addr, "/docs/")
	assert.Equal(t, "<h1>docs</h1>", string(body))
	res, _ := get(t, addr, "/empty/")
	assert.Equal(t, 404, res.StatusCode)
}

func TestServer_ConditionalGET(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "page.txt", "cached text")

	first, _ := get(t, addr, "/page.txt")
	etag := first.Header.Get("ETag")
	require.NotEmpty(t, etag)

	raw := exchange(t, addr, "GET /page.txt HTTP/1.1\r\nHost: test\r\nIf-None-Match: "+etag+"\r\n\r\n")
	res, body := parse(t, raw, "GET")
	assert.Equal(t, 304, res.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, etag, res.Header.Get("ETag"))
	assert.Equal(t, "public, max-age=3600", res.Header.Get("Cache-Control"))
	assert.Empty(t, res.Header.Get("Content-Type"))
	assert.True(t, bytes.HasSuffix(raw, []byte("\r\n\r\n")), "304 carries no body")

	res, body = get(t, addr, "/page.txt", `If-None-Match: "xyz"`)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "cached text", string(body))
}

func TestServer_RefreshesModifiedFile(t *testing.T) {
	s, addr := startServer(t, nil)
	p := writeRoot(t, s, "v.txt", "one")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(p, old, old))

	_, body := get(t, addr, "/v.txt")
	assert.Equal(t, "one", string(body))

	require.NoError(t, os.WriteFile(p, []byte("two"), 0o644))
	_, body = get(t, addr, "/v.txt")
	assert.Equal(t, "two", string(body))
	assert.Equal(t, uint64(1), s.Cache.Stats().Stale)
}

func TestServer_NotFoundAndTraversal(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "a/b.txt", "b")

	res, _ := get(t, addr, "/missing.txt")
	assert.Equal(t, 404, res.StatusCode)

	for _, p := range []string{"/../etc/passwd", "/a/../a/b.txt", "/a/%2e%2e/%2e%2e/etc/passwd", "/a/..%2f..%2fetc"} {
		res, _ := get(t, addr, p)
		assert.Equal(t, 400, res.StatusCode, p)
	}
}

func TestServer_Redirects(t *testing.T) {
	_, addr := startServer(t, func(s *Server) {
		s.Redirects = map[string]string{
			"/old":  "/new",
			"/away": "https://example.com/",
		}
	})
	res, _ := get(t, addr, "/old")
	assert.Equal(t, 301, res.StatusCode)
	assert.Equal(t, "/new", res.Header.Get("Location"))

	res, _ = get(t, addr, "/away")
	assert.Equal(t, 302, res.StatusCode)
	assert.Equal(t, "https://example.com/", res.Header.Get("Location"))
}

func TestServer_AdminCacheClear(t *testing.T) {
	tally := obs.NewTally()
	s, addr := startServer(t, func(s *Server) { s.Meter = tally })
	writeRoot(t, s, "a.txt", "a")
	get(t, addr, "/a.txt")
	require.Equal(t, 1, s.Cache.Len())

	res, body := get(t, addr, AdminCacheClearPath)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "Cache cleared\n", string(body))
	assert.Equal(t, 0, s.Cache.Len())
	assert.Equal(t, 1.0, tally.Value("httpx_cache_clear_total"))

	raw := exchange(t, addr, "POST "+AdminCacheClearPath+" HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n")
	res, _ = parse(t, raw, "POST")
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "GET", res.Header.Get("Allow"))
}

func TestServer_AdminStats(t *testing.T) {
	tally := obs.NewTally()
	s, addr := startServer(t, func(s *Server) { s.Meter = tally })
	writeRoot(t, s, "a.txt", "a")
	get(t, addr, "/a.txt")
	get(t, addr, "/a.txt")

	_, body := get(t, addr, AdminStatsPath)
	assert.Contains(t, string(body), "cache_size 1\n")
	assert.Contains(t, string(body), "cache_hits 1\n")
	assert.Contains(t, string(body), "httpx_requests_total{route=static,status=200} 2\n")
}

func TestServer_Gzip(t *testing.T) {
	s, addr := startServer(t, nil)
	page := strings.Repeat("<p>compress me</p>\n", 500)
	writeRoot(t, s, "big.html", page)
	writeRoot(t, s, "img.png", page)

	res, body := get(t, addr, "/big.html", "Accept-Encoding: gzip, deflate")
	require.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	assert.Equal(t, int64(len(body)), res.ContentLength)
	assert.Less(t, len(body), len(page))
	zr, err := gzip.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	dec, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, page, string(dec))

	// the cached entry stays uncompressed
	res, body = get(t, addr, "/big.html")
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, page, string(body))

	res, body = get(t, addr, "/img.png", "Accept-Encoding: gzip")
	assert.Empty(t, res.Header.Get("Content-Encoding"))
	assert.Equal(t, page, string(body))
}

func TestServer_HeadAndMethods(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "a.txt", "twelve bytes")

	raw := exchange(t, addr, "HEAD /a.txt HTTP/1.1\r\nHost: test\r\n\r\n")
	res, body := parse(t, raw, "HEAD")
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "12", res.Header.Get("Content-Length"))
	assert.Empty(t, body)
	assert.True(t, bytes.HasSuffix(raw, []byte("\r\n\r\n")))

	raw = exchange(t, addr, "POST /a.txt HTTP/1.1\r\nHost: test\r\nContent-Length: 3\r\n\r\nabc")
	res, _ = parse(t, raw, "POST")
	assert.Equal(t, 405, res.StatusCode)
	assert.Equal(t, "GET, HEAD", res.Header.Get("Allow"))
}

func TestServer_FramingErrors(t *testing.T) {
	_, addr := startServer(t, func(s *Server) { s.MaxBodyBytes = 16 })
	for name, raw := range map[string]string{
		"request line":    "GARBAGE\r\n\r\n",
		"version":         "GET / FTP/1.0\r\n\r\n",
		"header":          "GET / HTTP/1.1\r\nHost test\r\n\r\n",
		"length conflict": "POST / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n",
		"chunked":         "POST / HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n",
		"body too large":  "POST / HTTP/1.1\r\nContent-Length: 100\r\n\r\n",
	} {
		res, _ := parse(t, exchange(t, addr, raw), "GET")
		assert.Equal(t, 400, res.StatusCode, name)
	}
}

func TestServer_HeaderTooLarge(t *testing.T) {
	_, addr := startServer(t, func(s *Server) { s.MaxHeaderBytes = 1024 })
	raw := "GET / HTTP/1.1\r\nX-Fill: " + strings.Repeat("a", 2048)
	res, _ := parse(t, exchange(t, addr, raw), "GET")
	assert.Equal(t, 400, res.StatusCode)
}

func TestServer_RequestSplitAcrossWrites(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "a.txt", "split")

	c := dial(t, addr)
	for _, part := range []string{"GET /a.t", "xt HTTP/1.1\r\nHo", "st: test\r\n\r", "\n"} {
		_, err := io.WriteString(c, part)
		require.NoError(t, err)
		time.Sleep(20 * time.Millisecond)
	}
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	_, body := parse(t, b, "GET")
	assert.Equal(t, "split", string(body))
}

func TestServer_IdleTimeout(t *testing.T) {
	_, addr := startServer(t, func(s *Server) { s.IdleTimeout = 100 * time.Millisecond })
	c := dial(t, addr)
	_, err := io.WriteString(c, "GET / HTTP/1.1\r\n")
	require.NoError(t, err)

	start := time.Now()
	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Empty(t, b, "idle connections are closed without a response")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestServer_Metrics(t *testing.T) {
	tally := obs.NewTally()
	s, addr := startServer(t, func(s *Server) { s.Meter = tally })
	writeRoot(t, s, "a.txt", "a")
	get(t, addr, "/a.txt")
	get(t, addr, "/nope")

	assert.Equal(t, 1.0, tally.Value("httpx_requests_total",
		obs.Label{Key: "route", Value: "static"}, obs.Label{Key: "status", Value: "200"}))
	assert.Equal(t, 1.0, tally.Value("httpx_requests_total",
		obs.Label{Key: "route", Value: "static"}, obs.Label{Key: "status", Value: "404"}))
	assert.Equal(t, 2.0, tally.Snapshot()["httpx_request_seconds_count{route=static}"])
}

func TestServer_ManyConcurrentClients(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "a.txt", strings.Repeat("x", 100<<10))

	const n = 32
	conns := make([]net.Conn, n)
	for i := range conns {
		conns[i] = dial(t, addr)
		_, err := io.WriteString(conns[i], "GET /a.txt HTTP/1.1\r\nHost: test\r\n\r\n")
		require.NoError(t, err)
	}
	for _, c := range conns {
		b, err := io.ReadAll(c)
		require.NoError(t, err)
		res, body := parse(t, b, "GET")
		assert.Equal(t, 200, res.StatusCode)
		assert.Len(t, body, 100<<10)
	}
}

func TestServer_ShutdownStopsAccepting(t *testing.T) {
	s, addr := startServer(t, nil)
	writeRoot(t, s, "a.txt", "a")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestServer_ListenWithoutServe(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0"}
	require.NoError(t, s.Listen())
	require.NotNil(t, s.ListenAddr())
	assert.Error(t, s.Listen())
	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Serve(), ErrServerClosed)
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0", Root: t.TempDir()}
	require.NoError(t, s.Listen())
	addr := s.ListenAddr().String()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	assert.ErrorIs(t, s.Serve(), ErrServerClosed)

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)

	// the server can be bound again after stopping
	s.Addr = "127.0.0.1:0"
	require.NoError(t, s.Listen())
	assert.NoError(t, s.Close())
}

// panicLogger panics the first time a message containing match is logged.
type panicLogger struct {
	obs.Logger
	match string
	fired atomic.Bool
}

func (p *panicLogger) Logf(level obs.Level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if strings.Contains(msg, p.match) && p.fired.CompareAndSwap(false, true) {
		panic("logger: " + msg)
	}
	p.Logger.Logf(level, format, args...)
}

func TestServer_PanicDuringRouteYields500(t *testing.T) {
	tally := obs.NewTally()
	lg := &panicLogger{match: "resolve", Logger: obs.Zap{L: zaptest.NewLogger(t).Sugar()}}
	_, addr := startServer(t, func(s *Server) {
		s.Logger = lg
		s.Meter = tally
	})

	res, body := get(t, addr, "/missing")
	assert.Equal(t, 500, res.StatusCode)
	assert.Equal(t, "Internal Server Error\n", string(body))
	assert.True(t, res.Close)
	assert.True(t, lg.fired.Load())

	res, _ = get(t, addr, "/missing")
	assert.Equal(t, 404, res.StatusCode, "loop keeps serving after a handler panic")

	assert.Equal(t, 1.0, tally.Value("httpx_requests_total",
		obs.Label{Key: "route", Value: "static"}, obs.Label{Key: "status", Value: "500"}))
	assert.Equal(t, 1.0, tally.Value("httpx_requests_total",
		obs.Label{Key: "route", Value: "static"}, obs.Label{Key: "status", Value: "404"}))
}

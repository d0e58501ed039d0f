// Package httpx is a single-threaded, non-blocking HTTP/1.1 server built
// directly on epoll.
//
// One goroutine owns the poller and every connection. Each readiness event
// performs at most one read or one write; work that would block the loop
// (CGI interpreters, DNS lookups) runs on a bounded worker pool whose
// completions are delivered back to the loop through an eventfd wakeup.
//
// Highlights
//   - Static files through an mtime-validated LRU cache with ETag
//     conditional GET and gzip for textual content.
//   - Transparent forwarding of proxy-form requests (http:// only) with
//     per-side backpressure.
//   - CGI bridge for a configured script extension.
//   - Redirect table, administrative cache clear and stats routes.
//   - Every response closes the connection; bodies are Content-Length only.
//
// Quick start:
//
//	s := &httpx.Server{Addr: ":8080", Root: "./public"}
//	if err := s.ListenAndServe(); err != nil && !errors.Is(err, httpx.ErrServerClosed) {
//	    log.Fatal(err)
//	}
package httpx

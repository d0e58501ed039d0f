package httpx

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"dqx0.com/go/reactor/httpx/internal/http1"
	"dqx0.com/go/reactor/httpx/internal/poll"
	"dqx0.com/go/reactor/internal/obs"
)

const readChunk = 32 << 10

func (s *Server) dispatch(ev poll.Event) {
	if ev.Fd == s.lfd {
		s.accept()
		return
	}
	c, ok := s.conns[ev.Fd]
	if !ok || c.gen != ev.Gen {
		// stale event for a descriptor that was closed and reused
		return
	}
	s.guard(c, func() { s.handle(c, ev) })
}

// guard runs fn and turns a panic into a connection failure.
func (s *Server) guard(c *conn, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logf(obs.Error, "conn %s: panic in %s: %v\n%s", c.id, c.state, r, debug.Stack())
			s.fail(c, fmt.Errorf("httpx: panic: %v", r))
		}
	}()
	fn()
}

func (s *Server) handle(c *conn, ev poll.Event) {
	if ev.Readable && c.interest&poll.Read != 0 {
		switch c.state {
		case stateReadingRequest:
			s.readRequest(c)
		case stateRelaying:
			s.relayRead(c)
		}
	}
	if c.closed() {
		return
	}
	if ev.Writable || (ev.Hangup && c.interest&poll.Write != 0) {
		if c.role == roleUpstream && c.relay.phase == phaseConnectingUpstream {
			s.upstreamConnected(c)
		} else {
			s.flush(c)
		}
	}
	if c.closed() {
		return
	}
	if ev.Hangup && !ev.Readable && !ev.Writable {
		s.closeConn(c)
	}
}

func (s *Server) accept() {
	nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if !wouldBlock(err) && !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.ECONNABORTED) {
			s.logf(obs.Error, "accept: %v", err)
			s.metricCounter("httpx_conn_errors_total", 1, obs.Label{Key: "stage", Value: "accept"})
		}
		return
	}
	c := s.newConn(nfd, roleClient, tcpAddr(sa).String())
	if err := s.register(c, poll.Read); err != nil {
		s.logf(obs.Warn, "conn %s: register: %v", c.id, err)
		unix.Close(nfd)
		return
	}
	c.state = stateReadingRequest
	s.logf(obs.Debug, "conn %s: accepted %s", c.id, c.remote)
}

func (s *Server) newConn(fd int, role connRole, remote string) *conn {
	s.nextGen++
	now := time.Now()
	return &conn{
		fd:         fd,
		gen:        s.nextGen,
		id:         genID(),
		role:       role,
		state:      stateAcceptPending,
		remote:     remote,
		started:    now,
		lastActive: now,
	}
}

func (s *Server) register(c *conn, in poll.Interest) error {
	if err := s.poller.Add(c.fd, c.gen, in); err != nil {
		return err
	}
	c.interest = in
	s.conns[c.fd] = c
	return nil
}

func (s *Server) setInterest(c *conn, in poll.Interest) {
	if c.closed() || c.interest == in {
		return
	}
	if err := s.poller.Mod(c.fd, c.gen, in); err != nil {
		s.logf(obs.Warn, "conn %s: modify interest: %v", c.id, err)
		s.closeConn(c)
		return
	}
	c.interest = in
}

// fill performs one read, appending to c.in.
func fill(c *conn) (int, error) {
	if cap(c.in)-len(c.in) < readChunk {
		grown := make([]byte, len(c.in), 2*cap(c.in)+readChunk)
		copy(grown, c.in)
		c.in = grown
	}
	n, err := readFd(c.fd, c.in[len(c.in):cap(c.in)])
	c.in = c.in[:len(c.in)+n]
	return n, err
}

func (s *Server) readRequest(c *conn) {
	n, err := fill(c)
	switch {
	case wouldBlock(err):
		return
	case err != nil:
		s.logf(obs.Debug, "conn %s: read: %v", c.id, err)
		s.closeConn(c)
		return
	case n == 0:
		s.logf(obs.Debug, "conn %s: peer closed before request completed", c.id)
		s.closeConn(c)
		return
	}
	c.lastActive = time.Now()

	if c.msg == nil {
		end := http1.HeaderEnd(c.in, c.scanned)
		if end < 0 {
			c.scanned = len(c.in)
			if len(c.in) > s.headerLimit() {
				s.fail(c, ErrHeaderTooLarge)
			}
			return
		}
		if end-len(http1.Delimiter) > s.headerLimit() {
			s.fail(c, ErrHeaderTooLarge)
			return
		}
		m, err := http1.Parse(c.in[:end])
		if err != nil {
			s.fail(c, fmt.Errorf("%w: %w", ErrFraming, err))
			return
		}
		size, err := http1.BodyLength(m)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: %w", ErrFraming, err))
			return
		}
		if size > s.bodyLimit() {
			s.fail(c, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, size))
			return
		}
		c.msg, c.headEnd, c.bodyLen = m, end, size
		if size > int64(len(c.in)-end) && http1.ExpectsContinue(m) {
			c.out = append(c.out, http1.Continue()...)
			s.setInterest(c, poll.Read|poll.Write)
		}
	}
	if int64(len(c.in)-c.headEnd) < c.bodyLen {
		return
	}
	bodyEnd := c.headEnd + int(c.bodyLen)
	var body []byte
	if c.bodyLen > 0 {
		body = c.in[c.headEnd:bodyEnd]
	}
	m := c.msg.WithBody(body)
	extra := c.in[bodyEnd:]
	c.in = nil
	s.route(c, m, extra)
}

// flush performs one write from c.out and advances the state machine once
// the buffer is empty.
func (s *Server) flush(c *conn) {
	if len(c.out) > 0 {
		n, err := writeFd(c.fd, c.out)
		if wouldBlock(err) {
			return
		}
		if err != nil {
			s.logf(obs.Debug, "conn %s: write: %v", c.id, err)
			s.metricCounter("httpx_conn_errors_total", 1, obs.Label{Key: "stage", Value: "write"})
			s.closeConn(c)
			return
		}
		c.out = c.out[n:]
		c.sent += int64(n)
		c.lastActive = time.Now()
	}
	if c.state == stateRelaying {
		s.relayWrote(c)
		return
	}
	if len(c.out) > 0 {
		return
	}
	switch c.state {
	case stateReadingRequest:
		// interim response sent
		s.setInterest(c, poll.Read)
	case stateWritingResponse:
		s.finish(c)
	}
}

// respond queues r as the only response on c.
func (s *Server) respond(c *conn, r *Response) {
	if c.closed() {
		return
	}
	if c.req != nil && c.req.Method == "HEAD" {
		r = r.headOnly()
	}
	c.status = r.Status
	c.out = append(c.out, r.Bytes()...)
	c.in = nil
	c.state = stateWritingResponse
	s.setInterest(c, poll.Write)
}

// fail reports err on c. A client still owed a response gets one; anything
// else is closed.
func (s *Server) fail(c *conn, err error) {
	if c.closed() {
		return
	}
	s.metricCounter("httpx_conn_errors_total", 1, obs.Label{Key: "stage", Value: c.state.String()})
	owed := c.role == roleClient && c.peer == nil &&
		(c.state == stateReadingRequest || c.state == stateAwaitingUpstream)
	if !owed || errors.Is(err, ErrUpstreamConnect) {
		s.logf(obs.Warn, "conn %s (%s, %s): %v", c.id, c.role, c.state, err)
		s.closeConn(c)
		return
	}
	s.logf(obs.Warn, "conn %s: %v", c.id, err)
	s.respond(c, errorResponse(err))
}

func (s *Server) finish(c *conn) {
	route := c.route
	if route == "" {
		route = "none"
	}
	method, target := "-", "-"
	if c.req != nil {
		method, target = c.req.Method, c.req.Target
	}
	dur := time.Since(c.started)
	s.logf(obs.Info, "conn %s: %s %s %d %dB %s", logTag(c), method, target, c.status, c.sent, dur)
	s.metricCounter("httpx_requests_total", 1,
		obs.Label{Key: "route", Value: route},
		obs.Label{Key: "status", Value: strconv.Itoa(c.status)})
	s.metricHistogram("httpx_request_seconds", dur.Seconds(), obs.Label{Key: "route", Value: route})
	s.closeConn(c)
}

// closeConn unregisters and closes c and its peer together.
func (s *Server) closeConn(c *conn) {
	if c.closed() {
		return
	}
	if c.relay != nil {
		s.relayClosed(c)
	}
	if err := s.poller.Del(c.fd); err != nil {
		s.logf(obs.Debug, "conn %s: unregister: %v", c.id, err)
	}
	unix.Close(c.fd)
	if s.conns[c.fd] == c {
		delete(s.conns, c.fd)
	}
	c.state = stateClosed
	c.in, c.out = nil, nil
	s.logf(obs.Debug, "conn %s: closed %s", c.id, c.role)
	if c.peer != nil {
		s.closeConn(c.peer)
	}
}

func (s *Server) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < s.waitInterval() {
		return
	}
	s.lastSweep = now
	idle := s.idleTimeout()
	if idle <= 0 {
		return
	}
	for _, c := range s.conns {
		if c.closed() || c.waiting || (c.peer != nil && c.peer.waiting) {
			continue
		}
		if now.Sub(c.idleSince()) > idle {
			s.logf(obs.Debug, "conn %s: idle for %s in %s", c.id, idle, c.state)
			s.metricCounter("httpx_conn_errors_total", 1, obs.Label{Key: "stage", Value: "idle"})
			s.closeConn(c)
		}
	}
}

// submit hands run to the worker pool on behalf of c. The completion it
// returns runs on the loop only if c is still open.
func (s *Server) submit(c *conn, run func(ctx context.Context) func()) bool {
	j := job{
		run: func(ctx context.Context) func() {
			done := run(ctx)
			return func() { s.complete(c, done) }
		},
		fail: func(err error) {
			s.complete(c, func() { s.fail(c, err) })
		},
	}
	if !s.pool.submit(j) {
		return false
	}
	s.pending++
	c.waiting = true
	return true
}

func (s *Server) complete(c *conn, fn func()) {
	s.pending--
	c.waiting = false
	if c.closed() {
		return
	}
	s.guard(c, fn)
}

package httpx

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"dqx0.com/go/reactor/httpx/internal/http1"
	"dqx0.com/go/reactor/httpx/internal/poll"
	"dqx0.com/go/reactor/internal/obs"
)

const (
	// relayHighWater pauses reads from one side while the other side has
	// this many bytes still unsent.
	relayHighWater = 256 << 10
	resolveTimeout = 5 * time.Second
)

type relayPhase int

const (
	phaseAwaitingClientHeaders relayPhase = iota
	phaseConnectingUpstream
	phaseForwardingRequest
	phaseRelayingResponse
	phaseClosed
)

func (p relayPhase) String() string {
	switch p {
	case phaseAwaitingClientHeaders:
		return "AwaitingClientHeaders"
	case phaseConnectingUpstream:
		return "ConnectingUpstream"
	case phaseForwardingRequest:
		return "ForwardingRequest"
	case phaseRelayingResponse:
		return "RelayingResponse"
	case phaseClosed:
		return "Closed"
	}
	return "Unknown"
}

// relay pairs a client with the upstream it is forwarded to. Both conns
// point at the same relay; closing either closes both.
type relay struct {
	phase     relayPhase
	client    *conn
	upstream  *conn
	authority string
	request   []byte // rewritten request waiting for the upstream socket

	status       int // upstream status code, when recognizable
	fromUpstream int64
}

// startRelay validates a proxy-form request, rewrites it to origin form and
// begins connecting upstream. Host names are resolved on the worker pool.
func (s *Server) startRelay(c *conn, m *http1.Message, extra []byte) {
	r := &relay{phase: phaseAwaitingClientHeaders, client: c}
	c.relay = r
	if !s.EnableProxy {
		s.fail(c, fmt.Errorf("%w: proxy disabled", ErrBadTarget))
		return
	}
	u, err := url.Parse(m.Target)
	if err != nil || u.Hostname() == "" {
		s.fail(c, fmt.Errorf("%w: %q", ErrBadTarget, m.Target))
		return
	}
	if !strings.EqualFold(u.Scheme, "http") {
		s.fail(c, fmt.Errorf("%w: scheme %s", ErrBadTarget, u.Scheme))
		return
	}
	r.authority = hostPort(u)
	host, portStr, _ := net.SplitHostPort(r.authority)
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		s.fail(c, fmt.Errorf("%w: port %q", ErrBadTarget, portStr))
		return
	}
	r.request = append(http1.ForwardRequest(m, originForm(m.Target), "proxy-connection"), extra...)
	r.phase = phaseConnectingUpstream
	c.state = stateAwaitingUpstream
	s.setInterest(c, 0)

	if ip := net.ParseIP(host); ip != nil {
		s.dialUpstream(r, ip, port)
		return
	}
	ok := s.submit(c, func(ctx context.Context) func() {
		ip, err := lookupHost(ctx, host)
		return func() {
			if err != nil {
				s.fail(c, fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, r.authority, err))
				return
			}
			s.dialUpstream(r, ip, port)
		}
	})
	if !ok {
		s.fail(c, ErrBusy)
	}
}

func lookupHost(ctx context.Context, host string) (net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP, nil
		}
	}
	return addrs[0].IP, nil
}

func (s *Server) dialUpstream(r *relay, ip net.IP, port int) {
	c := r.client
	fd, err := dialNonblock(ip, port)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, r.authority, err))
		return
	}
	up := s.newConn(fd, roleUpstream, r.authority)
	up.relay = r
	up.state = stateAwaitingUpstream
	up.out, r.request = r.request, nil
	if err := s.register(up, poll.Write); err != nil {
		unix.Close(fd)
		s.fail(c, fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, r.authority, err))
		return
	}
	r.upstream = up
	up.peer, c.peer = c, up
	s.logf(obs.Debug, "conn %s: connecting to %s as conn %s", c.id, r.authority, up.id)
}

// upstreamConnected runs on the first writable event of the upstream
// socket and checks the outcome of the connect.
func (s *Server) upstreamConnected(up *conn) {
	r := up.relay
	if err := connectError(up.fd); err != nil {
		s.logf(obs.Warn, "conn %s: %v: %s: %v", r.client.id, ErrUpstreamConnect, r.authority, err)
		s.metricCounter("httpx_conn_errors_total", 1, obs.Label{Key: "stage", Value: "connect"})
		s.closeConn(up)
		return
	}
	r.phase = phaseForwardingRequest
	up.state = stateRelaying
	r.client.state = stateRelaying
	s.flush(up)
}

// relayRead moves one read from c into its peer's outbound buffer.
func (s *Server) relayRead(c *conn) {
	peer := c.peer
	n, err := readFd(c.fd, s.scratch)
	if wouldBlock(err) {
		return
	}
	if err != nil {
		s.logf(obs.Debug, "conn %s: relay read: %v", c.id, err)
		s.closeConn(c)
		return
	}
	if n == 0 {
		if c.role == roleUpstream && len(peer.out) > 0 {
			// deliver what is buffered before tearing down
			c.eof = true
			s.relayInterest(c)
			return
		}
		s.closeConn(c)
		return
	}
	c.lastActive = time.Now()
	p := s.scratch[:n]
	if c.role == roleUpstream {
		c.relay.noteResponse(p)
	}
	peer.out = append(peer.out, p...)
	s.relayInterest(peer)
	s.relayInterest(c)
}

// relayWrote updates both sides after c sent bytes.
func (s *Server) relayWrote(c *conn) {
	r := c.relay
	if len(c.out) == 0 {
		if c.role == roleUpstream && r.phase == phaseForwardingRequest {
			r.phase = phaseRelayingResponse
		}
		if c.role == roleClient && c.peer.eof {
			s.closeConn(c)
			return
		}
	}
	s.relayInterest(c)
	s.relayInterest(c.peer)
}

func (s *Server) relayInterest(c *conn) {
	var in poll.Interest
	if !c.eof && len(c.peer.out) < relayHighWater {
		in |= poll.Read
	}
	if len(c.out) > 0 {
		in |= poll.Write
	}
	s.setInterest(c, in)
}

func (s *Server) relayClosed(c *conn) {
	r := c.relay
	if r.phase == phaseClosed {
		return
	}
	r.phase = phaseClosed
	if r.upstream == nil {
		return
	}
	client := r.client
	dur := time.Since(client.started)
	s.logf(obs.Info, "conn %s: %s %s -> %s %d %dB %s",
		logTag(client), client.req.Method, client.req.Target, r.authority, r.status, r.fromUpstream, dur)
	s.metricCounter("httpx_requests_total", 1,
		obs.Label{Key: "route", Value: "proxy"},
		obs.Label{Key: "status", Value: strconv.Itoa(r.status)})
	s.metricHistogram("httpx_request_seconds", dur.Seconds(), obs.Label{Key: "route", Value: "proxy"})
}

// noteResponse records the upstream status code from the first bytes
// received.
func (r *relay) noteResponse(p []byte) {
	if r.fromUpstream == 0 && len(p) >= 12 && strings.HasPrefix(string(p[:7]), "HTTP/1.") {
		if code, err := strconv.Atoi(string(p[9:12])); err == nil {
			r.status = code
		}
	}
	r.fromUpstream += int64(len(p))
}

func hostPort(u *url.URL) string {
	if u.Port() == "" {
		return net.JoinHostPort(u.Hostname(), "80")
	}
	return net.JoinHostPort(u.Hostname(), u.Port())
}

// originForm strips scheme and authority from an absolute target, keeping
// the path and query byte for byte.
func originForm(target string) string {
	rest := target
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	i := strings.IndexAny(rest, "/?")
	if i < 0 {
		return "/"
	}
	rest = rest[i:]
	if rest[0] == '?' {
		return "/" + rest
	}
	return rest
}

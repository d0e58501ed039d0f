package httpx

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"dqx0.com/go/reactor/httpx/cgi"
	"dqx0.com/go/reactor/httpx/filecache"
	"dqx0.com/go/reactor/httpx/internal/poll"
	"dqx0.com/go/reactor/internal/obs"
)

const (
	defaultMaxHeaderBytes = 8 << 10
	defaultMaxBodyBytes   = 10 << 20
	defaultIdleTimeout    = 60 * time.Second
	defaultCGITimeout     = 30 * time.Second
	defaultWorkers        = 4
	defaultQueueSize      = 64
	maxEvents             = 256
	sweepInterval         = time.Second
)

// Server multiplexes every connection over one epoll loop. Fields must be
// set before Listen and not changed afterwards.
type Server struct {
	Addr string
	// Root is the document root; relative paths are made absolute at Listen.
	Root string
	// IndexFiles are tried in order when a path names a directory.
	IndexFiles []string
	// Redirects maps exact request paths to a Location. Destinations starting
	// with "/" are permanent.
	Redirects map[string]string

	EnableCGI   bool
	Interpreter string
	ScriptExt   string
	EnableProxy bool

	// Cache is created with the default capacity when nil.
	Cache *filecache.Cache

	MaxHeaderBytes int
	MaxBodyBytes   int64
	// IdleTimeout closes connections without I/O for this long. Negative
	// disables the sweep.
	IdleTimeout time.Duration
	CGITimeout  time.Duration
	Workers     int
	QueueSize   int
	ServerName  string

	Logger obs.Logger
	Meter  obs.Meter

	mu      sync.Mutex
	poller  *poll.Poller
	lfd     int
	laddr   *net.TCPAddr
	serving bool
	stopped bool // Shutdown or Close ran before Serve
	done    chan struct{}

	draining atomic.Bool
	closing  atomic.Bool

	// owned by the loop goroutine
	conns     map[int]*conn
	nextGen   uint32
	pool      *workerPool
	bridge    *cgi.Bridge
	root      string
	pending   int
	lastSweep time.Time
	scratch   []byte
}

// Listen binds the listening socket and prepares the poller without
// starting the loop. After Listen returns, ListenAddr reports the bound
// address.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller != nil {
		return errors.New("httpx: server already listening")
	}
	if err := s.init(); err != nil {
		return err
	}
	addr := s.Addr
	if addr == "" {
		addr = ":8080"
	}
	fd, la, err := listenTCP(addr)
	if err != nil {
		return err
	}
	p, err := poll.Open(maxEvents)
	if err != nil {
		unix.Close(fd)
		return err
	}
	if err := p.Add(fd, 0, poll.Read); err != nil {
		p.Close()
		unix.Close(fd)
		return err
	}
	s.lfd, s.laddr, s.poller = fd, la, p
	s.stopped = false
	s.conns = make(map[int]*conn)
	s.done = make(chan struct{})
	s.bridge = &cgi.Bridge{
		Interpreter: s.Interpreter,
		ServerName:  s.serverName(),
		ServerPort:  strconv.Itoa(la.Port),
		Timeout:     s.cgiTimeout(),
	}
	return nil
}

func (s *Server) init() error {
	root := s.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	s.root = abs
	if s.Cache == nil {
		c, err := filecache.New(filecache.DefaultCapacity)
		if err != nil {
			return err
		}
		s.Cache = c
	}
	s.scratch = make([]byte, readChunk)
	return nil
}

// ListenAddr returns the bound address, or nil before Listen.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.laddr == nil {
		return nil
	}
	return s.laddr
}

func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve runs the loop on the calling goroutine until Shutdown or Close, and
// then returns ErrServerClosed. It also returns ErrServerClosed when the
// server was stopped between Listen and Serve.
func (s *Server) Serve() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.poller == nil {
		s.mu.Unlock()
		return errors.New("httpx: Serve called before Listen")
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("httpx: server already serving")
	}
	s.serving = true
	s.pool = newWorkerPool(s.workers(), s.queueSize(), s.wake)
	s.mu.Unlock()

	s.logf(obs.Info, "listening on %s (root %s)", s.laddr, s.root)
	err := s.loop()
	s.teardown()
	return err
}

func (s *Server) loop() error {
	wait := int(s.waitInterval() / time.Millisecond)
	for {
		if s.closing.Load() {
			return ErrServerClosed
		}
		if s.draining.Load() {
			s.closeListener()
			if len(s.conns) == 0 && s.pending == 0 {
				return ErrServerClosed
			}
		}
		events, woke, err := s.poller.Wait(wait)
		if err != nil {
			s.logf(obs.Error, "poll: %v", err)
			return err
		}
		if woke {
			for _, fn := range s.pool.completions() {
				fn()
			}
		}
		for _, ev := range events {
			s.dispatch(ev)
		}
		s.sweep(time.Now())
	}
}

func (s *Server) teardown() {
	for _, c := range s.conns {
		s.closeConn(c)
	}
	s.closeListener()
	s.pool.stop()

	s.logf(obs.Info, "server stopped")

	s.mu.Lock()
	s.poller.Close()
	s.poller = nil
	s.serving = false
	close(s.done)
	s.mu.Unlock()
}

// closeListener stops new acceptances. Established connections are left to
// the loop.
func (s *Server) closeListener() {
	if s.lfd < 0 {
		return
	}
	_ = s.poller.Del(s.lfd)
	unix.Close(s.lfd)
	s.lfd = -1
	s.logf(obs.Info, "stopped accepting on %s", s.laddr)
}

// Shutdown stops accepting and waits for in-flight connections and worker
// jobs to finish. If ctx expires first the server is closed forcibly and
// ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	done, ok := s.stopping()
	if !ok {
		return nil
	}
	s.draining.Store(true)
	s.wake()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = s.Close()
		return ctx.Err()
	}
}

// Close tears down every connection and the listener immediately.
func (s *Server) Close() error {
	done, ok := s.stopping()
	if !ok {
		return nil
	}
	s.closing.Store(true)
	s.wake()
	<-done
	return nil
}

// stopping returns the channel closed when the loop exits. A server that
// listens without serving is released on the spot.
func (s *Server) stopping() (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller == nil {
		return nil, false
	}
	if !s.serving {
		unix.Close(s.lfd)
		s.lfd = -1
		s.poller.Close()
		s.poller = nil
		s.stopped = true
		close(s.done)
		return nil, false
	}
	return s.done, true
}

func (s *Server) wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poller != nil {
		_ = s.poller.Wake()
	}
}

func (s *Server) waitInterval() time.Duration {
	d := sweepInterval
	if idle := s.idleTimeout(); idle > 0 && idle/2 < d {
		d = idle / 2
	}
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

func (s *Server) headerLimit() int {
	if s.MaxHeaderBytes <= 0 {
		return defaultMaxHeaderBytes
	}
	return s.MaxHeaderBytes
}

func (s *Server) bodyLimit() int64 {
	if s.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return s.MaxBodyBytes
}

func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout == 0 {
		return defaultIdleTimeout
	}
	return s.IdleTimeout
}

func (s *Server) cgiTimeout() time.Duration {
	if s.CGITimeout <= 0 {
		return defaultCGITimeout
	}
	return s.CGITimeout
}

func (s *Server) workers() int {
	if s.Workers <= 0 {
		return defaultWorkers
	}
	return s.Workers
}

func (s *Server) queueSize() int {
	if s.QueueSize <= 0 {
		return defaultQueueSize
	}
	return s.QueueSize
}

func (s *Server) scriptExt() string {
	if s.ScriptExt == "" {
		return ".php"
	}
	return s.ScriptExt
}

func (s *Server) indexFiles() []string {
	if s.IndexFiles == nil {
		return []string{"index.html"}
	}
	return s.IndexFiles
}

func (s *Server) serverName() string {
	if s.ServerName != "" {
		return s.ServerName
	}
	if host, _, err := net.SplitHostPort(s.Addr); err == nil && host != "" {
		return host
	}
	return "localhost"
}

func (s *Server) logf(level obs.Level, format string, args ...interface{}) {
	lg := s.Logger
	if lg == nil {
		lg = obs.NopLogger{}
	}
	lg.Logf(level, format, args...)
}

func (s *Server) metricCounter(name string, value float64, labels ...obs.Label) {
	s.meter().Counter(name, value, labels...)
}

func (s *Server) metricHistogram(name string, value float64, labels ...obs.Label) {
	s.meter().Histogram(name, value, labels...)
}

func (s *Server) meter() obs.Meter {
	if s.Meter != nil {
		return s.Meter
	}
	return obs.NopMeter{}
}

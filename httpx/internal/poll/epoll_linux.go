//go:build linux

// Package poll wraps epoll for the server loop. A Poller is not safe for
// concurrent use except for Wake.
package poll

import (
	"encoding/binary"
	"errors"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a handle is registered for.
type Interest uint32

const (
	Read Interest = 1 << iota
	Write
)

// Event reports readiness of one registered handle. Gen is the value passed
// at registration and lets the caller drop events for a reused descriptor.
type Event struct {
	Fd       int
	Gen      uint32
	Readable bool
	Writable bool
	Hangup   bool
}

type Poller struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
	out    []Event
}

// Open creates an epoll instance with an eventfd already registered for
// wakeups.
func Open(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return &Poller{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, maxEvents),
		out:    make([]Event, 0, maxEvents),
	}, nil
}

func toEpoll(in Interest) uint32 {
	var ev uint32
	if in&Read != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd. An empty interest still reports hangups and errors.
func (p *Poller) Add(fd int, gen uint32, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd), Pad: int32(gen)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Mod changes the interest of a registered fd.
func (p *Poller) Mod(fd int, gen uint32, in Interest) error {
	ev := unix.EpollEvent{Events: toEpoll(in), Fd: int32(fd), Pad: int32(gen)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Del unregisters fd. It must be called before fd is closed.
func (p *Poller) Del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to msec milliseconds (-1 forever) for readiness. woke is
// true when Wake was called since the previous Wait. The returned slice is
// reused by the next call.
func (p *Poller) Wait(msec int) (events []Event, woke bool, err error) {
	n, err := unix.EpollWait(p.epfd, p.raw, msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, err
	}
	p.out = p.out[:0]
	for i := 0; i < n; i++ {
		e := p.raw[i]
		fd := int(e.Fd)
		if fd == p.wakefd {
			p.drainWake()
			woke = true
			continue
		}
		p.out = append(p.out, Event{
			Fd:       fd,
			Gen:      uint32(e.Pad),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Hangup:   e.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		})
	}
	return p.out, woke, nil
}

// Wake interrupts a blocked Wait. Safe to call from any goroutine.
func (p *Poller) Wake() error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	_, err := unix.Write(p.wakefd, b[:])
	if errors.Is(err, unix.EAGAIN) {
		// counter saturated; a wakeup is already pending
		return nil
	}
	return err
}

func (p *Poller) drainWake() {
	var b [8]byte
	for {
		if _, err := unix.Read(p.wakefd, b[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wakeup eventfd.
func (p *Poller) Close() error {
	err := unix.Close(p.epfd)
	if werr := unix.Close(p.wakefd); err == nil {
		err = werr
	}
	return err
}

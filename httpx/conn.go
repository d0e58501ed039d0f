package httpx

import (
	"time"

	"dqx0.com/go/reactor/httpx/internal/http1"
	"dqx0.com/go/reactor/httpx/internal/poll"
)

// connState is the position of a connection in its lifecycle. Transitions
// happen only on the loop goroutine in response to readiness or a worker
// completion.
type connState int

const (
	stateAcceptPending connState = iota
	stateReadingRequest
	stateAwaitingUpstream
	stateWritingResponse
	stateRelaying
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAcceptPending:
		return "AcceptPending"
	case stateReadingRequest:
		return "ReadingRequest"
	case stateAwaitingUpstream:
		return "AwaitingUpstream"
	case stateWritingResponse:
		return "WritingResponse"
	case stateRelaying:
		return "Relaying"
	case stateClosed:
		return "Closed"
	}
	return "Unknown"
}

type connRole int

const (
	roleClient connRole = iota
	roleUpstream
)

func (r connRole) String() string {
	if r == roleUpstream {
		return "upstream"
	}
	return "client"
}

type conn struct {
	fd       int
	gen      uint32
	id       string
	role     connRole
	state    connState
	interest poll.Interest
	remote   string

	in  []byte // inbound bytes not yet consumed
	out []byte // outbound bytes not yet sent

	// framing progress; msg is nil until the header block is complete
	scanned int
	headEnd int
	bodyLen int64
	msg     *http1.Message

	req    *Request
	route  string
	status int
	sent   int64

	peer    *conn  // paired connection while relaying
	relay   *relay // shared by both sides of a relay
	eof     bool   // peer stopped sending
	waiting bool   // a worker job holds a reference

	started    time.Time
	lastActive time.Time
}

func (c *conn) closed() bool { return c.state == stateClosed }

// idleSince returns the latest activity of c and its peer.
func (c *conn) idleSince() time.Time {
	t := c.lastActive
	if c.peer != nil && c.peer.lastActive.After(t) {
		t = c.peer.lastActive
	}
	return t
}

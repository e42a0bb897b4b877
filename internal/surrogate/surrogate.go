// Package surrogate implements the HTTP long-poll surrogate subsystem
// (spec.md §4.6, L6): a sharded session table decoupling logical HTTP
// clients from the short-lived connections that poll them, plus the
// same endpoint's WebSocket-upgrade path.
package surrogate

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/qiobroker/internal/broadcast"
	"github.com/adred-codev/qiobroker/internal/client"
	"github.com/adred-codev/qiobroker/internal/protocol"
)

// NumShards is the HTTP surrogate table's fixed shard count
// (spec.md §3 "keyed in one of 64 sharded maps").
const NumShards = 64

// Surrogate is a client.Client with no socket of its own; a poller
// connection attaches to it transiently (spec.md §3 "HTTP Surrogate").
type Surrogate struct {
	*client.Client

	SID SessionID

	mu         sync.Mutex
	poller     net.Conn // the currently attached long-poll connection, or nil
	incoming   bool     // a request body is currently being processed
	outgoing   [][]byte // buffered frames awaiting the next poll
	lastSend   int64
	closed     bool
}

// NewSurrogate constructs a Surrogate bound to sid.
func NewSurrogate(sid SessionID, id int64, subTotal *uint64) *Surrogate {
	return &Surrogate{Client: client.New(id, subTotal), SID: sid}
}

// BeginRequest marks the surrogate as processing an incoming body, so
// concurrent sends buffer instead of writing interleaved output
// (spec.md §4.6 "if currently receiving a request ... buffer").
func (s *Surrogate) BeginRequest() {
	s.mu.Lock()
	s.incoming = true
	s.mu.Unlock()
}

// EndRequest clears the in-flight marker. Frames buffered while the
// request was in flight stay queued until Drain collects them.
func (s *Surrogate) EndRequest() {
	s.mu.Lock()
	s.incoming = false
	s.mu.Unlock()
}

// Attach couples conn as this surrogate's current poller, replacing and
// flushing any previous one with an empty 200 so at most one poller is
// ever outstanding (spec.md §4.6 "atomically attach this poller ...
// replacing any previous poller by flushing that previous poller").
// flushFn writes a 200 response with the given body to a poller conn.
func (s *Surrogate) Attach(conn net.Conn, flushFn func(net.Conn, []byte)) {
	s.mu.Lock()
	prev := s.poller
	s.poller = conn
	s.mu.Unlock()

	if prev != nil {
		flushFn(prev, nil)
	}
}

// Detach clears the attached poller if it is still conn (a later
// Attach may have already replaced it).
func (s *Surrogate) Detach(conn net.Conn) {
	s.mu.Lock()
	if s.poller == conn {
		s.poller = nil
	}
	s.mu.Unlock()
}

// Poller returns the currently attached poller connection, or nil.
func (s *Surrogate) Poller() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poller
}

// deliverFrame delivers one outbound frame: if a request is in flight or
// no poller is attached, it buffers; otherwise it hands the frame
// straight to the caller to flush to the attached poller and detaches it
// (spec.md §4.6 "When a message is sent to a surrogate ...").
// flushFn is called with the poller conn and the flushed body when an
// immediate flush happens; it returns true if the frame was buffered
// instead.
func (s *Surrogate) deliverFrame(frame []byte, flushFn func(net.Conn, []byte)) (buffered bool) {
	s.mu.Lock()
	if s.incoming || s.poller == nil {
		s.outgoing = append(s.outgoing, frame)
		s.mu.Unlock()
		return true
	}
	p := s.poller
	s.poller = nil
	s.mu.Unlock()

	flushFn(p, frame)
	return false
}

// Drain removes and returns all buffered frames, joined with "\n" by the
// caller (spec.md §4.6 response bodies: "one event per line").
func (s *Surrogate) Drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outgoing
	s.outgoing = nil
	return out
}

func (s *Surrogate) touchSend(now int64) { atomic.StoreInt64(&s.lastSend, now) }
func (s *Surrogate) LastSend() int64     { return atomic.LoadInt64(&s.lastSend) }

func (s *Surrogate) MarkClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.closed
	s.closed = true
	return !was
}

func (s *Surrogate) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// State satisfies internal/router's Peer interface: the embedded
// *client.Client carries all subscription/callback bookkeeping.
func (s *Surrogate) State() *client.Client { return s.Client }

// Send satisfies internal/router's Peer interface for single-target
// replies (callback acks, `send`): it formats the event line the same
// way a broadcast would and routes it through the poller/buffer path.
func (s *Surrogate) Send(path, extra string, serverCB uint64, json []byte) error {
	return s.WriteHTTPLine(string(protocol.FormatEvent(path, extra, serverCB, json)))
}

// errNotHTTPKind reports a broadcast miswiring: only a surrogate's
// WriteHTTPLine should ever be called, since Kind() always reports
// KindHTTP.
var errNotHTTPKind = errors.New("surrogate: subscriber only speaks HTTP long-poll frames")

// Kind reports KindHTTP: a Surrogate is always the HTTP long-poll
// dialect (spec.md §4.7's Subscriber fan-out needs this to pick the
// right materialized frame).
func (s *Surrogate) Kind() broadcast.Kind { return broadcast.KindHTTP }

func (s *Surrogate) WriteRawFrame(frame []byte) error { return errNotHTTPKind }
func (s *Surrogate) WriteWSFrame(frame []byte) error  { return errNotHTTPKind }

// WriteHTTPLine buffers or immediately flushes line to the attached
// poller, touching last-send for the heartbeat sweep's Poll threshold.
func (s *Surrogate) WriteHTTPLine(line string) error {
	s.deliverFrame([]byte(line), writePollerFrame)
	s.touchSend(time.Now().UnixNano())
	return nil
}

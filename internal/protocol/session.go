package protocol

import (
	"bufio"
	"errors"
	"net"
)

// Driver is a stateless wire-dialect recognizer (spec.md §4.5 sniff
// order). Drivers are tried in registration order until one returns
// SniffYes, or all return SniffNo.
type Driver interface {
	Name() string

	// Sniff inspects the bytes buffered so far (never consumed) and
	// reports whether this driver recognizes, might recognize, or
	// rejects the connection.
	Sniff(buffered []byte) Sniff

	// NewSession builds a per-connection Session once this driver has
	// won the sniff. br holds whatever the dispatcher left buffered: the
	// HTTP driver's sniffed bytes are still there, while the raw and
	// flash-policy literals have already been discarded.
	NewSession(conn net.Conn, br *bufio.Reader) Session
}

// Upgrader is implemented by a Session whose Handshake can hand the
// connection off to a different Session entirely (spec.md §4.5.4: an
// HTTP request that upgrades to RFC6455). When Handshake returns
// ErrUpgraded, the caller must type-assert to Upgrader and continue the
// READY loop with Upgraded() instead.
type Upgrader interface {
	Upgraded() Session
}

// ErrUpgraded signals a successful protocol handoff; see Upgrader.
var ErrUpgraded = errors.New("protocol: upgraded to a different session")

// ErrParked signals the connection has been handed off to asynchronous
// ownership (an HTTP long-poll response parked as a surrogate's poller)
// and the caller must stop driving it without closing the underlying
// conn; internal/broadcast and internal/heartbeat own writing to it and
// closing it from here on (spec.md §4.6 long-poll response coupling).
var ErrParked = errors.New("protocol: connection parked for async response")

// Session drives one connection after a Driver has claimed it
// (spec.md §4.5 HANDSHAKING/READY states).
type Session interface {
	// Handshake completes the protocol handshake. ErrGracefulClose
	// means the connection should close without being treated as a
	// protocol violation (e.g. flash policy). Any other error is fatal.
	Handshake() error

	// ReadFrame blocks for the next decoded event. io.EOF-wrapping
	// errors indicate the peer disconnected; any other error is a
	// protocol violation and the caller should map it to a qioerr.Kind
	// and close.
	ReadFrame() (Frame, error)

	// WriteFrame encodes and writes one outbound event.
	WriteFrame(path, extra string, serverCB uint64, json []byte) error

	// Heartbeat runs this protocol's periodic liveness action (spec.md
	// §4.8); lastSend/lastRecv are unix-nano client timestamps. It may
	// write a heartbeat frame itself (the common case) but defers the
	// dead/challenge decision to the caller via the returned action,
	// since those require router/callback state this package doesn't
	// own.
	Heartbeat(hb HeartbeatIntervals, lastSend, lastRecv int64) (HeartbeatAction, error)

	// Close ends the session, giving a reason a WS dialect can map to an
	// RFC6455 close code and send before the caller drops the socket
	// (spec.md §4.5.2/§7): "exit", "invalid-handshake", "invalid-event",
	// "no-mask", "unsupported-opcode", "not-utf8", "timeout",
	// "out-of-memory". Dialects with no close-frame concept (raw,
	// flash-policy, the HTTP long-poll session) do nothing; the caller
	// still closes the underlying net.Conn itself.
	Close(reason string)
}

// HeartbeatAction is what internal/heartbeat must do after a driver's
// Heartbeat call returns (spec.md §4.8).
type HeartbeatAction int

const (
	HeartbeatNone HeartbeatAction = iota
	HeartbeatChallenge                // send a /qio/heartbeat challenge expecting a reply
	HeartbeatDead                      // close the client as a heartattack
)

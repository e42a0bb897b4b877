// Package flashpolicy implements the legacy Flash cross-domain policy
// responder (spec.md §4.5.3): answer the literal policy request, then
// close. It never carries events.
package flashpolicy

import (
	"bufio"
	"net"

	"github.com/adred-codev/qiobroker/internal/protocol"
)

const request = "<policy-file-request/>"

const response = "<cross-domain-policy>" +
	"<allow-access-from domain=\"*\" to-ports=\"*\" />" +
	"</cross-domain-policy>"

// Driver recognizes the Flash policy-file request prefix.
type Driver struct{}

func (Driver) Name() string { return "flash-policy" }

func (Driver) Sniff(buffered []byte) protocol.Sniff {
	if len(buffered) == 0 || buffered[0] != '<' {
		return protocol.SniffNo
	}
	n := len(buffered)
	if n > len(request) {
		n = len(request)
	}
	if string(buffered[:n]) != request[:n] {
		return protocol.SniffNo
	}
	if len(buffered) == len(request) {
		return protocol.SniffYes
	}
	return protocol.SniffMaybe
}

func (Driver) NewSession(conn net.Conn, br *bufio.Reader) protocol.Session {
	return &session{conn: conn}
}

type session struct {
	conn net.Conn
}

// Handshake writes the policy body and signals a graceful close; Flash
// never speaks events, so the dispatcher tears the connection down right
// after (spec.md §4.5.3, mirroring the upstream "I absolutely abhor
// closing a client in a handshake" comment).
func (s *session) Handshake() error {
	if _, err := s.conn.Write([]byte(response)); err != nil {
		return err
	}
	return protocol.ErrGracefulClose
}

func (s *session) ReadFrame() (protocol.Frame, error) {
	return protocol.Frame{}, protocol.ErrGracefulClose
}

func (s *session) WriteFrame(path, extra string, serverCB uint64, json []byte) error {
	return protocol.ErrGracefulClose
}

func (s *session) Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error) {
	return protocol.HeartbeatNone, nil
}

// Close satisfies protocol.Session: Flash never speaks events or closes
// through the heartbeat/router path, so there is nothing to send.
func (s *session) Close(reason string) {}

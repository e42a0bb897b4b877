// Package raw implements the length-prefixed raw dialect (spec.md
// §4.5.1), the baseline wire format that the RFC6455 driver also carries
// inside WS frames.
package raw

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/adred-codev/qiobroker/internal/protocol"
)

const handshake = "/qio/ohai"

// heartbeatFrame is the fixed 29-byte prefixed heartbeat literal
// (spec.md §4.5.1, §6): 8-byte BE length (0x15=21) + "/qio/heartbeat:0=null".
var heartbeatFrame = append(lengthPrefix(21), []byte("/qio/heartbeat:0=null")...)

func lengthPrefix(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// Driver recognizes the raw dialect's literal handshake.
type Driver struct{}

func (Driver) Name() string { return "raw" }

func (Driver) Sniff(buffered []byte) protocol.Sniff {
	n := len(buffered)
	if n > len(handshake) {
		n = len(handshake)
	}
	if string(buffered[:n]) != handshake[:n] {
		return protocol.SniffNo
	}
	if len(buffered) == len(handshake) {
		return protocol.SniffYes
	}
	return protocol.SniffMaybe
}

func (Driver) NewSession(conn net.Conn, br *bufio.Reader) protocol.Session {
	return &session{conn: conn, br: br}
}

type session struct {
	conn net.Conn
	br   *bufio.Reader
}

func (s *session) Handshake() error {
	// Sniff already consumed exactly len(handshake) bytes into br by the
	// dispatcher's peek-then-discard; echoing it back completes the
	// handshake unconditionally (spec.md §4.5.1).
	_, err := s.conn.Write([]byte(handshake))
	return err
}

func (s *session) ReadFrame() (protocol.Frame, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(s.br, lenBuf[:]); err != nil {
		return protocol.Frame{}, err
	}
	n := binary.BigEndian.Uint64(lenBuf[:])

	const maxFrame = 16 << 20 // guards against a corrupt/hostile length header
	if n > maxFrame {
		return protocol.Frame{}, fmt.Errorf("raw: frame length %d exceeds limit", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.br, buf); err != nil {
		return protocol.Frame{}, err
	}

	path, cb, json, ok := protocol.ParseEvent(buf)
	if !ok {
		return protocol.Frame{}, fmt.Errorf("raw: invalid event format")
	}
	return protocol.Frame{Path: path, ClientCB: cb, JSON: json}, nil
}

func (s *session) WriteFrame(path, extra string, serverCB uint64, json []byte) error {
	body := protocol.FormatEvent(path, extra, serverCB, json)
	out := append(lengthPrefix(uint64(len(body))), body...)
	_, err := s.conn.Write(out)
	return err
}

func (s *session) Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error) {
	switch {
	case lastRecv < hb.Dead:
		return protocol.HeartbeatDead, nil
	case lastRecv < hb.Challenge:
		return protocol.HeartbeatChallenge, nil
	case lastSend < hb.Heartbeat:
		_, err := s.conn.Write(heartbeatFrame)
		return protocol.HeartbeatNone, err
	}
	return protocol.HeartbeatNone, nil
}

// Close satisfies protocol.Session: the raw dialect has no close-frame
// concept, so there is nothing to send before the caller closes the
// socket.
func (s *session) Close(reason string) {}

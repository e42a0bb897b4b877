// Package rfc6455 frames the raw dialect inside WebSocket TEXT messages
// (spec.md §4.5.2). It is never sniffed directly — a connection only
// reaches this driver via an HTTP Upgrade handled by internal/surrogate
// (spec.md §4.5: "never accepted at sniff time; entered by HTTP
// upgrade").
package rfc6455

import (
	"bufio"
	"fmt"
	"net"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/qiobroker/internal/protocol"
)

// heartbeatFrame is a pre-built WS TEXT frame carrying the fixed
// heartbeat literal (spec.md §4.5.2, §6).
var heartbeatFrame = mustFrame("/qio/heartbeat:0=null")

func mustFrame(s string) []byte {
	f := ws.NewTextFrame([]byte(s))
	b, err := ws.CompileFrame(f)
	if err != nil {
		panic(err)
	}
	return b
}

// NewSession wraps conn/br (already past the HTTP upgrade handshake) as
// an RFC6455 protocol session. The WS-level `/qio/ohai` handshake still
// happens inside Handshake.
func NewSession(conn net.Conn, br *bufio.Reader) protocol.Session {
	return &session{conn: conn, br: br}
}

type session struct {
	conn net.Conn
	br   *bufio.Reader
}

// ErrClientClosed wraps a clean WS close initiated by the peer
// (spec.md §4.5.2 "CLOSE triggers clean shutdown").
var ErrClientClosed = fmt.Errorf("rfc6455: client closed")

func (s *session) readText() ([]byte, error) {
	// wsutil.ReadClientData handles control frames (ping/pong/close)
	// internally and only ever returns data frames to the caller,
	// surfacing a close as a wsutil.ClosedError.
	msg, op, err := wsutil.ReadClientData(s.br)
	if err != nil {
		if _, ok := err.(wsutil.ClosedError); ok {
			return nil, ErrClientClosed
		}
		return nil, err
	}
	if op != ws.OpText {
		s.writeClose(ws.StatusUnsupportedData, "unsupported opcode")
		return nil, fmt.Errorf("rfc6455: unsupported opcode %d", op)
	}
	return msg, nil
}

func (s *session) writeClose(code ws.StatusCode, reason string) {
	body := ws.NewCloseFrameBody(code, reason)
	frame := ws.NewCloseFrame(body)
	_ = ws.WriteFrame(s.conn, frame)
}

// Handshake expects the client's first TEXT message to be exactly
// "/qio/ohai" and replies in kind (spec.md §6 "After HTTP 101, client
// sends one WS TEXT message ...; server replies with a TEXT frame").
func (s *session) Handshake() error {
	msg, err := s.readText()
	if err != nil {
		return err
	}
	if string(msg) != "/qio/ohai" {
		s.writeClose(ws.StatusProtocolError, "invalid handshake")
		return fmt.Errorf("rfc6455: invalid qio handshake")
	}
	return wsutil.WriteServerMessage(s.conn, ws.OpText, []byte("/qio/ohai"))
}

func (s *session) ReadFrame() (protocol.Frame, error) {
	msg, err := s.readText()
	if err != nil {
		return protocol.Frame{}, err
	}
	path, cb, json, ok := protocol.ParseEvent(msg)
	if !ok {
		s.writeClose(ws.StatusProtocolError, "invalid event format")
		return protocol.Frame{}, fmt.Errorf("rfc6455: invalid event format")
	}
	return protocol.Frame{Path: path, ClientCB: cb, JSON: json}, nil
}

func (s *session) WriteFrame(path, extra string, serverCB uint64, json []byte) error {
	body := protocol.FormatEvent(path, extra, serverCB, json)
	return wsutil.WriteServerMessage(s.conn, ws.OpText, body)
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

// CloseCodeFor maps a heartbeat/protocol outcome to the RFC6455 close
// code the caller should send before dropping the connection (spec.md
// §4.5.2): 1001 exit, 1002 invalid handshake/event/missing mask, 1003
// unsupported opcode, 1007 not UTF-8, 1008 generic timeout, 1009
// out-of-memory.
func CloseCodeFor(reason string) ws.StatusCode {
	switch reason {
	case "exit":
		return ws.StatusGoingAway
	case "invalid-handshake", "invalid-event", "no-mask":
		return ws.StatusProtocolError
	case "unsupported-opcode":
		return ws.StatusUnsupportedData
	case "not-utf8":
		return ws.StatusInvalidFramePayloadData
	case "timeout":
		return ws.StatusPolicyViolation
	case "out-of-memory":
		return ws.StatusMessageTooBig
	default:
		return ws.StatusGoingAway
	}
}

// Close satisfies protocol.Session: it writes the mapped RFC6455 close
// frame before the caller drops the underlying socket (spec.md §4.5.2,
// §7, end-to-end scenario 6's 1008-before-TCP-close expectation).
func (s *session) Close(reason string) {
	s.writeClose(CloseCodeFor(reason), reason)
}

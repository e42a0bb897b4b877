package surrogate

import (
	"bufio"
	"io"
	"net"
	"strings"

	"github.com/adred-codev/qiobroker/internal/protocol"
	"github.com/adred-codev/qiobroker/internal/protocol/rfc6455"
)

const maxBodyBytes = 1 << 20 // guards the 413 path

// RouteFunc decodes and dispatches one raw-format event line against
// sub, matching internal/router's on-request entrypoint. sub is the
// full Surrogate rather than its bare *client.Client so that a
// synchronous reply (an `on`/`off`/`cb` ack) can be written through
// Surrogate.Send into the poller/buffer path instead of being dropped.
type RouteFunc func(sub *Surrogate, path string, clientCB uint64, json []byte)

// Driver recognizes an HTTP request line (spec.md §4.5 "request line
// begins with GET/POST/OPTIONS/PUT/HEAD/DELETE /").
type Driver struct {
	Table         *Table
	PublicAddress string // empty disables HTTP per spec.md §4.6
	NextClientID  func() int64
	SubTotal      *uint64
	Route         RouteFunc
}

var methods = []string{"GET ", "POST ", "OPTIONS ", "PUT ", "HEAD ", "DELETE "}

func (Driver) Name() string { return "http" }

func (Driver) Sniff(buffered []byte) protocol.Sniff {
	best := protocol.SniffNo
	for _, m := range methods {
		n := len(buffered)
		if n > len(m) {
			n = len(m)
		}
		if string(buffered[:n]) != m[:n] {
			continue
		}
		if len(buffered) >= len(m) {
			return protocol.SniffYes
		}
		best = protocol.SniffMaybe
	}
	return best
}

func (d Driver) NewSession(conn net.Conn, br *bufio.Reader) protocol.Session {
	return &httpSession{drv: d, conn: conn, br: br}
}

type httpSession struct {
	drv  Driver
	conn net.Conn
	br   *bufio.Reader

	upgraded protocol.Session
}

func (s *httpSession) Upgraded() protocol.Session { return s.upgraded }

// Handshake processes exactly one HTTP request. For a WS upgrade it
// switches the connection to RFC6455 and returns protocol.ErrUpgraded.
// For a long poll it either responds immediately (events were ready, or
// an error) or parks the connection as the surrogate's poller and
// returns protocol.ErrParked. It never returns nil: an immediate
// response ends with protocol.ErrGracefulClose and the dispatcher closes
// the connection, so a second request on the same connection is never
// read.
func (s *httpSession) Handshake() error {
	req, err := readRequest(s.br)
	if err != nil {
		return err
	}

	if key, ok := req.wantsUpgrade(); ok {
		return s.upgrade(key)
	}

	return s.longPoll(req)
}

func (s *httpSession) upgrade(key string) error {
	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Protocol: quickio\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n\r\n"
	if _, err := s.conn.Write([]byte(resp)); err != nil {
		return err
	}
	s.upgraded = rfc6455.NewSession(s.conn, s.br)
	return protocol.ErrUpgraded
}

func (s *httpSession) longPoll(req *request) error {
	if s.drv.PublicAddress == "" {
		_, err := s.conn.Write(errorResponse(501, false))
		return errOrGraceful(err)
	}

	if req.path() == "/iframe" && req.method == "GET" {
		_, err := s.conn.Write(iframeResponse(s.drv.PublicAddress, req.keepAlive()))
		return errOrGraceful(err)
	}

	if req.method != "POST" {
		_, err := s.conn.Write(errorResponse(405, req.keepAlive()))
		return errOrGraceful(err)
	}

	sidStr, _ := req.query("sid")
	sid, ok := ParseSessionID(sidStr)
	if !ok {
		_, err := s.conn.Write(errorResponse(403, req.keepAlive()))
		return errOrGraceful(err)
	}
	_, connect := req.query("connect")

	n, hasLen := req.contentLength()
	if !hasLen {
		_, err := s.conn.Write(errorResponse(411, req.keepAlive()))
		return errOrGraceful(err)
	}
	if n > maxBodyBytes {
		_, err := s.conn.Write(errorResponse(413, req.keepAlive()))
		return errOrGraceful(err)
	}

	sur, found := s.drv.Table.Get(sid, connect, func() *Surrogate {
		return NewSurrogate(sid, s.drv.NextClientID(), s.drv.SubTotal)
	})
	if !found {
		_, err := s.conn.Write(errorResponse(403, req.keepAlive()))
		return errOrGraceful(err)
	}

	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(s.br, body); err != nil {
			return err
		}
	}

	sur.BeginRequest()
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		path, cb, json, ok := protocol.ParseEvent([]byte(line))
		if !ok {
			continue
		}
		s.drv.Route(sur, path, cb, json)
	}
	sur.EndRequest()

	frames := sur.Drain()
	if len(frames) > 0 {
		_, err := s.conn.Write(textResponse(joinLines(frames), req.keepAlive()))
		return errOrGraceful(err)
	}

	sur.Attach(s.conn, s.flushPoller)
	return protocol.ErrParked
}

// flushPoller writes a 200 response (frame body, or empty for a
// heartbeat/eviction flush) and closes the connection, matching
// spec.md §4.6's one-response-per-poll-connection model.
func (s *httpSession) flushPoller(conn net.Conn, frame []byte) {
	writePollerFrame(conn, frame)
}

// writePollerFrame is the shared "one response per poll" writer used by
// both the per-connection flush path and Surrogate's broadcast.Subscriber
// implementation (which has no httpSession to hang a method off).
func writePollerFrame(conn net.Conn, frame []byte) {
	body := frame
	if body == nil {
		body = []byte{}
	}
	_, _ = conn.Write(textResponse(body, false))
	_ = conn.Close()
}

func joinLines(frames [][]byte) []byte {
	out := make([]byte, 0, 64*len(frames))
	for i, f := range frames {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, f...)
	}
	return out
}

func errOrGraceful(err error) error {
	if err != nil {
		return err
	}
	return protocol.ErrGracefulClose
}

func (s *httpSession) ReadFrame() (protocol.Frame, error) {
	return protocol.Frame{}, protocol.ErrGracefulClose
}

func (s *httpSession) WriteFrame(path, extra string, serverCB uint64, json []byte) error {
	return protocol.ErrGracefulClose
}

func (s *httpSession) Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error) {
	return protocol.HeartbeatNone, nil
}

// Close satisfies protocol.Session: the HTTP long-poll dialect has no
// close-frame concept, and a session that already upgraded is replaced
// by its rfc6455 session in the caller before Close could ever reach
// here.
func (s *httpSession) Close(reason string) {}

// FlushIdlePoller is internal/heartbeat's hook for the "HTTP poller: if
// paired and last_send < poll → flush empty 200" rule (spec.md §4.8).
func FlushIdlePoller(conn net.Conn) {
	writePollerFrame(conn, nil)
}


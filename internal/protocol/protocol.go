// Package protocol defines the shared contract every wire dialect
// implements (spec.md §4.5, L5): byte-level sniffing, handshake, framed
// event decode/encode, and the heartbeat hook invoked by the periodic
// sweep (internal/heartbeat).
package protocol

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
)

// Sniff is the outcome of a protocol's connection-prefix probe.
type Sniff int

const (
	SniffNo Sniff = iota
	SniffMaybe
	SniffYes
)

// ErrGracefulClose signals a session ended without protocol violation
// (flash policy response, clean WS close, client disconnect).
var ErrGracefulClose = errors.New("protocol: graceful close")

// Frame is one decoded inbound event, independent of wire dialect.
type Frame struct {
	Path     string
	ClientCB uint64
	JSON     []byte
}

// HeartbeatIntervals is the precomputed set of thresholds a heartbeat
// sweep pass uses for every client (spec.md §4.8); all are unix-nano
// cutoffs, "this client is stale if its timestamp is before this value".
type HeartbeatIntervals struct {
	Timeout   int64
	Poll      int64
	Heartbeat int64
	Challenge int64
	Dead      int64
}

// FormatEvent renders the raw-dialect event text shared by the raw and
// RFC6455 drivers (spec.md §4.5.1, §6): "<path><extra>:<server_cb>=<json>".
func FormatEvent(path, extra string, serverCB uint64, json []byte) []byte {
	var b strings.Builder
	b.Grow(len(path) + len(extra) + len(json) + 24)
	b.WriteString(path)
	b.WriteString(extra)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(serverCB, 10))
	b.WriteByte('=')
	out := []byte(b.String())
	return append(out, json...)
}

// ParseEvent splits raw-dialect event text into path, client callback id,
// and JSON payload (spec.md §4.5.1 "split at the first `:` and the
// following `=`"). Malformed text returns ok=false.
func ParseEvent(text []byte) (path string, clientCB uint64, json []byte, ok bool) {
	colon := bytes.IndexByte(text, ':')
	if colon < 0 {
		return "", 0, nil, false
	}
	path = string(text[:colon])

	rest := text[colon+1:]
	eq := bytes.IndexByte(rest, '=')
	if eq <= 0 {
		return "", 0, nil, false
	}

	cb, err := strconv.ParseUint(string(rest[:eq]), 10, 64)
	if err != nil {
		return "", 0, nil, false
	}

	return path, cb, rest[eq+1:], true
}

// Package heartbeat implements the periodic timer sweep (spec.md §4.8,
// L8): a single timer tick visiting every handshaked client with a
// precomputed set of staleness thresholds. Sweep walks its slice
// sequentially; internal/server calls it once per tick over all
// connections, without splitting them across goroutines.
package heartbeat

import (
	"time"

	"github.com/adred-codev/qiobroker/internal/client"
	"github.com/adred-codev/qiobroker/internal/protocol"
	"github.com/adred-codev/qiobroker/internal/surrogate"
)

// Config parameterizes interval computation (spec.md §6 config table).
type Config struct {
	ClientTimeout    time.Duration
	PeriodicInterval time.Duration
	CBMaxAge         time.Duration
}

// ComputeIntervals derives the sweep's threshold snapshot for one tick
// (spec.md §4.8); all fields are unix-nano cutoffs.
func ComputeIntervals(now time.Time, cfg Config) protocol.HeartbeatIntervals {
	n := now.UnixNano()
	return protocol.HeartbeatIntervals{
		Timeout:   n - cfg.ClientTimeout.Nanoseconds(),
		Poll:      n - (55*time.Second - cfg.PeriodicInterval).Nanoseconds(),
		Heartbeat: n - (61*time.Second - cfg.PeriodicInterval).Nanoseconds(),
		Challenge: n - (15 * time.Minute).Nanoseconds(),
		Dead:      n - (16 * time.Minute).Nanoseconds(),
	}
}

// Conn is a live raw/WS connection's view exposed to the sweep. Its
// Client is used for callback pruning; Heartbeat drives the protocol's
// own liveness action. Close takes the same reason vocabulary as
// protocol.Session.Close so a WS connection closed by the sweep still
// sends its mapped RFC6455 close frame first (spec.md §4.5.2/§7).
type Conn interface {
	ClientState() *client.Client
	Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error)
	Close(reason string)
}

// Challenger sends the `/qio/heartbeat` challenge callback expecting a
// reply (spec.md §4.8 "send /qio/heartbeat:<new_cb>=null"); it is
// supplied by internal/router since issuing a callback needs router
// wiring this package doesn't own.
type Challenger func(Conn)

// Sweep visits every raw/WS connection once (spec.md §4.8 steps 1-2).
// Parallelism is the caller's responsibility (e.g. splitting conns into
// `periodic-threads` batches run as goroutines); Sweep itself is safe to
// call concurrently on disjoint slices.
func Sweep(conns []Conn, hb protocol.HeartbeatIntervals, now int64, maxCBAge int64, challenge Challenger) {
	for _, c := range conns {
		cs := c.ClientState()
		cs.PruneCallbacksOlderThan(now, maxCBAge)

		action, err := c.Heartbeat(hb, cs.LastSend(), cs.LastRecv())
		if err != nil {
			c.Close("exit")
			continue
		}
		switch action {
		case protocol.HeartbeatDead:
			c.Close("timeout")
		case protocol.HeartbeatChallenge:
			if challenge != nil {
				challenge(c)
			}
		}
	}
}

// SweepSurrogates applies the HTTP-specific rules (spec.md §4.8 "HTTP
// surrogate" / "HTTP poller"): a surrogate with no attached poller past
// Timeout is closed; one with an attached poller past Poll gets that
// poller flushed with an empty 200 to keep proxies from timing out.
func SweepSurrogates(table *surrogate.Table, hb protocol.HeartbeatIntervals, remove func(surrogate.SessionID)) {
	table.Range(func(s *surrogate.Surrogate) {
		poller := s.Poller()
		if poller == nil {
			if s.LastSend() < hb.Timeout {
				if s.MarkClosed() {
					remove(s.SID)
				}
			}
			return
		}
		if s.LastSend() < hb.Poll {
			s.Detach(poller)
			surrogate.FlushIdlePoller(poller)
		}
	})
}

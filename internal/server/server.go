// Package server ties protocol sniffing, the per-connection handshake
// state machine, the router, the broadcast pipeline, and the heartbeat
// sweep into one running process (spec.md §4.5's dispatcher, plus the
// background tickers spec.md §4.7/§4.8 describe), grounded on the
// teacher's Server.Start/Shutdown lifecycle (ws/server.go).
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/qiobroker/internal/broadcast"
	"github.com/adred-codev/qiobroker/internal/client"
	"github.com/adred-codev/qiobroker/internal/config"
	"github.com/adred-codev/qiobroker/internal/event"
	"github.com/adred-codev/qiobroker/internal/heartbeat"
	"github.com/adred-codev/qiobroker/internal/limits"
	"github.com/adred-codev/qiobroker/internal/metrics"
	"github.com/adred-codev/qiobroker/internal/platform"
	"github.com/adred-codev/qiobroker/internal/protocol"
	"github.com/adred-codev/qiobroker/internal/protocol/flashpolicy"
	"github.com/adred-codev/qiobroker/internal/protocol/raw"
	"github.com/adred-codev/qiobroker/internal/router"
	"github.com/adred-codev/qiobroker/internal/surrogate"
)

// maxSniffBytes bounds the peek-then-grow sniff loop: the longest
// driver literal is flashpolicy's "<policy-file-request/>" (22 bytes).
const maxSniffBytes = 23

// sniffTimeout guards against a connection that opens and sends
// nothing; spec.md §4.5 treats that as an unrecognized protocol.
const sniffTimeout = 5 * time.Second

// conn is one accepted TCP connection's view across routing, broadcast
// fan-out, and the heartbeat sweep. It implements router.Peer,
// broadcast.Subscriber, and heartbeat.Conn simultaneously, since all
// three describe the same live connection from different angles.
type conn struct {
	mu      sync.Mutex
	netConn net.Conn
	session protocol.Session
	kind    broadcast.Kind
	client  *client.Client
}

// State satisfies router.Peer.
func (c *conn) State() *client.Client { return c.client }

// Send satisfies router.Peer: a single-target reply written through
// this connection's own protocol session.
func (c *conn) Send(path, extra string, serverCB uint64, json []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.WriteFrame(path, extra, serverCB, json)
}

// Kind satisfies broadcast.Subscriber.
func (c *conn) Kind() broadcast.Kind { return c.kind }

// WriteRawFrame satisfies broadcast.Subscriber: the pre-materialized
// frame bytes go straight to the socket, bypassing the session's own
// encoder (spec.md §4.7 "materialize once, fan out the same bytes").
func (c *conn) WriteRawFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.netConn.Write(frame)
	return err
}

func (c *conn) WriteWSFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.netConn.Write(frame)
	return err
}

// errNotHTTPKind mirrors internal/surrogate's sentinel: a raw/WS conn's
// Kind() never reports KindHTTP, so this path is unreachable in correct
// fan-out code.
var errNotHTTPKind = errors.New("server: connection only speaks raw/WS frames")

func (c *conn) WriteHTTPLine(line string) error { return errNotHTTPKind }

// ClientState satisfies heartbeat.Conn.
func (c *conn) ClientState() *client.Client { return c.client }

// Heartbeat satisfies heartbeat.Conn, delegating to whichever protocol
// session is currently active (raw or WS; the decision of dead/stale
// belongs to the sweep, the challenge/keepalive write belongs here).
func (c *conn) Heartbeat(hb protocol.HeartbeatIntervals, lastSend, lastRecv int64) (protocol.HeartbeatAction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Heartbeat(hb, lastSend, lastRecv)
}

// Close satisfies heartbeat.Conn: it gives the active protocol session a
// chance to write its own close notification (an RFC6455 close frame
// with a mapped status code, for WS; a no-op for raw/flash-policy/HTTP)
// before the underlying socket is torn down (spec.md §4.5.2/§7).
func (c *conn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.Close(reason)
	_ = c.netConn.Close()
}

// sniff grows a Peek window byte by byte until one driver in drivers
// reports SniffYes, all report SniffNo, or the deadline/EOF is hit
// before any driver is left undecided (spec.md §4.5 "drivers are tried
// in registration order until one claims the connection").
func sniff(netConn net.Conn, br *bufio.Reader, drivers []protocol.Driver) (protocol.Driver, error) {
	_ = netConn.SetReadDeadline(time.Now().Add(sniffTimeout))
	defer netConn.SetReadDeadline(time.Time{})

	for n := 1; n <= maxSniffBytes; n++ {
		buf, err := br.Peek(n)
		anyMaybe := false
		for _, d := range drivers {
			switch d.Sniff(buf) {
			case protocol.SniffYes:
				// The raw and flash-policy drivers match on one fixed
				// literal and never read it again themselves, so the
				// matched bytes must be discarded here or the next
				// read would reparse them as a frame. The HTTP driver
				// matches on a short method prefix and reads the full
				// request itself starting at byte zero, so it needs
				// the buffered bytes left untouched.
				if d.Name() != "http" {
					_, _ = br.Discard(len(buf))
				}
				return d, nil
			case protocol.SniffMaybe:
				anyMaybe = true
			}
		}
		if err != nil || !anyMaybe {
			return nil, fmt.Errorf("server: unrecognized protocol (peeked %d bytes): %w", len(buf), err)
		}
	}
	return nil, fmt.Errorf("server: unrecognized protocol (exceeded %d-byte sniff window)", maxSniffBytes)
}

// Server owns the listener, the sniffable driver set, the routed event
// registry, the broadcast pipeline, and the background tickers that
// drive broadcast delivery and connection liveness.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	drivers []protocol.Driver
	httpDrv surrogate.Driver

	router   *router.Router
	pipeline *broadcast.Pipeline
	table    *surrogate.Table
	fairness client.FairnessPolicy
	subTotal uint64
	nextID   int64

	rateLimiter *limits.ConnectionRateLimiter
	sampler     *platform.Sampler

	ln         net.Listener
	metricsSrv *http.Server

	connsMu sync.Mutex
	conns   map[*conn]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires every L1-L9 layer into a runnable Server (spec.md §4.5-§4.9).
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[*conn]struct{}),
		stopCh: make(chan struct{}),
		fairness: client.FairnessPolicy{
			MaxSubsTotal: uint64(cfg.MaxSubsTotal),
			Fairness:     cfg.Fairness,
			MaxClients:   uint64(cfg.MaxClients),
		},
	}

	s.pipeline = broadcast.New(cfg.BroadcastShards, s.onDeliverError)
	s.router = router.New(s.pipeline, s.fairness, &s.subTotal, cfg.PublicAddress)
	s.table = surrogate.NewTable()

	s.httpDrv = surrogate.Driver{
		Table:         s.table,
		PublicAddress: cfg.PublicAddress,
		NextClientID:  s.allocClientID,
		SubTotal:      &s.subTotal,
		Route:         s.routeSurrogateClient,
	}
	s.drivers = []protocol.Driver{raw.Driver{}, flashpolicy.Driver{}, s.httpDrv}

	s.rateLimiter = limits.New(limits.Config{IPRate: cfg.MaxConnRatePerIP}, logger)

	sampler, err := platform.NewSampler()
	if err != nil {
		return nil, fmt.Errorf("init platform sampler: %w", err)
	}
	s.sampler = sampler

	return s, nil
}

func (s *Server) allocClientID() int64 {
	return atomic.AddInt64(&s.nextID, 1)
}

// routeSurrogateClient dispatches one HTTP long-poll event line through
// the router: *surrogate.Surrogate already implements router.Peer
// directly (State/Send), so synchronous replies (on/off/cb acks) flow
// straight into its buffer/poller path.
func (s *Server) routeSurrogateClient(sub *surrogate.Surrogate, path string, clientCB uint64, json []byte) {
	s.router.Route(sub, path, clientCB, json)
}

// Broadcast exposes the router's broadcast entrypoint for external
// publish adapters (internal/bus) without requiring them to import
// internal/router directly.
func (s *Server) Broadcast(path string, json []byte) bool {
	return s.router.Broadcast(path, json)
}

func (s *Server) onDeliverError(sub broadcast.Subscriber, err error) {
	if c, ok := sub.(*conn); ok {
		s.logger.Debug().Err(err).Msg("broadcast delivery failed, closing connection")
		c.Close("exit")
		return
	}
	s.logger.Debug().Err(err).Msg("broadcast delivery failed")
}

// Start opens the listener, launches the accept loop, the metrics
// listener, and the background tickers (spec.md §4.7 broadcast_tick,
// §4.8 periodic sweep).
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.ln = ln
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("server listening")

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.tickBroadcast()

	s.wg.Add(1)
	go s.tickHeartbeat()

	s.wg.Add(1)
	go s.tickSample()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s.metricsSrv = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("metrics listener stopped")
		}
	}()

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		netConn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn().Err(err).Msg("accept error")
				continue
			}
		}

		ip := remoteIP(netConn)
		if !s.rateLimiter.Allow(ip) {
			metrics.ConnectionsRejected.WithLabelValues("rate_limited").Inc()
			netConn.Close()
			continue
		}

		s.wg.Add(1)
		go s.handleConn(netConn)
	}
}

func remoteIP(netConn net.Conn) string {
	host, _, err := net.SplitHostPort(netConn.RemoteAddr().String())
	if err != nil {
		return netConn.RemoteAddr().String()
	}
	return host
}

// handleConn sniffs the dialect, drives the handshake to completion
// (following upgrades and parks), then dispatches frames through the
// router until the connection closes (spec.md §4.5 HANDSHAKING/READY).
func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()

	br := bufio.NewReader(netConn)
	driver, err := sniff(netConn, br, s.drivers)
	if err != nil {
		metrics.ConnectionsRejected.WithLabelValues("unrecognized_protocol").Inc()
		netConn.Close()
		return
	}
	metrics.ConnectionsTotal.WithLabelValues(driver.Name()).Inc()
	metrics.ConnectionsActive.WithLabelValues(driver.Name()).Inc()
	defer metrics.ConnectionsActive.WithLabelValues(driver.Name()).Dec()

	kind := broadcast.KindRaw
	if driver.Name() == "http" {
		kind = broadcast.KindWS // only relevant once/if this connection upgrades
	}

	c := &conn{
		netConn: netConn,
		session: driver.NewSession(netConn, br),
		kind:    kind,
		client:  client.New(s.allocClientID(), &s.subTotal),
	}

	upgraded := false
	for {
		err := c.session.Handshake()
		if err == nil {
			break
		}
		switch {
		case errors.Is(err, protocol.ErrUpgraded):
			up, ok := c.session.(protocol.Upgrader)
			if !ok {
				c.Close("exit")
				return
			}
			c.session = up.Upgraded()
			c.kind = broadcast.KindWS
			upgraded = true
		case errors.Is(err, protocol.ErrParked):
			// Ownership transferred to the async HTTP surrogate/broadcast/
			// heartbeat path; this goroutine's job ends here.
			return
		default:
			reason := "invalid-handshake"
			if errors.Is(err, protocol.ErrGracefulClose) {
				reason = "exit"
			} else {
				s.logger.Debug().Err(err).Str("driver", driver.Name()).Msg("handshake failed")
			}
			c.Close(reason)
			return
		}
	}

	if driver.Name() == "http" && !upgraded {
		// The surrogate's Handshake already ran one full synchronous
		// request/response cycle; this connection is not reused for a
		// keep-alive second poll.
		netConn.Close()
		return
	}

	s.register(c)
	defer s.unregister(c)

	now := time.Now().UnixNano()
	c.client.TouchRecv(now)
	c.client.TouchSend(now)

	for {
		frame, err := c.session.ReadFrame()
		if err != nil {
			// Any ReadFrame error ends the connection; an RFC6455 session
			// has already sent a specific close frame itself for a known
			// protocol violation (invalid event format, wrong opcode), so
			// "exit" here only covers the generic/disconnect case.
			c.Close("exit")
			return
		}
		c.client.TouchRecv(time.Now().UnixNano())
		s.router.Route(c, frame.Path, frame.ClientCB, frame.JSON)
	}
}

func (s *Server) register(c *conn) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) unregister(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Server) snapshotConns() []heartbeat.Conn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]heartbeat.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func (s *Server) tickBroadcast() {
	defer s.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pipeline.Tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) tickHeartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PeriodicInterval)
	defer ticker.Stop()
	hbCfg := heartbeat.Config{
		ClientTimeout:    s.cfg.ClientTimeout,
		PeriodicInterval: s.cfg.PeriodicInterval,
		CBMaxAge:         s.cfg.CallbackMaxAge,
	}
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			hb := heartbeat.ComputeIntervals(now, hbCfg)
			heartbeat.Sweep(s.snapshotConns(), hb, now.UnixNano(), hbCfg.CBMaxAge.Nanoseconds(), s.challenge)
			heartbeat.SweepSurrogates(s.table, hb, s.table.Remove)
		case <-s.stopCh:
			return
		}
	}
}

// challenge sends the `/qio/heartbeat` challenge expecting a reply,
// tracked as a server callback so the sweep's Challenge/Dead window can
// tell an answered challenge from a silent peer (spec.md §4.8).
func (s *Server) challenge(c heartbeat.Conn) {
	cn, ok := c.(*conn)
	if !ok {
		return
	}
	metrics.HeartbeatChallenges.Inc()
	noop := func(c *client.Client, data any, clientCB uint64, json []byte) event.Status { return event.StatusOK }
	cb := cn.client.NewCallback(noop, nil, nil, time.Now().UnixNano())
	_ = cn.Send("/qio/heartbeat", "", uint64(cb), []byte("null"))
}

func (s *Server) tickSample() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		usage, err := s.sampler.Sample(s.cfg.MetricsInterval)
		if err != nil {
			s.logger.Debug().Err(err).Msg("platform sample failed")
			continue
		}
		metrics.CPUUsagePercent.Set(usage.CPUPercent)
		metrics.MemoryUsageBytes.Set(float64(usage.MemoryBytes))
	}
}

// Shutdown stops accepting new connections and closes every live one,
// following the teacher's listener-close-then-drain shape without the
// upstream's fixed grace-period timer (spec.md carries no shutdown
// grace-period invariant, so this closes immediately once ctx allows).
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stopCh)
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.rateLimiter.Stop()

	if s.metricsSrv != nil {
		_ = s.metricsSrv.Shutdown(ctx)
	}

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close("exit")
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

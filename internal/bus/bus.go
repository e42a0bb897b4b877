// Package bus ingests external publish events over NATS and feeds them
// into the router's broadcast path, grounded on the teacher's NATS
// client wrapper (connect options, handler table, reconnect logging).
package bus

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/qiobroker/internal/metrics"
)

// Config parameterizes the NATS connection (spec.md §6 config table).
type Config struct {
	URL             string
	Subject         string // wildcard subject this broker ingests, e.g. "qio.broadcast.>"
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
}

// Broadcaster is the subset of internal/router.Router the bus needs: it
// never imports internal/router directly to keep this package able to
// feed any path-addressable sink (Router satisfies it as-is).
type Broadcaster interface {
	Broadcast(path string, json []byte) bool
}

// Ingest subscribes to Config.Subject and turns each inbound NATS
// message into a broadcast on the corresponding event path: the subject
// "qio.broadcast.room.general" maps to the event path
// "/room/general" by dropping the configured prefix and swapping dots
// for slashes.
type Ingest struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	prefix  string
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// Connect dials NATS and subscribes, wiring broadcaster.Broadcast as the
// sink for every matching message.
func Connect(cfg Config, broadcaster Broadcaster, logger zerolog.Logger) (*Ingest, error) {
	ing := &Ingest{logger: logger.With().Str("component", "bus").Logger()}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.ConnectHandler(func(c *nats.Conn) {
			ing.logger.Info().Str("url", c.ConnectedUrl()).Msg("connected to nats")
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				ing.logger.Warn().Err(err).Msg("disconnected from nats")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			ing.logger.Info().Str("url", c.ConnectedUrl()).Msg("reconnected to nats")
		}),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			ing.logger.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	ing.conn = conn

	prefix := strings.TrimSuffix(strings.TrimSuffix(cfg.Subject, ">"), ".")
	ing.prefix = prefix

	sub, err := conn.Subscribe(cfg.Subject, func(msg *nats.Msg) {
		metrics.BusMessagesReceived.Inc()
		path := subjectToPath(msg.Subject, prefix)
		if !broadcaster.Broadcast(path, msg.Data) {
			metrics.BusMessagesDropped.Inc()
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", cfg.Subject, err)
	}
	ing.sub = sub
	ing.running = true
	return ing, nil
}

// subjectToPath turns "prefix.room.general" into "/room/general" once
// the shared prefix is stripped.
func subjectToPath(subject, prefix string) string {
	rest := strings.TrimPrefix(subject, prefix)
	rest = strings.TrimPrefix(rest, ".")
	return "/" + strings.ReplaceAll(rest, ".", "/")
}

// Close unsubscribes and closes the connection (without draining it).
func (ing *Ingest) Close() error {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	if !ing.running {
		return nil
	}
	ing.running = false
	if ing.sub != nil {
		_ = ing.sub.Unsubscribe()
	}
	if ing.conn != nil {
		ing.conn.Close()
	}
	return nil
}

// Command qiod runs the event broker process: it loads configuration,
// wires logging, starts the TCP/HTTP listeners, and drives graceful
// shutdown on SIGINT/SIGTERM (grounded on the teacher's cmd/single
// entrypoint).
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/qiobroker/internal/bus"
	"github.com/adred-codev/qiobroker/internal/config"
	"github.com/adred-codev/qiobroker/internal/logging"
	"github.com/adred-codev/qiobroker/internal/server"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides QIO_LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("failed to load configuration: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting qiod")
	cfg.Log(logger)

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}

	var ingest *bus.Ingest
	if cfg.NatsURL != "" {
		ingest, err = bus.Connect(bus.Config{
			URL:             cfg.NatsURL,
			Subject:         cfg.NatsSubject,
			MaxReconnects:   -1,
			ReconnectWait:   2 * time.Second,
			ReconnectJitter: 500 * time.Millisecond,
		}, routerBroadcaster{srv}, logger)
		if err != nil {
			logger.Error().Err(err).Msg("nats ingest unavailable, continuing without it")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	if ingest != nil {
		_ = ingest.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// routerBroadcaster adapts *server.Server's exported Broadcast to
// bus.Broadcaster without the bus package needing to import server.
type routerBroadcaster struct {
	srv *server.Server
}

func (r routerBroadcaster) Broadcast(path string, json []byte) bool {
	return r.srv.Broadcast(path, json)
}

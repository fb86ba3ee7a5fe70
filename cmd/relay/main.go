package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/stratum-relay/relay/internal/config"
	"github.com/stratum-relay/relay/internal/logging"
	"github.com/stratum-relay/relay/internal/mock"
	"github.com/stratum-relay/relay/internal/session"
	"github.com/stratum-relay/relay/internal/status"
	"github.com/stratum-relay/relay/internal/stratum"
	"github.com/stratum-relay/relay/internal/upstream"
	"github.com/stratum-relay/relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file (.yaml, .json or .toml)")
	port := flag.Int("port", 0, "Override server port")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	mockMode := flag.Bool("mock", false, "Use simulated pools instead of dialing upstream")
	exampleConfig := flag.Bool("example-config", false, "Print an example TOML config and exit")
	flag.Parse()

	if *exampleConfig {
		data, err := config.ExampleTOML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "example config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File, cfg.Log.JSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	log := slog.Default()

	if len(cfg.FeeSlots) == 0 {
		log.Warn("no fee slots configured")
	}

	var factory upstream.Factory
	if *mockMode {
		log.Info("starting with simulated pools")
		factory = mock.NewFactory(2*time.Second, log)
	} else {
		factory = stratum.NewFactory(cfg.Upstream, log)
	}

	store := session.NewStore()
	server := ws.NewServer(cfg, store, factory, status.NewCollector(time.Now()), log)

	h := server.Handler()
	if logging.ParseLevel(cfg.Log.Level) <= slog.LevelDebug {
		h = requestlog.Wrap(h)
	}
	httpServer := ws.NewHTTPServer(cfg.Server.Host, cfg.Server.Port, h)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", httpServer.Addr, "fee_slots", len(cfg.FeeSlots))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	// Hijacked websocket connections are not covered by http.Server.Shutdown.
	server.Shutdown(shutdownCtx)
}

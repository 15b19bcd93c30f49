// Command peercall-relay is a development signaling relay for peercall
// clients. It keeps room membership and forwards negotiation messages between
// peers; it never touches media.
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
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/peercall/internal/app"
	"github.com/MrWong99/peercall/internal/config"
	"github.com/MrWong99/peercall/internal/health"
	"github.com/MrWong99/peercall/internal/observe"
	"github.com/MrWong99/peercall/internal/relay"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "optional YAML configuration file (relay_server section)")
	listen := flag.String("listen", "", "listen address (overrides relay_server.listen_addr)")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "peercall-relay: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.RelayServer.ListenAddr = *listen
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: app.SlogLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "peercall-relay",
		ServiceVersion: version,
		Role:           observe.RoleRelay,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTel(ctx)
	}()
	metrics := observe.DefaultMetrics()

	// ── Relay + HTTP ──────────────────────────────────────────────────────────
	rs := relay.New(
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
		relay.WithQueueSize(cfg.RelayServer.QueueSize),
		relay.WithOriginPatterns(cfg.RelayServer.OriginPatterns...),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.RelayServer.Path, rs)
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New().Register(mux)

	srv := &http.Server{
		Addr:              cfg.RelayServer.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("relay listening", "addr", srv.Addr, "path", cfg.RelayServer.Path, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("relay shutting down")
		// Hijacked websocket connections are not tracked by Shutdown.
		rs.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

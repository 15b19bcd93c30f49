// Command peercall is a peer-to-peer audio call client. It joins a room on a
// signaling relay, lists the other peers and places or accepts calls from a
// line-oriented console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/peercall/internal/app"
	"github.com/MrWong99/peercall/internal/config"
	"github.com/MrWong99/peercall/internal/observe"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "peercall.yaml", "path to the YAML configuration file")
	relayURL := flag.String("relay", "", "relay websocket URL (overrides relay.url)")
	room := flag.String("room", "", "room to join (overrides relay.room)")
	peerID := flag.String("id", "", "peer id (overrides peer.id)")
	headless := flag.Bool("headless", false, "disable the console and log call events instead")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) && !isFlagSet("config") {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "peercall: %v\n", err)
		return 1
	}
	overrides := func(c *config.Config) {
		if *relayURL != "" {
			c.Relay.URL = *relayURL
		}
		if *room != "" {
			c.Relay.Room = *room
		}
		if *peerID != "" {
			c.Peer.ID = *peerID
		}
	}
	overrides(cfg)
	if cfg.Peer.ID == "" {
		cfg.Peer.ID = uuid.NewString()
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "peercall: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("peercall starting",
		"version", version,
		"config", *configPath,
		"relay", cfg.Relay.URL,
		"room", cfg.Relay.Room,
		"peer", cfg.Peer.ID,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "peercall",
		ServiceVersion: version,
		Role:           observe.RoleClient,
		PeerID:         cfg.Peer.ID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []app.Option{app.WithLogger(logger, &level)}
	if !*headless {
		opts = append(opts, app.WithConsole(os.Stdin, os.Stdout))
	}
	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if isFlagSet("config") || fileExists(*configPath) {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			overrides(old)
			overrides(new)
			application.ApplyConfig(config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

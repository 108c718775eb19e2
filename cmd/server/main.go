package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/nostr-calendar/internal/config"
	"github.com/blackmichael/nostr-calendar/internal/httpserver"
	"github.com/blackmichael/nostr-calendar/internal/nip05"
	"github.com/blackmichael/nostr-calendar/internal/relay"
	"github.com/blackmichael/nostr-calendar/internal/session"
	"github.com/blackmichael/nostr-calendar/internal/signer"
	"github.com/blackmichael/nostr-calendar/internal/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The archive implements both EventArchive and CursorRepository
	repo, err := sqlite.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer repo.Close()
	logger.Info("opened archive", "path", cfg.DatabasePath)

	var sign signer.Signer = signer.Unavailable{}
	if cfg.SecretKey != "" {
		key, err := signer.NewKeySigner(cfg.SecretKey)
		if err != nil {
			return fmt.Errorf("load signing key: %w", err)
		}
		sign = key
	} else {
		logger.Warn("CALENDAR_SECRET_KEY not set, running read-only")
	}

	sess, err := session.Open(ctx, session.Options{
		Relays:          cfg.Relays,
		Timezone:        cfg.Location(),
		ConnectTimeout:  cfg.ConnectTimeout,
		PublishTimeout:  cfg.PublishTimeout,
		SearchDebounce:  cfg.SearchDebounce,
		CleanupSchedule: cfg.CleanupSchedule,
		Retention:       cfg.Retention,
	}, session.Deps{
		Logger:  logger,
		Dialer:  &relay.WSDialer{Logger: logger.With("component", "ws")},
		Signer:  sign,
		Archive: repo,
		Cursors: repo,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()
	logger.Info("connected to relays", "connected", sess.Relays.ConnectedCount(), "configured", len(cfg.Relays))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Relay ingest and event cleanup run in the background
	if err := sess.Run(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	server := httpserver.NewServer(cfg, sess, nip05.NewClient(), logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "port", cfg.Port)

	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}

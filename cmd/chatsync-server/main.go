// chatsync-server is the conversation server: it owns the message log,
// assigns sequence numbers, and serves the sync WebSocket and history
// endpoints that the widget engine speaks to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/briefdesk/chatsync/internal/config"
	"github.com/briefdesk/chatsync/internal/logging"
	"github.com/briefdesk/chatsync/internal/server"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatsync-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)

	hashes, err := cfg.ParseAuthTokenHashes()
	if err != nil {
		return err
	}

	if len(hashes) == 0 {
		logger.Warn("no auth tokens configured, every handshake will be rejected")
	}

	log, err := server.OpenLog(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		return err
	}
	defer log.Close()

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	hub := server.NewHub(log, logger, metrics)
	defer hub.Close()

	router := server.NewRouter(server.Options{
		Logger:      logger,
		Log:         log,
		Hub:         hub,
		Metrics:     metrics,
		Registry:    registry,
		TokenHashes: hashes,
		SendRate:    cfg.SendRatePerSec,
		SendBurst:   cfg.SendBurst,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir)

		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

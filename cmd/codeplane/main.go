// Package main is the entry point for the codeplane worker.
// The worker mediates between one codex app-server subprocess and many
// HTTP/SSE clients, persisting per-job event streams across restarts.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codeplane/codeplane/internal/common/config"
	"github.com/codeplane/codeplane/internal/common/logger"
	"github.com/codeplane/codeplane/internal/common/tracing"
	"github.com/codeplane/codeplane/internal/events/bus"
	"github.com/codeplane/codeplane/internal/gateway"
	"github.com/codeplane/codeplane/internal/session"
	"github.com/codeplane/codeplane/internal/session/api"
	"github.com/codeplane/codeplane/internal/store"
	"github.com/codeplane/codeplane/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting codeplane worker",
		zap.Int("port", cfg.Server.Port),
		zap.String("agent_command", cfg.Agent.Command),
		zap.String("db_path", cfg.Store.DBPath),
		zap.Bool("auth_enabled", cfg.Auth.Token != ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Announce bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	st, err := store.New(cfg.Store, log)
	if err != nil {
		log.Fatal("failed to open event store", zap.Error(err))
	}
	defer st.Close()

	gw := gateway.New(cfg.Agent, log)
	if err := gw.Start(ctx); err != nil {
		log.Fatal("failed to start agent subprocess", zap.Error(err))
	}

	hub := streaming.NewHub(st, cfg.Streaming, log)
	orchestrator := session.New(cfg.Streaming, st, gw, hub, eventBus, log)
	if err := orchestrator.Start(ctx); err != nil {
		log.Fatal("failed to start orchestrator", zap.Error(err))
	}

	server := api.NewServer(cfg, orchestrator, eventBus, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays at the configured value (0 by default) so
		// long-lived SSE responses are not cut off.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("address", addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("received shutdown signal", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("http server error", zap.Error(err))
	}

	log.Info("shutting down codeplane worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	hub.Shutdown()
	orchestrator.Stop()
	gw.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("error shutting down tracer", zap.Error(err))
	}

	log.Info("codeplane worker stopped")
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"estatepro/internal/app/chatsync"
	"estatepro/internal/infra/backend"
	"estatepro/internal/infra/config"
	ginserver "estatepro/internal/infra/http/gin"
	"estatepro/internal/infra/identity"
	"estatepro/internal/infra/obs"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

// run owns everything main defers, so a failure still releases the backend
// before the process exits.
func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev").Error("config load failed", "error", err)
		return err
	}
	return serve(ctx, cfg, obs.NewLogger(cfg.Env))
}

// serve runs the HTTP API until ctx ends or the listener fails.
func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	b, err := backend.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("chat backend init failed", "error", err, "backend", cfg.Backend, "feed", cfg.Feed)
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Error("chat backend close failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := chatsync.NewEngine(b.Gateway, identity.ContextResolver{}, chatsync.Config{
		PollInterval:        cfg.PollInterval,
		PendingLimit:        cfg.PendingLimit,
		PendingTTL:          cfg.PendingTTL,
		MaxBody:             cfg.MaxBody,
		CallTimeout:         cfg.CallTimeout,
		MetadataConcurrency: cfg.MetadataConcurrency,
	},
		chatsync.WithLogger(logger),
		chatsync.WithDiagnostics(obs.NewDiagnostics(logger, registry)),
	)

	server := ginserver.NewServer(cfg, obs.Middleware{Logger: logger}, obs.HealthHandlers{
		Ready:   b.Ready,
		Timeout: cfg.CallTimeout,
	}, ginserver.Handlers{
		Chat:     ginserver.ChatHandler{Engine: engine, Logger: logger},
		Gatherer: registry,
	})
	// Streams hang off the serve context so shutdown ends them.
	server.BaseContext = func(net.Listener) context.Context { return ctx }

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-serveCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "error", err)
		}
	}()

	logger.Info("HTTP server starting", "addr", cfg.HTTPAddr, "env", cfg.Env, "backend", cfg.Backend, "feed", cfg.Feed)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server failed", "error", err)
		return err
	}
	cancel()
	<-shutdownDone
	logger.Info("HTTP server stopped")
	return nil
}

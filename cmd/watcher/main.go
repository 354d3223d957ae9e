package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quantfab/tradelink/internal/config"
	"github.com/quantfab/tradelink/internal/logging"
	"github.com/quantfab/tradelink/internal/observability"
	"github.com/quantfab/tradelink/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("watcher", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting watcher service",
		zap.String("colo", cfg.Colo),
		zap.String("listen_addr", cfg.Watcher.ListenAddr),
		zap.String("risk_judge_addr", cfg.Watcher.RiskJudgeAddr),
		zap.String("server_addr", cfg.Watcher.ServerAddr),
	)

	w, err := watcher.New(cfg.Watcher, cfg.Colo, logger)
	if err != nil {
		logger.Fatal("failed to start watcher", zap.Error(err))
	}

	healthChecker := observability.NewHealthChecker(logger)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.Watcher.HealthAddr); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watcherErrCh := make(chan error, 1)
	go func() {
		if err := w.Run(ctx); err != nil {
			watcherErrCh <- err
		}
	}()

	// Feed the risk link state into /healthz.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				healthChecker.SetTransportReady(w.Connected())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-watcherErrCh:
		logger.Error("watcher error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	logger.Info("watcher service stopped")
}

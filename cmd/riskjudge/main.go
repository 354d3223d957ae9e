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
	"github.com/quantfab/tradelink/internal/risk"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("riskjudge", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting riskjudge service",
		zap.String("colo", cfg.Colo),
		zap.String("listen_addr", cfg.RiskJudge.ListenAddr),
		zap.String("db_path", cfg.RiskJudge.DBPath),
	)

	svc, err := risk.NewService(cfg.RiskJudge, cfg.Colo, logger)
	if err != nil {
		logger.Fatal("failed to start risk service", zap.Error(err))
	}

	healthChecker := observability.NewHealthChecker(logger)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.RiskJudge.HealthAddr); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svcErrCh := make(chan error, 1)
	go func() {
		if err := svc.Run(ctx); err != nil {
			svcErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-svcErrCh:
		logger.Error("risk service error", zap.Error(err))
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

	logger.Info("riskjudge service stopped")
}

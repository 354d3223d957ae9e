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
	"github.com/quantfab/tradelink/internal/trader"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger("trader", cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting trader service",
		zap.String("colo", cfg.Colo),
		zap.String("listen_addr", cfg.Trader.ListenAddr),
		zap.String("account", cfg.Trader.Account),
		zap.String("gateway", cfg.Trader.Gateway),
		zap.String("risk_judge_addr", cfg.Trader.RiskJudgeAddr),
	)

	gw, err := trader.NewGateway(cfg.Trader.Gateway, cfg.Trader.Account, logger.Named("gateway"))
	if err != nil {
		logger.Fatal("failed to build gateway", zap.Error(err))
	}

	router, err := trader.NewRouter(cfg.Trader, cfg.Colo, gw, logger.Named("router"))
	if err != nil {
		logger.Fatal("failed to start router", zap.Error(err))
	}

	healthChecker := observability.NewHealthChecker(logger)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.Trader.HealthAddr); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerErrCh := make(chan error, 1)
	go func() {
		if err := router.Run(ctx); err != nil {
			routerErrCh <- err
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
				healthChecker.SetTransportReady(router.Connected())
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-routerErrCh:
		logger.Error("router error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	}

	logger.Info("shutting down gracefully...")
	cancel()
	gw.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	logger.Info("trader service stopped")
}

// Command engine runs the grid-trading runtime for one account against
// one exchange: loads config, wires the exchange/market-data/
// state-store collaborators, starts the Orchestrator, and blocks until
// an OS signal asks for graceful shutdown.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"market_maker/internal/babysitter"
	"market_maker/internal/config"
	"market_maker/internal/exchange"
	"market_maker/internal/exchange/binanceusdm"
	"market_maker/internal/infrastructure/metrics"
	"market_maker/internal/logging"
	"market_maker/internal/marketdata"
	"market_maker/internal/statestore"
	"market_maker/internal/telemetry"
	"market_maker/internal/trading/orchestrator"
)

var configFile = flag.String("config", "configs/config.yaml", "path to the YAML config file")

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(err)
	}
	logging.SetGlobalLogger(logger)
	defer logger.Sync()

	tel, err := telemetry.Setup("grid_trader_" + cfg.App.AccountScope)
	if err != nil {
		logger.Fatal("telemetry setup failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *metrics.Server
	if cfg.Telemetry.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
		metricsServer.Start()
	}

	store, err := statestore.New(ctx, cfg.StateStore.RedisAddr, string(cfg.StateStore.RedisPassword), cfg.StateStore.RedisDB, cfg.StateStore.SQLitePath, logger)
	if err != nil {
		logger.Fatal("state store init failed", "error", err)
	}

	rawExchange := newExchange(cfg, logger)
	rateLimited := exchange.NewRateLimited(rawExchange, 25, 30, logger)

	feed := marketdata.New(cfg.MarketData.BaseURL, logger)

	orch := orchestrator.New(cfg, rateLimited, feed, store, logger)

	orch.SetCandleSource(marketdata.NewCandleClient(cfg.Exchange.BaseURL, logger))

	if cfg.Babysitter.PMSAPIURL != "" {
		orch.SetVirtualCloser(babysitter.NewClient(cfg.Babysitter.PMSAPIURL, logger))
	}

	if cfg.App.EngineType == "dbos" {
		// The durable workflow registry (registry.go) is fully built and
		// exercised by tests, but constructing the dbos.DBOSContext itself
		// requires a Launch/config call this module's retrieved dependency
		// surface never demonstrates anywhere. Rather than guess at that
		// API, fall back to non-durable pair rotation and log it; the
		// orchestrator already tolerates a nil registry.
		logger.Warn("engine_type=dbos requested but no DBOS launch wiring is available in this build, continuing without durable registry")
	}

	if err := orch.Start(ctx); err != nil {
		logger.Fatal("orchestrator start failed", "error", err)
	}
	logger.Info("engine started", "scope", orch.Scope(), "symbols", cfg.App.Symbols)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := orch.Stop(shutdownCtx); err != nil {
		logger.Error("orchestrator stop failed", "error", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error("metrics server stop failed", "error", err)
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", "error", err)
	}
}

func newExchange(cfg *config.Config, logger *logging.ZapLogger) *binanceusdm.Exchange {
	return binanceusdm.New(string(cfg.Exchange.APIKey), string(cfg.Exchange.SecretKey), cfg.Exchange.BaseURL, cfg.Exchange.WSBaseURL, logger)
}

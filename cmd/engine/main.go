package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantfx/fx-execution-engine/internal/broker"
	"github.com/quantfx/fx-execution-engine/internal/broker/bybit"
	"github.com/quantfx/fx-execution-engine/internal/broker/oanda"
	"github.com/quantfx/fx-execution-engine/internal/config"
	"github.com/quantfx/fx-execution-engine/internal/engine"
	"github.com/quantfx/fx-execution-engine/internal/monitoring"
	"github.com/quantfx/fx-execution-engine/internal/risk"
)

func main() {
	// .env is optional; real deployments configure via the environment.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("could not build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	factory := broker.NewFactory()
	factory.Register("oanda", func() (broker.Broker, error) {
		return oanda.NewClient(oanda.Config{
			AccessToken: cfg.Broker.Oanda.AccessToken,
			AccountID:   cfg.Broker.Oanda.AccountID,
			Environment: cfg.Broker.Oanda.Environment,
			Timeout:     cfg.Broker.Timeout,
		}, logger), nil
	})
	factory.Register("bybit", func() (broker.Broker, error) {
		return bybit.NewAdapter(bybit.Config{
			APIKey:    cfg.Broker.Bybit.APIKey,
			APISecret: cfg.Broker.Bybit.APISecret,
			Testnet:   cfg.Broker.Bybit.Testnet,
			Demo:      cfg.Broker.Bybit.Demo,
		}, logger), nil
	})

	brk, err := factory.Create(cfg.Broker.Name)
	if err != nil {
		logger.Fatal("broker selection failed", zap.Error(err))
	}

	if err := brk.Connect(ctx); err != nil {
		logger.Fatal("broker connection failed", zap.Error(err))
	}
	defer brk.Disconnect()

	health := monitoring.NewHealthChecker(brk.Name())
	health.SetConnected(true)

	metricsServer := serve(logger, cfg.Monitoring.PrometheusPort, "/metrics", monitoring.NewMetricsHandler())
	healthServer := serve(logger, cfg.Monitoring.HealthPort, "/health", health)

	calculator := risk.NewCalculator(cfg.Risk, logger)
	coordinator := engine.NewCoordinator(cfg, brk, calculator, engine.NewTracker(), logger)

	if err := printAccountOverview(ctx, brk); err != nil {
		logger.Warn("could not render account overview", zap.Error(err))
	}

	logger.Info("execution engine started",
		zap.String("broker", brk.Name()),
		zap.Duration("decision_interval", cfg.Engine.DecisionInterval))

	ticker := time.NewTicker(cfg.Engine.DecisionInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if err := coordinator.RefreshTelemetry(ctx); err != nil {
				logger.Error("telemetry refresh failed", zap.Error(err))
				health.RecordError(err.Error())
				continue
			}
			health.RecordCycle()
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)
	healthServer.Shutdown(shutdownCtx)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.LogLevel, err)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

func serve(logger *zap.Logger, port int, path string, handler http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", zap.String("path", path), zap.Error(err))
		}
	}()
	return server
}

// printAccountOverview dumps the account and open positions to the
// console on startup so an operator can sanity-check the session before
// any order flow.
func printAccountOverview(ctx context.Context, brk broker.Broker) error {
	summary, err := brk.AccountSummary(ctx)
	if err != nil {
		return err
	}
	positions, err := brk.OpenPositions(ctx)
	if err != nil {
		return err
	}

	account := table.NewWriter()
	account.SetOutputMirror(os.Stdout)
	account.SetTitle("Account")
	account.AppendHeader(table.Row{"ID", "Currency", "Balance", "NAV", "Unrealized P&L", "Margin Used", "Open Positions"})
	account.AppendRow(table.Row{
		summary.ID, summary.Currency,
		fmt.Sprintf("%.2f", summary.Balance),
		fmt.Sprintf("%.2f", summary.NAV),
		fmt.Sprintf("%.2f", summary.UnrealizedPL),
		fmt.Sprintf("%.2f", summary.MarginUsed),
		summary.OpenPositions,
	})
	account.Render()

	if len(positions) == 0 {
		fmt.Println("No open positions.")
		return nil
	}

	open := table.NewWriter()
	open.SetOutputMirror(os.Stdout)
	open.SetTitle("Open Positions")
	open.AppendHeader(table.Row{"Instrument", "Long Units", "Short Units", "Unrealized P&L"})
	for _, pos := range positions {
		open.AppendRow(table.Row{
			pos.Instrument,
			fmt.Sprintf("%.0f", pos.LongUnits),
			fmt.Sprintf("%.0f", pos.ShortUnits),
			fmt.Sprintf("%.2f", pos.UnrealizedPL),
		})
	}
	open.Render()
	return nil
}

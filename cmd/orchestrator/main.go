package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/counsel-ai/counsel/internal/advisors"
	"github.com/counsel-ai/counsel/internal/auth"
	"github.com/counsel-ai/counsel/internal/billing"
	"github.com/counsel-ai/counsel/internal/config"
	"github.com/counsel-ai/counsel/internal/consolidator"
	"github.com/counsel-ai/counsel/internal/convstore"
	"github.com/counsel-ai/counsel/internal/db"
	"github.com/counsel-ai/counsel/internal/executor"
	"github.com/counsel-ai/counsel/internal/graph"
	"github.com/counsel-ai/counsel/internal/httpapi"
	"github.com/counsel-ai/counsel/internal/ledger"
	"github.com/counsel-ai/counsel/internal/moderator"
	"github.com/counsel-ai/counsel/internal/orchestrator"
	"github.com/counsel-ai/counsel/internal/payments"
	"github.com/counsel-ai/counsel/internal/pricing"
	"github.com/counsel-ai/counsel/internal/provider"
	"github.com/counsel-ai/counsel/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to counsel.yaml (defaults to ./counsel.yaml or ./config/counsel.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	pool, err := db.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	conversations, err := convstore.New(cfg.Redis.Addr, cfg.Redis.Password, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer conversations.Close()
	conversations.SetTTL(cfg.Redis.TTL)

	calculator, err := pricing.LoadCalculator(cfg.Billing.PricingPath, logger)
	if err != nil {
		logger.Fatal("failed to load pricing table",
			zap.String("path", cfg.Billing.PricingPath), zap.Error(err))
	}
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if cfg.Billing.WatchPricingFile {
		go func() {
			if err := calculator.Watch(cfg.Billing.PricingPath, stopWatch); err != nil {
				logger.Warn("pricing file watch stopped", zap.Error(err))
			}
		}()
	}

	ledgerStore := ledger.NewStoreWithStartingCredit(pool, logger, cfg.Billing.StartingCredit)
	recorder := usage.NewRecorder(pool, logger)
	paymentStore := payments.NewStore(pool, ledgerStore, logger)

	meter := billing.NewMeter(ledgerStore, recorder, calculator, logger)
	meter.SetFloor(cfg.Billing.FloorTenths)
	meter.SetRateLimit(cfg.Billing.RatePerSecond, cfg.Billing.RateBurst)

	var prov provider.Provider
	if cfg.Provider.BaseURL != "" {
		prov = provider.NewOpenAICompatible(cfg.Provider.APIKey, cfg.Provider.BaseURL, logger)
	} else {
		prov = provider.NewOpenAI(cfg.Provider.APIKey, logger)
	}

	registry, err := advisors.LoadRegistry(cfg.Orchestrator.AdvisorsDir, logger)
	if err != nil {
		logger.Fatal("failed to load advisor profiles",
			zap.String("dir", cfg.Orchestrator.AdvisorsDir), zap.Error(err))
	}

	runner := advisors.NewRunner(registry, meter, prov, cfg.Models.Advisor, logger)
	runner.SetHistoryWindow(cfg.Orchestrator.AdvisorWindow)
	exec := executor.New(runner, cfg.Orchestrator.TaskTimeout, logger)
	resolver := moderator.NewResolver(registry, meter, prov, cfg.Models.Resolver, cfg.Orchestrator.MaxAdvisors, logger)
	resolver.SetHistoryWindow(cfg.Orchestrator.ResolverWindow)
	cleaner := moderator.NewCleaner(meter, prov, cfg.Models.Cleaner, logger)
	driver := graph.NewDriver(resolver, cleaner, exec, consolidator.Consolidate, cfg.Orchestrator.StepLimit, logger)

	service := orchestrator.NewService(driver, conversations, ledgerStore, paymentStore, cfg.Billing.FloorTenths, logger)
	service.SetRateGate(meter)
	verifier := auth.NewVerifier(cfg.Auth.SigningKey, cfg.Auth.TokenExpiry)

	apiServer := httpapi.NewServer(cfg.Server.Addr, httpapi.NewHandler(service, verifier, logger))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("api server listening", zap.String("addr", cfg.Server.Addr))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if cfg.Format == "console" {
		return zap.NewDevelopment()
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = level
	}
	return zcfg.Build()
}

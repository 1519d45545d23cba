package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/oakline/tradegate/internal/audit"
	"github.com/oakline/tradegate/internal/config"
	"github.com/oakline/tradegate/internal/detector"
	"github.com/oakline/tradegate/internal/engine"
	"github.com/oakline/tradegate/internal/gateway"
	"github.com/oakline/tradegate/internal/instrument"
	"github.com/oakline/tradegate/internal/metrics"
	"github.com/oakline/tradegate/internal/persistence"
	"github.com/oakline/tradegate/internal/persistence/postgres"
)

func Execute(ctx context.Context) error {
	var configPath string

	root := &cobra.Command{Use: "tradegate", Short: "Trade compliance decision engine"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config (defaults apply when empty)")

	root.AddCommand(evaluateCmd(&configPath))
	root.AddCommand(detectCmd(&configPath))
	root.AddCommand(serveCmd(&configPath))
	return root.ExecuteContext(ctx)
}

// app bundles the wired engine components. Everything is constructed once
// per process and injected; there are no package-level singletons.
type app struct {
	cfg      config.Config
	db       *sqlx.DB
	registry *prometheus.Registry
	metrics  *metrics.Registry
	gateway  *gateway.Gateway
	engine   *engine.Engine
	detector *detector.Detector
	requests persistence.TradeRequestRepo
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := postgres.Connect(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promRegistry)

	gwCfg := cfg.Gateway.GatewayConfig()
	marketData := gateway.NewHTTPMarketData(gateway.HTTPMarketDataConfig{
		BaseURL: cfg.MarketData.BaseURL,
		Timeout: gwCfg.CallTimeout,
		RPS:     cfg.MarketData.RPS,
		Burst:   cfg.MarketData.Burst,
	})
	currency := gateway.NewHTTPCurrency(gateway.HTTPCurrencyConfig{
		BaseURL: cfg.Currency.BaseURL,
		Timeout: gwCfg.CallTimeout,
		RPS:     cfg.Currency.RPS,
		Burst:   cfg.Currency.Burst,
	})
	gw := gateway.New(gwCfg, marketData, currency, reg)

	queryTimeout := cfg.Database.QueryTimeout()
	requests := postgres.NewTradeRequestRepo(db, queryTimeout)
	restricted := postgres.NewRestrictedRepo(db, queryTimeout)
	thresholds := postgres.NewThresholdRepo(db, queryTimeout)
	sink := audit.NewDBSink(db, queryTimeout)

	eng := engine.New(
		engine.NewValuer(gw),
		instrument.NewMatcher(restricted),
		requests,
		thresholds,
		sink,
		reg,
	)

	return &app{
		cfg:      cfg,
		db:       db,
		registry: promRegistry,
		metrics:  reg,
		gateway:  gw,
		engine:   eng,
		detector: detector.New(requests, eng, reg),
		requests: requests,
	}, nil
}

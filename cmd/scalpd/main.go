// Package main is the scalpd entry point: configuration loading, logger
// setup, component wiring and signal handling around the trading cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/quantrelay/scalpd/internal/api"
	"github.com/quantrelay/scalpd/internal/config"
	"github.com/quantrelay/scalpd/internal/engine"
	"github.com/quantrelay/scalpd/internal/exchange"
	"github.com/quantrelay/scalpd/internal/ledger"
	"github.com/quantrelay/scalpd/internal/market"
	"github.com/quantrelay/scalpd/internal/metrics"
	"github.com/quantrelay/scalpd/internal/notify"
	"github.com/quantrelay/scalpd/internal/params"
	"github.com/quantrelay/scalpd/internal/regime"
	"github.com/quantrelay/scalpd/internal/risk"
	"github.com/quantrelay/scalpd/internal/trailing"
	"github.com/quantrelay/scalpd/internal/workers"
)

func main() {
	configPath := flag.String("config", "./scalpd.yaml", "Configuration file")
	host := flag.String("host", "127.0.0.1", "Status API host")
	port := flag.Int("port", 8089, "Status API port")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	paper := flag.Bool("paper", true, "Paper trading mode")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	logger.Info("Starting scalpd",
		zap.String("config", *configPath),
		zap.Bool("paperTrading", *paper),
	)

	v := viper.New()
	v.SetConfigFile(*configPath)
	v.SetEnvPrefix("SCALPD")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read configuration", zap.Error(err))
	}

	cfg, err := config.Load(logger, v)
	if err != nil {
		// Safety-critical configuration never gets silent defaults.
		logger.Fatal("Configuration invalid", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	engineMetrics := metrics.New(registry)

	var client exchange.Client
	if *paper {
		startBalance := decimal.NewFromFloat(v.GetFloat64("paper.start_balance"))
		if startBalance.IsZero() {
			startBalance = decimal.NewFromInt(10000)
		}
		client = exchange.NewPaperClient(logger, startBalance)
	} else {
		logger.Fatal("Live trading requires an exchange client binding; run with --paper")
	}

	marketData := market.NewStore(cfg.Tree.GetInt("market.window_size", 500))
	classifier := regime.NewClassifier(logger, regime.DefaultConfig())
	resolver := params.NewResolver(logger, cfg, params.DefaultGovernorConfig(),
		cfg.Tree.GetDuration("exits.cache_ttl", time.Minute))
	book := ledger.NewLedger(logger)
	trailingCtl := trailing.NewController(logger, trailing.DefaultConfig())
	guard := risk.NewGuard(logger, cfg.Safety)
	bus := notify.NewBus(logger)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("refresh"))
	pool.Start()

	coordinator := engine.NewCoordinator(logger, engine.Deps{
		Config:     cfg,
		Client:     client,
		MarketData: marketData,
		Classifier: classifier,
		Resolver:   resolver,
		Ledger:     book,
		Trailing:   trailingCtl,
		Guard:      guard,
		Bus:        bus,
		Metrics:    engineMetrics,
		Pool:       pool,
		Signals:    engine.NewMeanReversionGenerator(),
	})

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = *host
	serverConfig.Port = *port
	server := api.NewServer(logger, serverConfig, coordinator, book, classifier, guard, registry)

	go server.Bridge(bus.Subscribe())
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Status API error", zap.Error(err))
		}
	}()

	// Snapshot push on an independent timer.
	go func() {
		interval := cfg.Tree.GetDuration("api.snapshot_interval", 5*time.Second)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.BroadcastSnapshot()
			}
		}
	}()

	go coordinator.Run(ctx)

	logger.Info("scalpd started",
		zap.String("http", fmt.Sprintf("http://%s:%d/api/v1", *host, *port)),
		zap.Strings("symbols", cfg.Symbols),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received")
	case <-coordinator.Done():
		logger.Info("Coordinator stopped, shutting down")
	}

	coordinator.Stop()
	cancel()
	<-coordinator.Done()

	pool.Stop()
	bus.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during API shutdown", zap.Error(err))
	}

	logger.Info("scalpd stopped")
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

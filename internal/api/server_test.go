package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

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
	"github.com/quantrelay/scalpd/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *ledger.Ledger) {
	t.Helper()
	logger := zap.NewNop()

	cfg := &config.Config{
		Symbols:       []string{"BTCUSDT"},
		CycleInterval: time.Second,
		Safety: config.SafetyLimits{
			MaxConsecutiveLosses: 3,
			DailyLossFloorPct:    decimal.NewFromFloat(0.05),
			MarginCriticalRatio:  decimal.NewFromFloat(0.8),
		},
		Base:            types.AdaptiveExitParameters{TPMultiplier: decimal.NewFromFloat(2.0), SLMultiplier: decimal.NewFromInt(1)},
		SymbolOverrides: map[string]types.AdaptiveExitParameters{},
		RegimeOverrides: map[types.MarketRegime]types.AdaptiveExitParameters{},
		Tiers:           config.DefaultTiers(),
	}

	book := ledger.NewLedger(logger)
	classifier := regime.NewClassifier(logger, regime.DefaultConfig())
	guard := risk.NewGuard(logger, cfg.Safety)
	registry := prometheus.NewRegistry()

	pool := workers.NewPool(logger, workers.PoolConfig{Name: "t", NumWorkers: 1, QueueSize: 8, ShutdownTimeout: time.Second})
	bus := notify.NewBus(logger)
	t.Cleanup(bus.Close)

	coordinator := engine.NewCoordinator(logger, engine.Deps{
		Config:     cfg,
		Client:     exchange.NewPaperClient(logger, decimal.NewFromInt(10000)),
		MarketData: market.NewStore(100),
		Classifier: classifier,
		Resolver:   params.NewResolver(logger, cfg, params.DefaultGovernorConfig(), time.Minute),
		Ledger:     book,
		Trailing:   trailing.NewController(logger, trailing.DefaultConfig()),
		Guard:      guard,
		Bus:        bus,
		Metrics:    metrics.New(registry),
		Pool:       pool,
		Signals:    engine.NewMeanReversionGenerator(),
	})

	return NewServer(logger, DefaultServerConfig(), coordinator, book, classifier, guard, registry), book
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Regime != types.RegimeRanging {
		t.Errorf("regime = %s", snap.Regime)
	}
}

func TestPositionsEndpointServesLedger(t *testing.T) {
	s, book := newTestServer(t)

	book.Register("BTCUSDT", types.Position{
		Symbol:     "BTCUSDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromInt(1),
		EntryPrice: decimal.NewFromInt(40000),
	}, types.PositionMetadata{Source: "local"})

	req := httptest.NewRequest("GET", "/api/v1/positions", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body struct {
		Count     int                       `json:"count"`
		Positions map[string]types.Position `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d", body.Count)
	}
	if _, ok := body.Positions["BTCUSDT"]; !ok {
		t.Fatal("position missing from response")
	}
}

func TestStopEndpointStopsCoordinator(t *testing.T) {
	s, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.coordinator.Run(ctx)

	req := httptest.NewRequest("POST", "/api/v1/stop", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case <-s.coordinator.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator still running after stop endpoint")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
}

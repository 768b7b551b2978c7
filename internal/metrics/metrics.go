// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	CycleStepDuration *prometheus.HistogramVec
	CycleStepErrors   *prometheus.CounterVec
	CyclesTotal       prometheus.Counter
	TradesTotal       *prometheus.CounterVec
	RegimeChanges     prometheus.Counter
	OpenPositions     prometheus.Gauge
	DailyPnL          prometheus.Gauge
	EmergencyCloses   prometheus.Counter
	SafetyTrips       *prometheus.CounterVec
}

// New registers the collectors with the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CycleStepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scalpd",
			Name:      "cycle_step_duration_seconds",
			Help:      "Duration of each trading cycle step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		CycleStepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "cycle_step_errors_total",
			Help:      "Step failures, by step name.",
		}, []string{"step"}),
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "cycles_total",
			Help:      "Completed trading cycles.",
		}),
		TradesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "trades_total",
			Help:      "Closed trades, by result.",
		}, []string{"result"}),
		RegimeChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "regime_changes_total",
			Help:      "Committed market regime transitions.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scalpd",
			Name:      "open_positions",
			Help:      "Positions currently tracked by the ledger.",
		}),
		DailyPnL: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "scalpd",
			Name:      "daily_pnl_usd",
			Help:      "Realized PnL since the daily reset.",
		}),
		EmergencyCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "emergency_closes_total",
			Help:      "Emergency close-all executions.",
		}),
		SafetyTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scalpd",
			Name:      "safety_trips_total",
			Help:      "Circuit-breaker trips, by enforced action.",
		}, []string{"action"}),
	}
}

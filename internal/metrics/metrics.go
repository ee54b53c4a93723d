package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Monitor records settlement engine outcomes. A nil *Monitor is valid and records nothing.
type Monitor struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	lockConflicts prometheus.Counter
	settlement    prometheus.Histogram
	ledgerVolume  *prometheus.CounterVec
}

// NewMonitor registers the engine metrics on a fresh registry
func NewMonitor() *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Monitor{
		registry: reg,
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketmatch_trade_operations_total",
				Help: "Trade operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		lockConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ticketmatch_ticket_lock_conflicts_total",
				Help: "Ticket locks lost to a concurrent trade",
			},
		),
		settlement: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ticketmatch_settlement_duration_seconds",
				Help:    "Duration of the confirm transaction that settled a trade",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		ledgerVolume: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ticketmatch_ledger_volume_total",
				Help: "Money moved through the ledger by reason",
			},
			[]string{"reason"},
		),
	}
}

// Handler exposes the monitor's registry in the Prometheus text format
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// TrackOperation counts one create/confirm/cancel call
func (m *Monitor) TrackOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// TrackLockConflict counts a lost ticket lock
func (m *Monitor) TrackLockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

// TrackSettlement observes how long a settling confirm took
func (m *Monitor) TrackSettlement(d time.Duration) {
	if m == nil {
		return
	}
	m.settlement.Observe(d.Seconds())
}

// TrackLedger adds a settled amount to the ledger volume
func (m *Monitor) TrackLedger(reason string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.ledgerVolume.WithLabelValues(reason).Add(amount.Abs().InexactFloat64())
}

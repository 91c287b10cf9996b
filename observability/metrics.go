package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SettlementdMetrics exposes Prometheus collectors for the settlement daemon.
type SettlementdMetrics struct {
	refunds     *prometheus.CounterVec
	settlements *prometheus.CounterVec
	errors      *prometheus.CounterVec
	chainCalls  *prometheus.HistogramVec
	pending     prometheus.Gauge
}

var (
	settlementdOnce     sync.Once
	settlementdRegistry *SettlementdMetrics
)

// Settlementd returns the lazily-initialised metrics registry for the settlement
// daemon. Collectors register exactly once per process.
func Settlementd() *SettlementdMetrics {
	settlementdOnce.Do(func() {
		settlementdRegistry = &SettlementdMetrics{
			refunds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "settlementd",
				Name:      "refunds_total",
				Help:      "Count of participant refund attempts segmented by outcome.",
			}, []string{"outcome"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "settlementd",
				Name:      "settlements_total",
				Help:      "Count of game settlement attempts segmented by outcome.",
			}, []string{"outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "settlementd",
				Name:      "errors_total",
				Help:      "Count of settlement daemon errors segmented by stage.",
			}, []string{"stage"}),
			chainCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "stakepool",
				Subsystem: "settlementd",
				Name:      "chain_call_duration_seconds",
				Help:      "Latency distribution for escrow contract interactions.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			}, []string{"call"}),
			pending: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "settlementd",
				Name:      "pending_refunds",
				Help:      "Number of refunds broadcast but not yet confirmed on-chain.",
			}),
		}
		prometheus.MustRegister(
			settlementdRegistry.refunds,
			settlementdRegistry.settlements,
			settlementdRegistry.errors,
			settlementdRegistry.chainCalls,
			settlementdRegistry.pending,
		)
	})
	return settlementdRegistry
}

// RecordRefund increments the refund counter for the supplied outcome label.
func (m *SettlementdMetrics) RecordRefund(outcome string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordSettlement increments the settlement counter for the supplied outcome label.
func (m *SettlementdMetrics) RecordSettlement(outcome string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordError increments the error counter for the supplied processing stage.
func (m *SettlementdMetrics) RecordError(stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normalizeLabel(stage)).Inc()
}

// ObserveChainCall records the latency of an escrow contract interaction.
func (m *SettlementdMetrics) ObserveChainCall(call string, d time.Duration) {
	if m == nil {
		return
	}
	m.chainCalls.WithLabelValues(normalizeLabel(call)).Observe(d.Seconds())
}

// SetPendingRefunds records the number of broadcast-but-unconfirmed refunds.
func (m *SettlementdMetrics) SetPendingRefunds(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func normalizeLabel(label string) string {
	normalized := strings.ToLower(strings.TrimSpace(label))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

package settlementd

import "stakepool/observability"

// Metrics exposes Prometheus collectors for settlement daemon instrumentation.
type Metrics = observability.SettlementdMetrics

// NewMetrics returns the lazily initialised metrics registry.
func NewMetrics() *Metrics { return observability.Settlementd() }

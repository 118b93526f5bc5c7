package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the aggregator's instrumentation. Dropped samples are
// counted here rather than surfaced as errors: ingestion never fails the
// caller because of buffer pressure.
type Metrics struct {
	SamplesIngested *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	FlushesTotal    prometheus.Counter
}

// NewMetrics registers the telemetry counters against the given registry
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SamplesIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdant_telemetry_samples_ingested_total",
				Help: "Total telemetry samples accepted into the aggregation buffer",
			},
			[]string{"gpu"},
		),
		SamplesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verdant_telemetry_samples_dropped_total",
				Help: "Total telemetry samples dropped due to buffer overflow before flush",
			},
			[]string{"gpu"},
		),
		FlushesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "verdant_telemetry_flushes_total",
				Help: "Total buffer flushes to persistent storage",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.SamplesIngested, m.SamplesDropped, m.FlushesTotal)
	}
	return m
}

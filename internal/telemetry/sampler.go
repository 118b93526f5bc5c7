package telemetry

import (
	"fmt"

	"github.com/benbjohnson/clock"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// Sampler reads one round of metrics from a GPU provider and feeds the
// aggregator. It holds no timer of its own: the host drives Sample on the
// collection interval.
type Sampler struct {
	provider domain.GPUProvider
	agg      *Aggregator
	clock    clock.Clock
}

// NewSampler creates a sampler over the given provider and aggregator
func NewSampler(provider domain.GPUProvider, agg *Aggregator, c clock.Clock) *Sampler {
	if c == nil {
		c = clock.New()
	}
	return &Sampler{provider: provider, agg: agg, clock: c}
}

// Sample collects current metrics for all devices and ingests one telemetry
// sample per GPU
func (s *Sampler) Sample() error {
	metrics, err := s.provider.GetMetrics()
	if err != nil {
		return fmt.Errorf("failed to collect gpu metrics: %w", err)
	}

	now := s.clock.Now().UTC()
	for _, m := range metrics {
		s.agg.Ingest(domain.TelemetrySample{
			GPUID:             m.UUID,
			Timestamp:         now,
			PowerWatts:        m.PowerWatts,
			TemperatureC:      m.TemperatureC,
			CaptureProxyGrams: m.CaptureProxyGrams,
		})
	}
	return nil
}

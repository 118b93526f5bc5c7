package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

var ErrInvalidConfig = errors.New("invalid telemetry config")

// Config controls sampling cadence, buffer bounds and the environmental
// coefficients. Coefficients are site policy and always come from
// configuration, never constants in code.
type Config struct {
	// SampleInterval is the fixed collection interval; each sample is
	// assumed to represent this much wall time.
	SampleInterval time.Duration
	// BufferSize bounds the per-GPU raw sample buffer. On overflow the
	// oldest sample is dropped and the dropped counter incremented;
	// ingestion itself never blocks or fails.
	BufferSize int
	// CaptureEfficiency scales the raw captured-carbon proxy reading into
	// grams actually captured. Range [0, 1].
	CaptureEfficiency float64
	// CarbonIntensityGPerKWh converts energy into emitted grams of CO2.
	CarbonIntensityGPerKWh float64
}

// DefaultConfig returns the standard telemetry configuration
func DefaultConfig() Config {
	return Config{
		SampleInterval:         60 * time.Second,
		BufferSize:             1024,
		CaptureEfficiency:      0.35,
		CarbonIntensityGPerKWh: 400,
	}
}

// Validate checks the config for impossible values
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return fmt.Errorf("%w: sample interval must be positive", ErrInvalidConfig)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size must be positive", ErrInvalidConfig)
	}
	if c.CaptureEfficiency < 0 || c.CaptureEfficiency > 1 {
		return fmt.Errorf("%w: capture efficiency must be in [0,1]", ErrInvalidConfig)
	}
	if c.CarbonIntensityGPerKWh < 0 {
		return fmt.Errorf("%w: carbon intensity must not be negative", ErrInvalidConfig)
	}
	return nil
}

// AttributionSource resolves which reservation currently holds a GPU. The
// inventory store satisfies this; the read is a consistent snapshot of
// (reservation, status).
type AttributionSource interface {
	ActiveReservation(gpuID string) (reservationID string, status domain.GPUStatus, ok bool)
}

// RecordSink persists aggregated environmental records on flush
type RecordSink interface {
	WriteEnvironmentalRecord(ctx context.Context, rec domain.EnvironmentalRecord) error
}

// Aggregator ingests raw telemetry samples, derives environmental figures,
// and attributes them to the active reservation or the fleet bucket.
// Ingestion is append-only and does not take the reservation lock;
// attribution reads the inventory snapshot at ingest time, so at sub-second
// granularity a sample can land on the adjacent side of a status change.
// It is never attributed twice and never dropped without being counted.
type Aggregator struct {
	cfg     Config
	source  AttributionSource
	sink    RecordSink
	clock   clock.Clock
	metrics *Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	buffers  map[string][]domain.TelemetrySample
	byRes    map[string]*domain.EnvironmentalRecord
	fleet    map[domain.RecordKey]*domain.EnvironmentalRecord
	dropped  uint64
	ingested uint64
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithClock replaces the wall clock, for deterministic tests
func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) {
		a.clock = c
	}
}

// WithLogger sets the event logger
func WithLogger(log zerolog.Logger) Option {
	return func(a *Aggregator) {
		a.log = log
	}
}

// NewAggregator creates an aggregator. sink may be nil when flush
// persistence is not wired (tests); metrics may be nil to skip
// instrumentation.
func NewAggregator(cfg Config, source AttributionSource, sink RecordSink, metrics *Metrics, options ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Aggregator{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		clock:   clock.New(),
		metrics: metrics,
		log:     zerolog.Nop(),
		buffers: make(map[string][]domain.TelemetrySample),
		byRes:   make(map[string]*domain.EnvironmentalRecord),
		fleet:   make(map[domain.RecordKey]*domain.EnvironmentalRecord),
	}
	for _, opt := range options {
		opt(a)
	}
	return a, nil
}

// Ingest appends a sample to the GPU's buffer and attributes its derived
// figures to the active reservation, or to the fleet bucket when the GPU is
// not reserved. Never blocks and never returns an error: overflow drops the
// oldest buffered sample and counts it.
func (a *Aggregator) Ingest(sample domain.TelemetrySample) {
	resID, status, known := a.source.ActiveReservation(sample.GPUID)

	a.mu.Lock()
	defer a.mu.Unlock()

	buf := a.buffers[sample.GPUID]
	if len(buf) >= a.cfg.BufferSize {
		// Drop oldest, keep ingesting.
		copy(buf, buf[1:])
		buf = buf[:len(buf)-1]
		a.dropped++
		if a.metrics != nil {
			a.metrics.SamplesDropped.WithLabelValues(sample.GPUID).Inc()
		}
	}
	a.buffers[sample.GPUID] = append(buf, sample)
	a.ingested++
	if a.metrics != nil {
		a.metrics.SamplesIngested.WithLabelValues(sample.GPUID).Inc()
	}

	rec := a.recordFor(sample, resID, status, known)
	a.apply(rec, sample)
}

// recordFor picks the environmental record a sample belongs to. Samples for
// finalized reservations are redirected to the fleet bucket so a completed
// report never changes.
func (a *Aggregator) recordFor(sample domain.TelemetrySample, resID string, status domain.GPUStatus, known bool) *domain.EnvironmentalRecord {
	if known && status == domain.GPUStatusReserved && resID != "" {
		rec, exists := a.byRes[resID]
		if !exists {
			rec = &domain.EnvironmentalRecord{
				Key: domain.RecordKey{ReservationID: resID, GPUID: sample.GPUID},
			}
			a.byRes[resID] = rec
		}
		if !rec.Final {
			return rec
		}
	}

	key := domain.FleetKey(sample.GPUID, sample.Timestamp)
	rec, exists := a.fleet[key]
	if !exists {
		rec = &domain.EnvironmentalRecord{Key: key}
		a.fleet[key] = rec
	}
	return rec
}

func (a *Aggregator) apply(rec *domain.EnvironmentalRecord, sample domain.TelemetrySample) {
	energyWh := sample.PowerWatts * a.cfg.SampleInterval.Hours()
	rec.EnergyWh += energyWh
	rec.CarbonEmittedG += energyWh / 1000 * a.cfg.CarbonIntensityGPerKWh
	rec.CarbonCapturedG += sample.CaptureProxyGrams * a.cfg.CaptureEfficiency
	rec.SampleCount++
	if rec.FirstSample.IsZero() || sample.Timestamp.Before(rec.FirstSample) {
		rec.FirstSample = sample.Timestamp
	}
	if sample.Timestamp.After(rec.LastSample) {
		rec.LastSample = sample.Timestamp
	}
}

// Finalize closes a reservation's record: later samples attributed to the
// same reservation fall into the fleet bucket instead. Returns the final
// record, or false if the reservation never received a sample.
func (a *Aggregator) Finalize(reservationID string) (domain.EnvironmentalRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.byRes[reservationID]
	if !exists {
		return domain.EnvironmentalRecord{}, false
	}
	rec.Final = true
	return *rec, true
}

// ReservationRecord returns the current record for a reservation
func (a *Aggregator) ReservationRecord(reservationID string) (domain.EnvironmentalRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, exists := a.byRes[reservationID]
	if !exists {
		return domain.EnvironmentalRecord{}, false
	}
	return *rec, true
}

// FleetRecords returns the unattributed fleet buckets for a GPU whose
// bucket hour intersects the window. An empty gpuID matches all GPUs.
func (a *Aggregator) FleetRecords(gpuID string, window domain.Window) []domain.EnvironmentalRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var result []domain.EnvironmentalRecord
	for key, rec := range a.fleet {
		if gpuID != "" && key.GPUID != gpuID {
			continue
		}
		bucket := domain.Window{Start: key.Bucket, End: key.Bucket.Add(time.Hour)}
		if bucket.Overlaps(window) {
			result = append(result, *rec)
		}
	}
	return result
}

// Dropped returns the number of samples dropped by buffer overflow
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

// Buffered returns the number of raw samples currently buffered for a GPU
func (a *Aggregator) Buffered(gpuID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers[gpuID])
}

// Flush persists all environmental records and clears the raw sample
// buffers. Raw samples expire after rollup; aggregates persist. Ingestion
// proceeds concurrently against the records accumulated after the snapshot.
func (a *Aggregator) Flush(ctx context.Context) error {
	if a.sink == nil {
		a.clearBuffers()
		return nil
	}

	a.mu.Lock()
	snapshot := make([]domain.EnvironmentalRecord, 0, len(a.byRes)+len(a.fleet))
	for _, rec := range a.byRes {
		snapshot = append(snapshot, *rec)
	}
	for _, rec := range a.fleet {
		snapshot = append(snapshot, *rec)
	}
	a.buffers = make(map[string][]domain.TelemetrySample)
	a.mu.Unlock()

	var merr *multierror.Error
	for _, rec := range snapshot {
		if err := a.sink.WriteEnvironmentalRecord(ctx, rec); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("failed to flush environmental records: %w", err)
	}

	if a.metrics != nil {
		a.metrics.FlushesTotal.Inc()
	}
	a.log.Debug().Int("records", len(snapshot)).Msg("telemetry flushed")
	return nil
}

func (a *Aggregator) clearBuffers() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[string][]domain.TelemetrySample)
}

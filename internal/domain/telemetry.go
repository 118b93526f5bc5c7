package domain

import "time"

// TelemetrySample is one raw measurement from a GPU, collected on a fixed
// interval. Immutable once recorded.
type TelemetrySample struct {
	GPUID     string    `json:"gpu_id"`
	Timestamp time.Time `json:"timestamp"`

	PowerWatts   float64 `json:"power_watts"`
	TemperatureC uint32  `json:"temperature_c"`

	// CaptureProxyGrams is the raw captured-carbon proxy reading from the
	// facility's capture loop, attributed to this GPU for one interval.
	// The capture-efficiency coefficient is applied at aggregation time.
	CaptureProxyGrams float64 `json:"capture_proxy_grams"`
}

// RecordKey identifies an environmental record: either a reservation, or a
// fleet time-bucket for telemetry not attributable to any reservation.
type RecordKey struct {
	ReservationID string    `json:"reservation_id,omitempty"`
	GPUID         string    `json:"gpu_id,omitempty"`
	Bucket        time.Time `json:"bucket,omitempty"`
}

// IsFleet reports whether the key addresses an unattributed fleet bucket
func (k RecordKey) IsFleet() bool {
	return k.ReservationID == ""
}

// FleetKey returns the bucket key for telemetry on gpuID at time t,
// truncated to the bucket size used for fleet aggregation.
func FleetKey(gpuID string, t time.Time) RecordKey {
	return RecordKey{GPUID: gpuID, Bucket: t.UTC().Truncate(time.Hour)}
}

// EnvironmentalRecord aggregates energy and carbon figures for a reservation
// or fleet bucket. Computed incrementally as samples arrive and finalized
// when the owning reservation completes.
type EnvironmentalRecord struct {
	Key RecordKey `json:"key"`

	EnergyWh        float64 `json:"energy_wh"`
	CarbonEmittedG  float64 `json:"carbon_emitted_g"`
	CarbonCapturedG float64 `json:"carbon_captured_g"`
	SampleCount     int     `json:"sample_count"`

	FirstSample time.Time `json:"first_sample,omitempty"`
	LastSample  time.Time `json:"last_sample,omitempty"`

	// Final marks the record closed: further samples are redirected to the
	// fleet bucket instead of mutating it.
	Final bool `json:"final"`
}

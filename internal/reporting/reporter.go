package reporting

import (
	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/ledger"
	"github.com/verdantcompute/verdant-node/internal/telemetry"
)

// ReservationReport is the environmental rollup for one reservation.
// Provisional reports reflect a snapshot of an in-flight reservation and
// will still change; final reports will not.
type ReservationReport struct {
	Reservation domain.Reservation         `json:"reservation"`
	Record      domain.EnvironmentalRecord `json:"record"`
	Provisional bool                       `json:"provisional"`
}

// GPUTotals aggregates environmental figures for one GPU within a range
type GPUTotals struct {
	EnergyWh        float64 `json:"energy_wh"`
	CarbonEmittedG  float64 `json:"carbon_emitted_g"`
	CarbonCapturedG float64 `json:"carbon_captured_g"`
	SampleCount     int     `json:"sample_count"`
}

// FleetReport sums environmental records across reservations whose window
// intersects the range, plus the unattributed fleet buckets for the range.
// The totals reconcile with the raw telemetry ingested for the same span.
type FleetReport struct {
	Window domain.Window `json:"window"`

	Reservations         int     `json:"reservations"`
	AttributedEnergyWh   float64 `json:"attributed_energy_wh"`
	UnattributedEnergyWh float64 `json:"unattributed_energy_wh"`
	TotalEnergyWh        float64 `json:"total_energy_wh"`
	CarbonEmittedG       float64 `json:"carbon_emitted_g"`
	CarbonCapturedG      float64 `json:"carbon_captured_g"`

	PerGPU map[string]GPUTotals `json:"per_gpu"`
}

// Reporter provides read-only environmental rollups over ledger and
// aggregator state
type Reporter struct {
	ledger *ledger.Ledger
	agg    *telemetry.Aggregator
}

// New creates a Reporter
func New(led *ledger.Ledger, agg *telemetry.Aggregator) *Reporter {
	return &Reporter{ledger: led, agg: agg}
}

// ReservationReport returns the environmental record for a reservation.
// While the reservation is pending or active the report is marked
// provisional; once it reaches a terminal state the record is final.
func (r *Reporter) ReservationReport(id string) (ReservationReport, error) {
	res, err := r.ledger.Get(id)
	if err != nil {
		return ReservationReport{}, err
	}

	rec, ok := r.agg.ReservationRecord(id)
	if !ok {
		rec = domain.EnvironmentalRecord{
			Key: domain.RecordKey{ReservationID: id, GPUID: res.GPUID},
		}
	}

	return ReservationReport{
		Reservation: res,
		Record:      rec,
		Provisional: !res.Status.IsTerminal(),
	}, nil
}

// FleetReport sums per-reservation records for reservations intersecting
// the window, plus the unattributed fleet buckets for that span.
func (r *Reporter) FleetReport(window domain.Window) FleetReport {
	report := FleetReport{
		Window: window,
		PerGPU: make(map[string]GPUTotals),
	}

	for _, res := range r.ledger.List() {
		if !res.Window.Overlaps(window) {
			continue
		}
		rec, ok := r.agg.ReservationRecord(res.ID)
		if !ok {
			continue
		}
		report.Reservations++
		report.AttributedEnergyWh += rec.EnergyWh
		report.CarbonEmittedG += rec.CarbonEmittedG
		report.CarbonCapturedG += rec.CarbonCapturedG
		addTotals(report.PerGPU, res.GPUID, rec)
	}

	for _, rec := range r.agg.FleetRecords("", window) {
		report.UnattributedEnergyWh += rec.EnergyWh
		report.CarbonEmittedG += rec.CarbonEmittedG
		report.CarbonCapturedG += rec.CarbonCapturedG
		addTotals(report.PerGPU, rec.Key.GPUID, rec)
	}

	report.TotalEnergyWh = report.AttributedEnergyWh + report.UnattributedEnergyWh
	return report
}

func addTotals(perGPU map[string]GPUTotals, gpuID string, rec domain.EnvironmentalRecord) {
	totals := perGPU[gpuID]
	totals.EnergyWh += rec.EnergyWh
	totals.CarbonEmittedG += rec.CarbonEmittedG
	totals.CarbonCapturedG += rec.CarbonCapturedG
	totals.SampleCount += rec.SampleCount
	perGPU[gpuID] = totals
}

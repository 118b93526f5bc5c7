package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/verdantcompute/verdant-node/internal/config"
	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/inventory"
	"github.com/verdantcompute/verdant-node/internal/ledger"
	"github.com/verdantcompute/verdant-node/internal/provision"
	"github.com/verdantcompute/verdant-node/internal/reporting"
	"github.com/verdantcompute/verdant-node/internal/scheduler"
	"github.com/verdantcompute/verdant-node/internal/storage"
	"github.com/verdantcompute/verdant-node/internal/telemetry"
)

// Deps holds the external collaborators the manager is built on
type Deps struct {
	Repository  storage.Repository
	Provider    domain.GPUProvider    // nil disables sampling
	Provisioner provision.Provisioner // nil defaults to provision.Noop
	Metrics     *telemetry.Metrics    // nil skips instrumentation
	Clock       clock.Clock           // nil uses the wall clock
	Logger      zerolog.Logger
}

// Manager wires the inventory, ledger, scheduler, telemetry aggregator and
// reporter into one facade, and drives tenant provisioning on reservation
// lifecycle transitions. It is what the API and the main loop talk to.
type Manager struct {
	inv   *inventory.Store
	led   *ledger.Ledger
	sched *scheduler.Scheduler
	agg   *telemetry.Aggregator
	rep   *reporting.Reporter
	smp   *telemetry.Sampler

	repo        storage.Repository
	provisioner provision.Provisioner
	clock       clock.Clock
	log         zerolog.Logger
}

// Initialize builds a Manager from configuration, discovers GPUs from the
// provider, and rehydrates prior state from the repository.
func Initialize(ctx context.Context, cfg config.Config, deps Deps) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if deps.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Provisioner == nil {
		deps.Provisioner = provision.Noop{}
	}

	inv := inventory.NewStore()
	led := ledger.New(ledger.WithClock(deps.Clock))
	sched := scheduler.New(inv, led, deps.Repository,
		scheduler.WithClock(deps.Clock),
		scheduler.WithLogger(deps.Logger),
	)

	agg, err := telemetry.NewAggregator(telemetry.Config{
		SampleInterval:         cfg.SampleInterval,
		BufferSize:             cfg.BufferSize,
		CaptureEfficiency:      cfg.CaptureEfficiency,
		CarbonIntensityGPerKWh: cfg.CarbonIntensityGPerKWh,
	}, inv, deps.Repository, deps.Metrics,
		telemetry.WithClock(deps.Clock),
		telemetry.WithLogger(deps.Logger),
	)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		inv:         inv,
		led:         led,
		sched:       sched,
		agg:         agg,
		rep:         reporting.New(led, agg),
		repo:        deps.Repository,
		provisioner: deps.Provisioner,
		clock:       deps.Clock,
		log:         deps.Logger,
	}

	if deps.Provider != nil {
		m.smp = telemetry.NewSampler(deps.Provider, agg, deps.Clock)
		if err := m.discover(deps.Provider); err != nil {
			return nil, err
		}
	}

	if err := m.hydrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore state: %w", err)
	}

	return m, nil
}

// discover registers the provider's devices in the inventory
func (m *Manager) discover(provider domain.GPUProvider) error {
	specs, err := provider.GetSpecs()
	if err != nil {
		return fmt.Errorf("failed to enumerate gpus: %w", err)
	}
	for _, spec := range specs {
		err := m.inv.Register(domain.GPU{
			ID: spec.UUID,
			Capability: domain.Capability{
				MemoryMB:     spec.MemoryTotal,
				ComputeClass: computeClassFor(spec.Name),
			},
		})
		if err != nil {
			return err
		}
		m.log.Info().
			Str("gpu", spec.UUID).
			Str("name", spec.Name).
			Uint64("memory_mb", spec.MemoryTotal).
			Msg("gpu registered")
	}
	return nil
}

// computeClassFor derives the scheduling compute class from the device name
func computeClassFor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "h100"), strings.Contains(lower, "h200"):
		return "hopper"
	case strings.Contains(lower, "a100"), strings.Contains(lower, "a10"):
		return "ampere"
	case strings.Contains(lower, "l4"), strings.Contains(lower, "rtx 40"), strings.Contains(lower, "ada"):
		return "ada"
	default:
		return "general"
	}
}

// hydrate loads persisted GPUs and reservations back into the in-memory
// stores. Persisted GPU records override discovery for status, so a device
// parked in maintenance stays there across restarts.
func (m *Manager) hydrate(ctx context.Context) error {
	gpus, err := m.repo.ListGPUs(ctx)
	if err != nil {
		return err
	}
	for _, gpu := range gpus {
		if _, err := m.inv.Get(gpu.ID); err == nil {
			if err := m.inv.SetStatus(gpu.ID, gpu.Status); err != nil {
				return err
			}
			if gpu.ActiveReservation != "" {
				if err := m.inv.Assign(gpu.ID, gpu.ActiveReservation); err != nil {
					return err
				}
			}
			continue
		}
		if err := m.inv.Register(gpu); err != nil {
			return err
		}
	}

	reservations, err := m.repo.ListReservations(ctx)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		m.led.Restore(res)
	}

	if len(gpus) > 0 || len(reservations) > 0 {
		m.log.Info().
			Int("gpus", len(gpus)).
			Int("reservations", len(reservations)).
			Msg("state restored from repository")
	}
	return nil
}

// RegisterGPU adds a GPU to the inventory and persists it
func (m *Manager) RegisterGPU(ctx context.Context, gpu domain.GPU) error {
	if err := m.inv.Register(gpu); err != nil {
		return err
	}
	stored, err := m.inv.Get(gpu.ID)
	if err != nil {
		return err
	}
	return m.repo.InTx(ctx, func(tx storage.Tx) error {
		return tx.WriteGPU(ctx, stored)
	})
}

// SetGPUStatus changes a GPU's status and persists the change. Moving a
// reserved GPU into maintenance is rejected.
func (m *Manager) SetGPUStatus(ctx context.Context, gpuID string, status domain.GPUStatus) error {
	if err := m.inv.SetStatus(gpuID, status); err != nil {
		return err
	}
	gpu, err := m.inv.Get(gpuID)
	if err != nil {
		return err
	}
	return m.repo.InTx(ctx, func(tx storage.Tx) error {
		return tx.WriteGPU(ctx, gpu)
	})
}

// ListAvailable returns available GPUs matching the capability filter
func (m *Manager) ListAvailable(filter domain.Capability) []domain.GPU {
	return m.inv.ListAvailable(filter)
}

// ListGPUs returns every GPU in the inventory
func (m *Manager) ListGPUs() []domain.GPU {
	return m.inv.List()
}

// Snapshot returns per-compute-class fleet capacity counts
func (m *Manager) Snapshot() inventory.CapacitySnapshot {
	return m.inv.Snapshot()
}

// Reserve books a GPU for the window. If the reservation activates
// immediately, tenant access is provisioned before returning; provisioning
// failures are logged but do not fail the reservation.
func (m *Manager) Reserve(ctx context.Context, gpuID, requester string, window domain.Window) (domain.Reservation, *provision.AccessInfo, error) {
	res, err := m.sched.Reserve(ctx, gpuID, requester, window)
	if err != nil {
		return domain.Reservation{}, nil, err
	}

	var access *provision.AccessInfo
	if res.Status == domain.ReservationActive {
		access = m.provisionFor(ctx, res)
	}
	return res, access, nil
}

// GetReservation returns the reservation record
func (m *Manager) GetReservation(id string) (domain.Reservation, error) {
	return m.led.Get(id)
}

// ListReservations returns reservations for one GPU, or all when gpuID is
// empty
func (m *Manager) ListReservations(gpuID string) []domain.Reservation {
	if gpuID == "" {
		return m.led.List()
	}
	return m.led.ByGPU(gpuID)
}

// Release completes a reservation early and finalizes its environmental
// record. A due successor takes over the GPU and gets provisioned.
func (m *Manager) Release(ctx context.Context, reservationID string) (domain.Reservation, error) {
	result, err := m.sched.Release(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	m.finished(ctx, result.Reservation)
	if result.Successor != nil {
		m.provisionFor(ctx, *result.Successor)
	}
	return result.Reservation, nil
}

// Cancel cancels a pending or active reservation
func (m *Manager) Cancel(ctx context.Context, reservationID string) (domain.Reservation, error) {
	result, err := m.sched.Cancel(ctx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	m.finished(ctx, result.Reservation)
	if result.Successor != nil {
		m.provisionFor(ctx, *result.Successor)
	}
	return result.Reservation, nil
}

// Tick advances time-based reservation transitions and drives provisioning
// for the resulting activations and teardowns
func (m *Manager) Tick(ctx context.Context, now time.Time) (scheduler.TickResult, error) {
	result, err := m.sched.Tick(ctx, now)
	for _, res := range result.Completed {
		m.finished(ctx, res)
	}
	for _, res := range result.Activated {
		m.provisionFor(ctx, res)
	}
	return result, err
}

// finished finalizes the environmental record and tears down tenant access
// for a reservation that reached a terminal state
func (m *Manager) finished(ctx context.Context, res domain.Reservation) {
	if rec, ok := m.agg.Finalize(res.ID); ok {
		m.log.Debug().
			Str("reservation", res.ID).
			Float64("energy_wh", rec.EnergyWh).
			Msg("environmental record finalized")
	}
	if err := m.provisioner.Teardown(ctx, res.ID); err != nil {
		m.log.Warn().Err(err).Str("reservation", res.ID).Msg("teardown failed")
	}
}

// provisionFor sets up tenant access for a newly active reservation.
// Provisioning is best-effort: the reservation stands even when access setup
// fails, and the failure is surfaced through logs.
func (m *Manager) provisionFor(ctx context.Context, res domain.Reservation) *provision.AccessInfo {
	access, err := m.provisioner.Provision(ctx, res)
	if err != nil {
		m.log.Error().Err(err).Str("reservation", res.ID).Msg("provisioning failed")
		return nil
	}
	return access
}

// Ingest feeds one telemetry sample into the aggregator
func (m *Manager) Ingest(sample domain.TelemetrySample) {
	m.agg.Ingest(sample)
}

// Sample collects one round of metrics from the GPU provider. No-op when no
// provider is wired.
func (m *Manager) Sample() error {
	if m.smp == nil {
		return nil
	}
	return m.smp.Sample()
}

// Flush persists aggregated environmental records and expires raw samples
func (m *Manager) Flush(ctx context.Context) error {
	return m.agg.Flush(ctx)
}

// ReservationReport returns the environmental rollup for one reservation
func (m *Manager) ReservationReport(id string) (reporting.ReservationReport, error) {
	return m.rep.ReservationReport(id)
}

// FleetReport returns the fleet-wide environmental rollup for a time range
func (m *Manager) FleetReport(window domain.Window) reporting.FleetReport {
	return m.rep.FleetReport(window)
}

// Close releases the repository connection
func (m *Manager) Close() error {
	return m.repo.Close()
}

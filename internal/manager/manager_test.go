package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantcompute/verdant-node/internal/adapters/nvml"
	"github.com/verdantcompute/verdant-node/internal/config"
	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/provision"
	"github.com/verdantcompute/verdant-node/internal/storage"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// trackingProvisioner records lifecycle calls
type trackingProvisioner struct {
	mu          sync.Mutex
	provisioned []string
	tornDown    []string
}

func (p *trackingProvisioner) Provision(_ context.Context, res domain.Reservation) (*provision.AccessInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioned = append(p.provisioned, res.ID)
	return &provision.AccessInfo{Host: "node.example.com", Port: 40000}, nil
}

func (p *trackingProvisioner) Teardown(_ context.Context, reservationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tornDown = append(p.tornDown, reservationID)
	return nil
}

type fixture struct {
	mgr   *Manager
	repo  *storage.MemoryRepository
	prov  *trackingProvisioner
	clock *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(baseTime)

	repo := storage.NewMemoryRepository()
	prov := &trackingProvisioner{}

	provider := nvml.NewMockGPUProvider(nil, []domain.GPUSpec{
		{UUID: "gpu-1", Name: "NVIDIA H100", MemoryTotal: 81920},
		{UUID: "gpu-2", Name: "NVIDIA RTX 4090", MemoryTotal: 24576},
	})

	mgr, err := Initialize(context.Background(), config.Default(), Deps{
		Repository:  repo,
		Provider:    provider,
		Provisioner: prov,
		Clock:       mock,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	return &fixture{mgr: mgr, repo: repo, prov: prov, clock: mock}
}

func window(start time.Time, d time.Duration) domain.Window {
	return domain.Window{Start: start, End: start.Add(d)}
}

func TestInitialize_DiscoversProviderDevices(t *testing.T) {
	f := newFixture(t)

	gpus := f.mgr.ListGPUs()
	require.Len(t, gpus, 2)
	assert.Equal(t, "gpu-1", gpus[0].ID)
	assert.Equal(t, "hopper", gpus[0].Capability.ComputeClass)
	assert.Equal(t, uint64(81920), gpus[0].Capability.MemoryMB)
	assert.Equal(t, "ada", gpus[1].Capability.ComputeClass)
}

func TestReserve_ImmediateProvisioning(t *testing.T) {
	f := newFixture(t)

	res, access, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationActive, res.Status)
	require.NotNil(t, access)
	assert.Equal(t, []string{res.ID}, f.prov.provisioned)
}

func TestReserve_PendingNotProvisioned(t *testing.T) {
	f := newFixture(t)

	res, access, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationPending, res.Status)
	assert.Nil(t, access)
	assert.Empty(t, f.prov.provisioned)
}

func TestRelease_FinalizesAndTearsDown(t *testing.T) {
	f := newFixture(t)

	res, _, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	f.mgr.Ingest(domain.TelemetrySample{
		GPUID:      "gpu-1",
		Timestamp:  baseTime,
		PowerWatts: 300,
	})

	released, err := f.mgr.Release(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCompleted, released.Status)
	assert.Equal(t, []string{res.ID}, f.prov.tornDown)

	report, err := f.mgr.ReservationReport(res.ID)
	require.NoError(t, err)
	assert.False(t, report.Provisional)
	assert.True(t, report.Record.Final)
}

func TestTick_DrivesProvisionerOnHandoff(t *testing.T) {
	f := newFixture(t)

	first, _, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	second, _, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(2 * time.Hour))
	result, err := f.mgr.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)

	require.Len(t, result.Completed, 1)
	require.Len(t, result.Activated, 1)
	assert.Equal(t, []string{first.ID}, f.prov.tornDown)
	assert.Equal(t, []string{first.ID, second.ID}, f.prov.provisioned)
}

func TestHydrate_RestoresStateAcrossRestart(t *testing.T) {
	f := newFixture(t)

	res, _, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	// A second manager over the same repository sees the prior state
	provider := nvml.NewMockGPUProvider(nil, []domain.GPUSpec{
		{UUID: "gpu-1", Name: "NVIDIA H100", MemoryTotal: 81920},
		{UUID: "gpu-2", Name: "NVIDIA RTX 4090", MemoryTotal: 24576},
	})
	mgr2, err := Initialize(context.Background(), config.Default(), Deps{
		Repository: f.repo,
		Provider:   provider,
		Clock:      f.clock,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)

	restored, err := mgr2.GetReservation(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, restored.Status)

	gpus := mgr2.ListAvailable(domain.Capability{})
	require.Len(t, gpus, 1)
	assert.Equal(t, "gpu-2", gpus[0].ID)

	// The held GPU still rejects overlapping requests after restart
	_, _, err = mgr2.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime, 2*time.Hour))
	require.Error(t, err)
}

func TestSetGPUStatus_PersistsMaintenance(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.mgr.SetGPUStatus(context.Background(), "gpu-2", domain.GPUStatusMaintenance))

	snap := f.mgr.Snapshot()
	assert.Equal(t, 1, snap.Maintenance["ada"])

	gpus, err := f.repo.ListGPUs(context.Background())
	require.NoError(t, err)
	var found bool
	for _, gpu := range gpus {
		if gpu.ID == "gpu-2" {
			found = true
			assert.Equal(t, domain.GPUStatusMaintenance, gpu.Status)
		}
	}
	assert.True(t, found)
}

func TestFlush_PersistsEnvironmentalRecords(t *testing.T) {
	f := newFixture(t)

	res, _, err := f.mgr.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	f.mgr.Ingest(domain.TelemetrySample{GPUID: "gpu-1", Timestamp: baseTime, PowerWatts: 300})
	require.NoError(t, f.mgr.Flush(context.Background()))

	records := f.repo.EnvironmentalRecords()
	require.Len(t, records, 1)
	assert.Equal(t, res.ID, records[0].Key.ReservationID)
}

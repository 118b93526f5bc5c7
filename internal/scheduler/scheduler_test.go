package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/inventory"
	"github.com/verdantcompute/verdant-node/internal/ledger"
	"github.com/verdantcompute/verdant-node/internal/storage"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// failingRepo wraps a repository and fails every transaction on demand
type failingRepo struct {
	storage.Repository
	fail bool
}

func (f *failingRepo) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	if f.fail {
		return errors.New("connection refused")
	}
	return f.Repository.InTx(ctx, fn)
}

type fixture struct {
	inv   *inventory.Store
	led   *ledger.Ledger
	repo  *failingRepo
	clock *clock.Mock
	sched *Scheduler
}

func newFixture(t *testing.T, gpuIDs ...string) *fixture {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(baseTime)

	inv := inventory.NewStore()
	for _, id := range gpuIDs {
		require.NoError(t, inv.Register(domain.GPU{
			ID:         id,
			Capability: domain.Capability{MemoryMB: 24576, ComputeClass: "ada"},
		}))
	}

	led := ledger.New(ledger.WithClock(mock))
	repo := &failingRepo{Repository: storage.NewMemoryRepository()}
	return &fixture{
		inv:   inv,
		led:   led,
		repo:  repo,
		clock: mock,
		sched: New(inv, led, repo, WithClock(mock)),
	}
}

func window(start time.Time, d time.Duration) domain.Window {
	return domain.Window{Start: start, End: start.Add(d)}
}

func TestReserve_ImmediateActivation(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationActive, res.Status)
	require.NotNil(t, res.ActivatedAt)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusReserved, gpu.Status)
	assert.Equal(t, res.ID, gpu.ActiveReservation)
}

func TestReserve_FutureWindowStaysPending(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationPending, res.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)
}

func TestReserve_UnknownGPU(t *testing.T) {
	f := newFixture(t, "gpu-1")

	_, err := f.sched.Reserve(context.Background(), "gpu-9", "team-a", window(baseTime, 2*time.Hour))
	assert.ErrorIs(t, err, inventory.ErrNotFound)
}

func TestReserve_MaintenanceConflicts(t *testing.T) {
	f := newFixture(t, "gpu-1")
	require.NoError(t, f.inv.SetStatus("gpu-1", domain.GPUStatusMaintenance))

	_, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReserve_OverlapConflictLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t, "gpu-1")

	first, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	// [11:00, 13:00) overlaps [10:00, 12:00)
	_, err = f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(time.Hour), 2*time.Hour))
	assert.ErrorIs(t, err, ErrConflict)

	// Nothing was recorded for the rejected request
	assert.Len(t, f.led.List(), 1)
	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, gpu.ActiveReservation)
}

func TestReserve_BackToBackWindowsAllowed(t *testing.T) {
	f := newFixture(t, "gpu-1")

	_, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	// [12:00, 13:00) shares only the boundary instant; half-open windows
	// make this conflict-free
	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, res.Status)
}

func TestReserve_StorageFailureRollsBack(t *testing.T) {
	f := newFixture(t, "gpu-1")
	f.repo.fail = true

	_, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.Error(t, err)

	// No reservation recorded, GPU untouched
	assert.Empty(t, f.led.List())
	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)
	assert.Empty(t, gpu.ActiveReservation)
}

func TestRelease_ReturnsGPUToPool(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	f.clock.Add(time.Hour)
	result, err := f.sched.Release(context.Background(), res.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.ReservationCompleted, result.Reservation.Status)
	assert.Nil(t, result.Successor)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)
	assert.Empty(t, gpu.ActiveReservation)
}

func TestRelease_ActivatesDueSuccessor(t *testing.T) {
	f := newFixture(t, "gpu-1")

	first, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	second, err := f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	// Advance into the successor's window, then release the first early
	f.clock.Add(2*time.Hour + time.Minute)
	result, err := f.sched.Release(context.Background(), first.ID)
	require.NoError(t, err)

	require.NotNil(t, result.Successor)
	assert.Equal(t, second.ID, result.Successor.ID)
	assert.Equal(t, domain.ReservationActive, result.Successor.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusReserved, gpu.Status)
	assert.Equal(t, second.ID, gpu.ActiveReservation)
}

func TestRelease_SuccessorNotDueStaysPending(t *testing.T) {
	f := newFixture(t, "gpu-1")

	first, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	second, err := f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	// Release mid-window; the successor's start has not arrived
	f.clock.Add(time.Hour)
	result, err := f.sched.Release(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Nil(t, result.Successor)

	got, err := f.led.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)
}

func TestCancel_PendingNeverActivates(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)

	result, err := f.sched.Cancel(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, result.Reservation.Status)

	// Ticking past the start must not resurrect it
	f.clock.Add(2 * time.Hour)
	tick, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, tick.Activated)
}

func TestCancel_Twice(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	_, err = f.sched.Cancel(context.Background(), res.ID)
	require.NoError(t, err)

	_, err = f.sched.Cancel(context.Background(), res.ID)
	var invalid ledger.ErrInvalidTransition
	assert.True(t, errors.As(err, &invalid))
}

func TestCancel_NotFound(t *testing.T) {
	f := newFixture(t, "gpu-1")
	_, err := f.sched.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRelease_StorageFailureLeavesActive(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	f.repo.fail = true
	_, err = f.sched.Release(context.Background(), res.ID)
	require.Error(t, err)

	// The reservation is still active and the GPU still held
	got, err := f.led.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, got.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusReserved, gpu.Status)
	assert.Equal(t, res.ID, gpu.ActiveReservation)
}

func TestTick_CompletesOverrunAndActivatesSuccessor(t *testing.T) {
	f := newFixture(t, "gpu-1")

	first, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	second, err := f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	// At 12:00 the first window has elapsed and the second is due; a single
	// tick hands the GPU over
	f.clock.Set(baseTime.Add(2 * time.Hour))
	result, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)

	require.Len(t, result.Completed, 1)
	assert.Equal(t, first.ID, result.Completed[0].ID)
	require.Len(t, result.Activated, 1)
	assert.Equal(t, second.ID, result.Activated[0].ID)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, gpu.ActiveReservation)
}

func TestTick_PendingWaitsForHeldGPU(t *testing.T) {
	f := newFixture(t, "gpu-1")

	// Active until 12:00, successor due at 11:00. The successor must wait.
	first, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	second, err := f.sched.Reserve(context.Background(), "gpu-1", "team-b", window(baseTime.Add(2*time.Hour), time.Hour))
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(90 * time.Minute))
	result, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, result.Completed)
	assert.Empty(t, result.Activated)

	got, err := f.led.Get(first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, got.Status)
	got, err = f.led.Get(second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.Status)
}

func TestTick_SkipsMaintenanceGPU(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.inv.SetStatus("gpu-1", domain.GPUStatusMaintenance))

	f.clock.Set(baseTime.Add(time.Hour))
	result, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, result.Activated)

	got, err := f.led.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.Status)
}

func TestTick_IsIdempotent(t *testing.T) {
	f := newFixture(t, "gpu-1")

	_, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)

	f.clock.Set(baseTime.Add(3 * time.Hour))
	first, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	require.Len(t, first.Completed, 1)

	// The same instant again produces no further transitions
	second, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, second.Completed)
	assert.Empty(t, second.Activated)
}

func TestTick_StorageFailureKeepsPending(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)

	f.repo.fail = true
	f.clock.Set(baseTime.Add(time.Hour))
	_, err = f.sched.Tick(context.Background(), f.clock.Now())
	require.Error(t, err)

	got, err := f.led.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, got.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)

	// Next tick retries and succeeds once storage recovers
	f.repo.fail = false
	result, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	require.Len(t, result.Activated, 1)
	assert.Equal(t, res.ID, result.Activated[0].ID)
}

func TestReserve_ConcurrentRequestsSingleWinner(t *testing.T) {
	f := newFixture(t, "gpu-1")

	const callers = 16
	w := window(baseTime, 2*time.Hour)

	var wg sync.WaitGroup
	results := make([]domain.Reservation, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.sched.Reserve(context.Background(), "gpu-1", fmt.Sprintf("team-%d", i), w)
		}(i)
	}
	wg.Wait()

	// Exactly one caller commits; every other observes the conflict
	var winners []domain.Reservation
	for i := range errs {
		if errs[i] == nil {
			winners = append(winners, results[i])
			continue
		}
		assert.ErrorIs(t, errs[i], ErrConflict)
	}
	require.Len(t, winners, 1)
	assert.Equal(t, domain.ReservationActive, winners[0].Status)

	assert.Len(t, f.led.List(), 1)
	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusReserved, gpu.Status)
	assert.Equal(t, winners[0].ID, gpu.ActiveReservation)
}

func TestReserve_ConcurrentAcrossGPUsAllCommit(t *testing.T) {
	f := newFixture(t, "gpu-1", "gpu-2", "gpu-3", "gpu-4")
	w := window(baseTime, 2*time.Hour)

	gpuIDs := []string{"gpu-1", "gpu-2", "gpu-3", "gpu-4"}
	var wg sync.WaitGroup
	errs := make([]error, len(gpuIDs))
	for i, id := range gpuIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.sched.Reserve(context.Background(), id, "team-a", w)
		}(i, id)
	}
	wg.Wait()

	for i := range errs {
		assert.NoError(t, errs[i])
	}
	assert.Len(t, f.led.List(), len(gpuIDs))
}

func TestCancel_ConcurrentWithTick(t *testing.T) {
	f := newFixture(t, "gpu-1")

	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime.Add(time.Hour), 2*time.Hour))
	require.NoError(t, err)

	// The tick races the cancellation at the start of the window. Whichever
	// order the per-GPU lock serializes them into, the reservation ends
	// cancelled and the GPU free.
	f.clock.Set(baseTime.Add(time.Hour))

	var wg sync.WaitGroup
	wg.Add(2)
	var cancelErr error
	go func() {
		defer wg.Done()
		_, cancelErr = f.sched.Cancel(context.Background(), res.ID)
	}()
	go func() {
		defer wg.Done()
		_, _ = f.sched.Tick(context.Background(), f.clock.Now())
	}()
	wg.Wait()

	require.NoError(t, cancelErr)
	got, err := f.led.Get(res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationCancelled, got.Status)

	gpu, err := f.inv.Get("gpu-1")
	require.NoError(t, err)
	assert.Equal(t, domain.GPUStatusAvailable, gpu.Status)
	assert.Empty(t, gpu.ActiveReservation)

	// Once Cancel has returned, no later tick activates the reservation
	tick, err := f.sched.Tick(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, tick.Activated)
}

func TestReserve_RetryAfterStorageFailure(t *testing.T) {
	f := newFixture(t, "gpu-1")

	f.repo.fail = true
	_, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.Error(t, err)
	assert.Empty(t, f.led.List())

	// The failed attempt left no orphan booking behind; the identical window
	// commits once storage recovers
	f.repo.fail = false
	res, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", window(baseTime, 2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationActive, res.Status)
	assert.Len(t, f.led.List(), 1)
}

func TestIndependentGPUs(t *testing.T) {
	f := newFixture(t, "gpu-1", "gpu-2")

	w := window(baseTime, 2*time.Hour)
	a, err := f.sched.Reserve(context.Background(), "gpu-1", "team-a", w)
	require.NoError(t, err)
	b, err := f.sched.Reserve(context.Background(), "gpu-2", "team-b", w)
	require.NoError(t, err)

	// Identical windows on different GPUs never conflict
	assert.Equal(t, domain.ReservationActive, a.Status)
	assert.Equal(t, domain.ReservationActive, b.Status)
}

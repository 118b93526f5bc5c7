package scheduler

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
	"github.com/verdantcompute/verdant-node/internal/inventory"
	"github.com/verdantcompute/verdant-node/internal/ledger"
	"github.com/verdantcompute/verdant-node/internal/storage"
)

// ErrConflict is returned when a requested window overlaps an existing
// pending/active reservation, or the GPU is otherwise unavailable for
// allocation. Callers retry with a different window or GPU; the scheduler
// never queues implicitly.
var ErrConflict = errors.New("reservation conflict")

// Scheduler arbitrates reservation requests against inventory and ledger
// state and performs the atomic state transitions spanning both. All
// mutations affecting a single GPU are serialized through a per-GPU lock
// held across the check-then-commit sequence; operations on distinct GPUs
// proceed in parallel.
type Scheduler struct {
	inv    *inventory.Store
	ledger *ledger.Ledger
	repo   storage.Repository
	clock  clock.Clock
	log    zerolog.Logger

	mu       sync.Mutex
	gpuLocks map[string]*sync.Mutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, for deterministic tests
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the event logger
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.log = log
	}
}

// New creates a Scheduler over the given inventory, ledger and repository
func New(inv *inventory.Store, led *ledger.Ledger, repo storage.Repository, options ...Option) *Scheduler {
	s := &Scheduler{
		inv:      inv,
		ledger:   led,
		repo:     repo,
		clock:    clock.New(),
		log:      zerolog.Nop(),
		gpuLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// lockFor returns the mutex serializing all mutations for one GPU
func (s *Scheduler) lockFor(gpuID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.gpuLocks[gpuID]
	if !exists {
		lock = &sync.Mutex{}
		s.gpuLocks[gpuID] = lock
	}
	return lock
}

// Reserve validates the window, checks the GPU and existing bookings under
// the per-GPU lock, and commits the new reservation. If the GPU is
// available and the window has already started the reservation is created
// directly in active state and the GPU marked reserved; otherwise it is
// created pending.
func (s *Scheduler) Reserve(ctx context.Context, gpuID, requester string, window domain.Window) (domain.Reservation, error) {
	if err := ledger.ValidateWindow(window); err != nil {
		return domain.Reservation{}, err
	}

	lock := s.lockFor(gpuID)
	lock.Lock()
	defer lock.Unlock()

	gpu, err := s.inv.Get(gpuID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if gpu.Status == domain.GPUStatusMaintenance {
		return domain.Reservation{}, fmt.Errorf("%w: gpu %s is in maintenance", ErrConflict, gpuID)
	}

	if overlapping := s.ledger.FindOverlapping(gpuID, window); len(overlapping) > 0 {
		return domain.Reservation{}, fmt.Errorf("%w: window overlaps reservation %s", ErrConflict, overlapping[0].ID)
	}

	res, err := s.ledger.Create(ledger.CreateRequest{
		Requester: requester,
		GPUID:     gpuID,
		Window:    window,
	})
	if err != nil {
		return domain.Reservation{}, err
	}

	now := s.clock.Now().UTC()
	immediate := gpu.Status == domain.GPUStatusAvailable && !window.Start.After(now)
	if immediate {
		activated, err := s.ledger.Transition(res.ID, domain.ReservationActive)
		if err != nil {
			s.ledger.Discard(res.ID)
			return domain.Reservation{}, err
		}
		res = activated
		gpu.Status = domain.GPUStatusReserved
		gpu.ActiveReservation = res.ID
	}

	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.WriteReservation(ctx, res); err != nil {
			return err
		}
		if immediate {
			return tx.WriteGPU(ctx, gpu)
		}
		return nil
	})
	if err != nil {
		s.ledger.Discard(res.ID)
		return domain.Reservation{}, err
	}

	if immediate {
		if err := s.inv.Assign(gpuID, res.ID); err != nil {
			return domain.Reservation{}, err
		}
	}

	s.log.Info().
		Str("reservation", res.ID).
		Str("gpu", gpuID).
		Str("status", string(res.Status)).
		Time("start", window.Start).
		Time("end", window.End).
		Msg("reservation created")
	return res, nil
}

// HandoffResult reports the outcome of a release or cancellation: the
// terminal reservation and, when another booking immediately took over the
// GPU, the successor that was activated in its place.
type HandoffResult struct {
	Reservation domain.Reservation
	Successor   *domain.Reservation
}

// Release completes a reservation before or at its end time and hands the
// GPU to an immediate successor if one is due, otherwise returns the GPU to
// the available pool.
func (s *Scheduler) Release(ctx context.Context, reservationID string) (HandoffResult, error) {
	return s.finish(ctx, reservationID, domain.ReservationCompleted)
}

// Cancel cancels a pending or active reservation. Once Cancel returns the
// reservation is guaranteed out of {pending, active} and will not be
// subsequently activated.
func (s *Scheduler) Cancel(ctx context.Context, reservationID string) (HandoffResult, error) {
	return s.finish(ctx, reservationID, domain.ReservationCancelled)
}

func (s *Scheduler) finish(ctx context.Context, reservationID string, terminal domain.ReservationStatus) (HandoffResult, error) {
	probe, err := s.ledger.Get(reservationID)
	if err != nil {
		return HandoffResult{}, err
	}

	lock := s.lockFor(probe.GPUID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a concurrent call may have finished it first.
	orig, err := s.ledger.Get(reservationID)
	if err != nil {
		return HandoffResult{}, err
	}
	wasActive := orig.Status == domain.ReservationActive

	res, err := s.ledger.Transition(reservationID, terminal)
	if err != nil {
		return HandoffResult{}, err
	}

	gpu, err := s.inv.Get(orig.GPUID)
	if err != nil {
		s.ledger.Restore(orig)
		return HandoffResult{}, err
	}

	var succOrig *domain.Reservation
	var successor *domain.Reservation
	if wasActive {
		now := s.clock.Now().UTC()
		if cand, ok := s.dueSuccessor(orig.GPUID, now); ok {
			activated, err := s.ledger.Transition(cand.ID, domain.ReservationActive)
			if err != nil {
				s.ledger.Restore(orig)
				return HandoffResult{}, err
			}
			succOrig = &cand
			successor = &activated
		}

		if successor != nil {
			gpu.Status = domain.GPUStatusReserved
			gpu.ActiveReservation = successor.ID
		} else {
			gpu.Status = domain.GPUStatusAvailable
			gpu.ActiveReservation = ""
		}
	}

	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.WriteReservation(ctx, res); err != nil {
			return err
		}
		if successor != nil {
			if err := tx.WriteReservation(ctx, *successor); err != nil {
				return err
			}
		}
		if wasActive {
			return tx.WriteGPU(ctx, gpu)
		}
		return nil
	})
	if err != nil {
		s.ledger.Restore(orig)
		if succOrig != nil {
			s.ledger.Restore(*succOrig)
		}
		return HandoffResult{}, err
	}

	if wasActive {
		if successor != nil {
			if err := s.inv.Assign(orig.GPUID, successor.ID); err != nil {
				return HandoffResult{}, err
			}
		} else {
			if err := s.inv.Release(orig.GPUID); err != nil {
				return HandoffResult{}, err
			}
		}
	}

	event := s.log.Info().
		Str("reservation", res.ID).
		Str("gpu", res.GPUID).
		Str("status", string(terminal))
	if successor != nil {
		event = event.Str("successor", successor.ID)
	}
	event.Msg("reservation finished")

	return HandoffResult{Reservation: res, Successor: successor}, nil
}

// dueSuccessor finds a pending reservation whose window covers the current
// instant. By the ledger's non-overlap invariant there is at most one.
func (s *Scheduler) dueSuccessor(gpuID string, now time.Time) (domain.Reservation, bool) {
	instant := domain.Window{Start: now, End: now.Add(time.Nanosecond)}
	for _, res := range s.ledger.FindOverlapping(gpuID, instant) {
		if res.Status == domain.ReservationPending {
			return res, true
		}
	}
	return domain.Reservation{}, false
}

// TickResult reports the state transitions performed by one tick
type TickResult struct {
	Activated []domain.Reservation
	Completed []domain.Reservation
}

// Tick drives time-based transitions as a pure function of now and current
// state: it first completes active reservations whose end time has passed,
// then activates, per GPU, the earliest pending reservation whose start has
// arrived. A pending reservation whose GPU is still held stays pending and
// is re-evaluated on the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	now = now.UTC()
	var result TickResult
	var merr *multierror.Error

	for _, gpu := range s.inv.List() {
		completed, activated, err := s.tickGPU(ctx, gpu.ID, now)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("gpu %s: %w", gpu.ID, err))
			continue
		}
		if completed != nil {
			result.Completed = append(result.Completed, *completed)
		}
		if activated != nil {
			result.Activated = append(result.Activated, *activated)
		}
	}

	return result, merr.ErrorOrNil()
}

func (s *Scheduler) tickGPU(ctx context.Context, gpuID string, now time.Time) (completed, activated *domain.Reservation, err error) {
	lock := s.lockFor(gpuID)
	lock.Lock()
	defer lock.Unlock()

	gpu, err := s.inv.Get(gpuID)
	if err != nil {
		return nil, nil, err
	}

	// Complete an overrun active reservation first so its successor can be
	// activated within the same tick.
	if gpu.ActiveReservation != "" {
		res, err := s.ledger.Get(gpu.ActiveReservation)
		if err == nil && res.Status == domain.ReservationActive && !res.Window.End.After(now) {
			done, err := s.completeLocked(ctx, res, gpu)
			if err != nil {
				return nil, nil, err
			}
			completed = &done
			gpu, err = s.inv.Get(gpuID)
			if err != nil {
				return completed, nil, err
			}
		}
	}

	if gpu.Status != domain.GPUStatusAvailable {
		return completed, nil, nil
	}

	pending, ok := s.ledger.EarliestDuePending(gpuID, now)
	if !ok {
		return completed, nil, nil
	}

	res, err := s.ledger.Transition(pending.ID, domain.ReservationActive)
	if err != nil {
		return completed, nil, err
	}

	gpu.Status = domain.GPUStatusReserved
	gpu.ActiveReservation = res.ID

	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.WriteReservation(ctx, res); err != nil {
			return err
		}
		return tx.WriteGPU(ctx, gpu)
	})
	if err != nil {
		s.ledger.Restore(pending)
		return completed, nil, err
	}

	if err := s.inv.Assign(gpuID, res.ID); err != nil {
		return completed, nil, err
	}

	s.log.Info().
		Str("reservation", res.ID).
		Str("gpu", gpuID).
		Msg("pending reservation activated")
	return completed, &res, nil
}

// completeLocked finishes an overrun active reservation. Caller holds the
// per-GPU lock.
func (s *Scheduler) completeLocked(ctx context.Context, orig domain.Reservation, gpu domain.GPU) (domain.Reservation, error) {
	res, err := s.ledger.Transition(orig.ID, domain.ReservationCompleted)
	if err != nil {
		return domain.Reservation{}, err
	}

	gpu.Status = domain.GPUStatusAvailable
	gpu.ActiveReservation = ""

	err = s.repo.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.WriteReservation(ctx, res); err != nil {
			return err
		}
		return tx.WriteGPU(ctx, gpu)
	})
	if err != nil {
		s.ledger.Restore(orig)
		return domain.Reservation{}, err
	}

	if err := s.inv.Release(gpu.ID); err != nil {
		return domain.Reservation{}, err
	}

	s.log.Info().
		Str("reservation", res.ID).
		Str("gpu", gpu.ID).
		Msg("reservation auto-completed at end of window")
	return res, nil
}

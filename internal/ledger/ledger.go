package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

// Duration bounds enforced at creation time
const (
	MinDuration = time.Hour
	MaxDuration = 168 * time.Hour
)

// transitions is the exhaustive reservation state machine. Terminal states
// have no outgoing edges.
var transitions = map[domain.ReservationStatus][]domain.ReservationStatus{
	domain.ReservationPending: {domain.ReservationActive, domain.ReservationCancelled},
	domain.ReservationActive:  {domain.ReservationCompleted, domain.ReservationCancelled},
}

func transitionAllowed(from, to domain.ReservationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// CreateRequest carries the parameters for a new reservation
type CreateRequest struct {
	Requester string
	GPUID     string
	Window    domain.Window
}

// Ledger tracks reservation records and their lifecycle state. It is a pure
// bookkeeping layer: it validates durations and transitions but does not
// check GPU availability, which is the scheduler's job.
type Ledger struct {
	mu           sync.RWMutex
	reservations map[string]*domain.Reservation
	byGPU        map[string][]string
	clock        clock.Clock
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock replaces the wall clock, for deterministic tests
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// New creates an empty ledger
func New(options ...Option) *Ledger {
	l := &Ledger{
		reservations: make(map[string]*domain.Reservation),
		byGPU:        make(map[string][]string),
		clock:        clock.New(),
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// ValidateWindow checks the duration bounds. Bounds are inclusive: exactly
// MinDuration and exactly MaxDuration are both accepted.
func ValidateWindow(w domain.Window) error {
	if !w.End.After(w.Start) {
		return NewErrInvalidDuration(w, "end must be after start")
	}
	if d := w.Duration(); d < MinDuration {
		return NewErrInvalidDuration(w, fmt.Sprintf("below minimum %s", MinDuration))
	} else if d > MaxDuration {
		return NewErrInvalidDuration(w, fmt.Sprintf("above maximum %s", MaxDuration))
	}
	return nil
}

// Create validates the request and records a new reservation in pending
// state. The returned value is a copy of the stored record.
func (l *Ledger) Create(req CreateRequest) (domain.Reservation, error) {
	if err := ValidateWindow(req.Window); err != nil {
		return domain.Reservation{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	res := &domain.Reservation{
		ID:        uuid.NewString(),
		Requester: req.Requester,
		GPUID:     req.GPUID,
		Window:    req.Window,
		Status:    domain.ReservationPending,
		CreatedAt: l.clock.Now().UTC(),
	}

	l.reservations[res.ID] = res
	l.byGPU[res.GPUID] = append(l.byGPU[res.GPUID], res.ID)
	return *res, nil
}

// Get returns a copy of the reservation
func (l *Ledger) Get(id string) (domain.Reservation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res, exists := l.reservations[id]
	if !exists {
		return domain.Reservation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *res, nil
}

// Transition moves a reservation to newStatus, enforcing the state machine.
// Activation stamps ActivatedAt; completion and cancellation stamp EndedAt.
// Returns the updated record.
func (l *Ledger) Transition(id string, newStatus domain.ReservationStatus) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, exists := l.reservations[id]
	if !exists {
		return domain.Reservation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !transitionAllowed(res.Status, newStatus) {
		return domain.Reservation{}, NewErrInvalidTransition(id, res.Status, newStatus)
	}

	now := l.clock.Now().UTC()
	res.Status = newStatus
	switch newStatus {
	case domain.ReservationActive:
		res.ActivatedAt = &now
	case domain.ReservationCompleted, domain.ReservationCancelled:
		res.EndedAt = &now
	}
	return *res, nil
}

// FindOverlapping returns all pending or active reservations on the GPU
// whose half-open windows intersect the given window, sorted by start time.
func (l *Ledger) FindOverlapping(gpuID string, window domain.Window) []domain.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []domain.Reservation
	for _, id := range l.byGPU[gpuID] {
		res := l.reservations[id]
		if res.Status.IsTerminal() {
			continue
		}
		if res.Window.Overlaps(window) {
			result = append(result, *res)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Window.Start.Before(result[j].Window.Start) })
	return result
}

// EarliestDuePending returns the pending reservation on the GPU with the
// earliest start time that has already arrived. Ties on start time are
// broken by creation timestamp, then by ID for determinism.
func (l *Ledger) EarliestDuePending(gpuID string, now time.Time) (domain.Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best *domain.Reservation
	for _, id := range l.byGPU[gpuID] {
		res := l.reservations[id]
		if res.Status != domain.ReservationPending || res.Window.Start.After(now) {
			continue
		}
		if best == nil || earlier(res, best) {
			best = res
		}
	}
	if best == nil {
		return domain.Reservation{}, false
	}
	return *best, true
}

func earlier(a, b *domain.Reservation) bool {
	if !a.Window.Start.Equal(b.Window.Start) {
		return a.Window.Start.Before(b.Window.Start)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ByGPU returns all reservations on the GPU, sorted by start time
func (l *Ledger) ByGPU(gpuID string) []domain.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.Reservation, 0, len(l.byGPU[gpuID]))
	for _, id := range l.byGPU[gpuID] {
		result = append(result, *l.reservations[id])
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Window.Start.Before(result[j].Window.Start) })
	return result
}

// List returns every reservation in the ledger
func (l *Ledger) List() []domain.Reservation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]domain.Reservation, 0, len(l.reservations))
	for _, res := range l.reservations {
		result = append(result, *res)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result
}

// Discard removes a reservation outright. Used by the scheduler to undo a
// Create whose storage commit failed; never part of the normal lifecycle.
func (l *Ledger) Discard(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, exists := l.reservations[id]
	if !exists {
		return
	}
	delete(l.reservations, id)

	ids := l.byGPU[res.GPUID]
	for i, rid := range ids {
		if rid == id {
			l.byGPU[res.GPUID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Restore replaces a stored record with a previously read copy. Used by the
// scheduler to compensate when a storage commit fails after an in-memory
// transition.
func (l *Ledger) Restore(res domain.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.reservations[res.ID]; !exists {
		l.byGPU[res.GPUID] = append(l.byGPU[res.GPUID], res.ID)
	}
	stored := res
	l.reservations[res.ID] = &stored
}

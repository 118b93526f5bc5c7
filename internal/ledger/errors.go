package ledger

import (
	"errors"
	"fmt"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

var ErrNotFound = errors.New("reservation not found")

// ErrInvalidDuration is returned when a requested window violates the
// duration bounds or has end before start.
type ErrInvalidDuration struct {
	Window domain.Window
	Reason string
}

func NewErrInvalidDuration(w domain.Window, reason string) ErrInvalidDuration {
	return ErrInvalidDuration{Window: w, Reason: reason}
}

func (e ErrInvalidDuration) Error() string {
	return fmt.Sprintf("invalid reservation duration %s: %s", e.Window.Duration(), e.Reason)
}

// ErrInvalidTransition is returned when a requested lifecycle transition is
// not permitted by the state machine.
type ErrInvalidTransition struct {
	ID   string
	From domain.ReservationStatus
	To   domain.ReservationStatus
}

func NewErrInvalidTransition(id string, from, to domain.ReservationStatus) ErrInvalidTransition {
	return ErrInvalidTransition{ID: id, From: from, To: to}
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("reservation %s cannot transition from %s to %s", e.ID, e.From, e.To)
}

package domain

import "time"

// GPUStatus is the inventory state of a physical GPU
type GPUStatus string

const (
	GPUStatusAvailable   GPUStatus = "available"
	GPUStatusReserved    GPUStatus = "reserved"
	GPUStatusMaintenance GPUStatus = "maintenance"
)

// IsValid reports whether s is one of the known GPU statuses
func (s GPUStatus) IsValid() bool {
	switch s {
	case GPUStatusAvailable, GPUStatusReserved, GPUStatusMaintenance:
		return true
	}
	return false
}

// Capability describes the static attributes of a GPU used for matching
// reservation requests against hardware
type Capability struct {
	MemoryMB     uint64 `json:"memory_mb"`
	ComputeClass string `json:"compute_class"` // e.g. "ada", "hopper"
}

// Matches reports whether the capability satisfies the filter. A zero filter
// matches everything.
func (c Capability) Matches(filter Capability) bool {
	if filter.MemoryMB > 0 && c.MemoryMB < filter.MemoryMB {
		return false
	}
	if filter.ComputeClass != "" && c.ComputeClass != filter.ComputeClass {
		return false
	}
	return true
}

// GPU is a unit of rentable compute hardware tracked by the inventory
type GPU struct {
	ID         string     `json:"id"`
	Capability Capability `json:"capability"`
	Status     GPUStatus  `json:"status"`

	// ActiveReservation is a lookup-only reference to the reservation
	// currently holding this GPU. Empty unless Status is reserved.
	ActiveReservation string `json:"active_reservation,omitempty"`
}

// ReservationStatus is the lifecycle state of a reservation
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationActive    ReservationStatus = "active"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions
func (s ReservationStatus) IsTerminal() bool {
	return s == ReservationCompleted || s == ReservationCancelled
}

// Window is a half-open time interval [Start, End) during which a
// reservation holds its GPU
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the window
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Overlaps reports whether two half-open windows intersect. Back-to-back
// windows ([10,12) and [12,13)) do not overlap.
func (w Window) Overlaps(o Window) bool {
	return w.Start.Before(o.End) && o.Start.Before(w.End)
}

// Contains reports whether t falls inside the half-open window
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Reservation is a time-bounded claim on a specific GPU by a requester
type Reservation struct {
	ID        string            `json:"id"`
	Requester string            `json:"requester"`
	GPUID     string            `json:"gpu_id"`
	Window    Window            `json:"window"`
	Status    ReservationStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"` // set on completion or cancellation
}

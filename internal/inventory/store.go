package inventory

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/verdantcompute/verdant-node/internal/domain"
)

var (
	ErrNotFound          = errors.New("gpu not found")
	ErrAlreadyRegistered = errors.New("gpu already registered")
	ErrResourceBusy      = errors.New("gpu held by an active reservation")
	ErrInvalidStatus     = errors.New("invalid gpu status")
)

// Store is the authoritative record of GPUs, their static attributes, and
// current status. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	gpus map[string]*domain.GPU
}

// NewStore creates an empty inventory store
func NewStore() *Store {
	return &Store{
		gpus: make(map[string]*domain.GPU),
	}
}

// Register adds a GPU to the inventory. An empty status defaults to
// available.
func (s *Store) Register(gpu domain.GPU) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.gpus[gpu.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, gpu.ID)
	}
	if gpu.Status == "" {
		gpu.Status = domain.GPUStatusAvailable
	}
	if !gpu.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, gpu.Status)
	}

	stored := gpu
	s.gpus[gpu.ID] = &stored
	return nil
}

// Get returns a copy of the GPU record
func (s *Store) Get(id string) (domain.GPU, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gpu, exists := s.gpus[id]
	if !exists {
		return domain.GPU{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *gpu, nil
}

// GetStatus returns the current status of a GPU
func (s *Store) GetStatus(id string) (domain.GPUStatus, error) {
	gpu, err := s.Get(id)
	if err != nil {
		return "", err
	}
	return gpu.Status, nil
}

// SetStatus changes a GPU's status. Moving to maintenance is only permitted
// while no active reservation holds the GPU.
func (s *Store) SetStatus(id string, status domain.GPUStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gpu, exists := s.gpus[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if status == domain.GPUStatusMaintenance && gpu.Status == domain.GPUStatusReserved {
		return fmt.Errorf("%w: %s", ErrResourceBusy, id)
	}

	gpu.Status = status
	if status != domain.GPUStatusReserved {
		gpu.ActiveReservation = ""
	}
	return nil
}

// Assign marks a GPU reserved by the given reservation
func (s *Store) Assign(id, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gpu, exists := s.gpus[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	gpu.Status = domain.GPUStatusReserved
	gpu.ActiveReservation = reservationID
	return nil
}

// Release returns a reserved GPU to the available pool and clears its
// reservation reference. Releasing a GPU in maintenance keeps it in
// maintenance.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	gpu, exists := s.gpus[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	gpu.ActiveReservation = ""
	if gpu.Status == domain.GPUStatusReserved {
		gpu.Status = domain.GPUStatusAvailable
	}
	return nil
}

// ActiveReservation returns the reservation currently holding the GPU, if
// any. The read is a consistent snapshot of (status, reservation) used by
// telemetry attribution.
func (s *Store) ActiveReservation(id string) (string, domain.GPUStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	gpu, exists := s.gpus[id]
	if !exists {
		return "", "", false
	}
	return gpu.ActiveReservation, gpu.Status, true
}

// ListAvailable returns GPUs with status available matching the capability
// filter, sorted by identifier for deterministic iteration.
func (s *Store) ListAvailable(filter domain.Capability) []domain.GPU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.GPU, 0, len(s.gpus))
	for _, gpu := range s.gpus {
		if gpu.Status != domain.GPUStatusAvailable {
			continue
		}
		if !gpu.Capability.Matches(filter) {
			continue
		}
		result = append(result, *gpu)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// List returns a snapshot of every GPU in the inventory, sorted by ID
func (s *Store) List() []domain.GPU {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.GPU, 0, len(s.gpus))
	for _, gpu := range s.gpus {
		result = append(result, *gpu)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// CapacitySnapshot summarizes fleet state by compute class for heartbeat
// style reporting.
type CapacitySnapshot struct {
	Total       map[string]int `json:"total_gpus"`
	Available   map[string]int `json:"available_gpus"`
	Reserved    map[string]int `json:"reserved_gpus"`
	Maintenance map[string]int `json:"maintenance_gpus"`
}

// Snapshot returns per-compute-class GPU counts
func (s *Store) Snapshot() CapacitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := CapacitySnapshot{
		Total:       make(map[string]int),
		Available:   make(map[string]int),
		Reserved:    make(map[string]int),
		Maintenance: make(map[string]int),
	}
	for _, gpu := range s.gpus {
		class := gpu.Capability.ComputeClass
		snap.Total[class]++
		switch gpu.Status {
		case domain.GPUStatusAvailable:
			snap.Available[class]++
		case domain.GPUStatusReserved:
			snap.Reserved[class]++
		case domain.GPUStatusMaintenance:
			snap.Maintenance[class]++
		}
	}
	return snap
}

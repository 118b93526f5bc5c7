package provision

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNoAvailablePorts = errors.New("no available ports in range")
	ErrPortNotAllocated = errors.New("port not allocated")
)

// portAllocation tracks a single SSH port allocation
type portAllocation struct {
	ReservationID string
	AllocatedAt   time.Time
	ReleasedAt    *time.Time // nil if still in use
}

// PortManager hands out SSH host ports for tenant containers. Released
// ports are quarantined for a grace period before reuse so a tenant
// reconnecting to a stale port cannot land in another tenant's container.
type PortManager struct {
	mu          sync.Mutex
	minPort     int
	maxPort     int
	gracePeriod time.Duration
	allocations map[int]*portAllocation
}

// NewPortManager creates a port manager over the inclusive range
// [minPort, maxPort]
func NewPortManager(minPort, maxPort int, gracePeriod time.Duration) *PortManager {
	return &PortManager{
		minPort:     minPort,
		maxPort:     maxPort,
		gracePeriod: gracePeriod,
		allocations: make(map[int]*portAllocation),
	}
}

// Allocate finds and reserves an available port for the given reservation
func (pm *PortManager) Allocate(reservationID string) (int, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := time.Now()
	for port := pm.minPort; port <= pm.maxPort; port++ {
		alloc, exists := pm.allocations[port]
		if !exists || (alloc.ReleasedAt != nil && now.Sub(*alloc.ReleasedAt) >= pm.gracePeriod) {
			pm.allocations[port] = &portAllocation{
				ReservationID: reservationID,
				AllocatedAt:   now,
			}
			return port, nil
		}
	}

	return 0, ErrNoAvailablePorts
}

// Release marks a port as released, starting the grace period
func (pm *PortManager) Release(port int) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	alloc, exists := pm.allocations[port]
	if !exists || alloc.ReleasedAt != nil {
		return ErrPortNotAllocated
	}

	now := time.Now()
	alloc.ReleasedAt = &now
	return nil
}

// AvailableCount returns the number of currently allocatable ports
func (pm *PortManager) AvailableCount() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	count := 0
	now := time.Now()
	for port := pm.minPort; port <= pm.maxPort; port++ {
		alloc, exists := pm.allocations[port]
		if !exists {
			count++
			continue
		}
		if alloc.ReleasedAt != nil && now.Sub(*alloc.ReleasedAt) >= pm.gracePeriod {
			count++
		}
	}
	return count
}

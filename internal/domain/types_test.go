package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var baseTime = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func TestWindowOverlaps(t *testing.T) {
	w := Window{Start: baseTime, End: baseTime.Add(2 * time.Hour)} // [10:00, 12:00)

	tests := []struct {
		name string
		o    Window
		want bool
	}{
		{"identical", w, true},
		{"back-to-back after", Window{Start: baseTime.Add(2 * time.Hour), End: baseTime.Add(3 * time.Hour)}, false},
		{"back-to-back before", Window{Start: baseTime.Add(-time.Hour), End: baseTime}, false},
		{"one minute overlap", Window{Start: baseTime.Add(119 * time.Minute), End: baseTime.Add(3 * time.Hour)}, true},
		{"contained", Window{Start: baseTime.Add(30 * time.Minute), End: baseTime.Add(time.Hour)}, true},
		{"containing", Window{Start: baseTime.Add(-time.Hour), End: baseTime.Add(3 * time.Hour)}, true},
		{"disjoint", Window{Start: baseTime.Add(5 * time.Hour), End: baseTime.Add(6 * time.Hour)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Overlaps(tt.o))
			assert.Equal(t, tt.want, tt.o.Overlaps(w))
		})
	}
}

func TestWindowContains(t *testing.T) {
	w := Window{Start: baseTime, End: baseTime.Add(2 * time.Hour)}

	assert.True(t, w.Contains(baseTime))
	assert.True(t, w.Contains(baseTime.Add(time.Hour)))
	assert.False(t, w.Contains(baseTime.Add(2*time.Hour))) // end excluded
	assert.False(t, w.Contains(baseTime.Add(-time.Second)))
}

func TestCapabilityMatches(t *testing.T) {
	c := Capability{MemoryMB: 24576, ComputeClass: "ada"}

	assert.True(t, c.Matches(Capability{}))
	assert.True(t, c.Matches(Capability{MemoryMB: 16384}))
	assert.True(t, c.Matches(Capability{ComputeClass: "ada"}))
	assert.False(t, c.Matches(Capability{MemoryMB: 40000}))
	assert.False(t, c.Matches(Capability{ComputeClass: "hopper"}))
}

func TestGPUStatusIsValid(t *testing.T) {
	assert.True(t, GPUStatusAvailable.IsValid())
	assert.True(t, GPUStatusReserved.IsValid())
	assert.True(t, GPUStatusMaintenance.IsValid())
	assert.False(t, GPUStatus("").IsValid())
	assert.False(t, GPUStatus("broken").IsValid())
}

func TestReservationStatusIsTerminal(t *testing.T) {
	assert.False(t, ReservationPending.IsTerminal())
	assert.False(t, ReservationActive.IsTerminal())
	assert.True(t, ReservationCompleted.IsTerminal())
	assert.True(t, ReservationCancelled.IsTerminal())
}

func TestFleetKey_TruncatesToHourUTC(t *testing.T) {
	local := time.Date(2025, 6, 1, 10, 42, 31, 0, time.FixedZone("CEST", 2*3600))
	key := FleetKey("gpu-1", local)

	assert.Equal(t, "gpu-1", key.GPUID)
	assert.Equal(t, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC), key.Bucket)
	assert.True(t, key.IsFleet())
}

package config

import (
	"fmt"
	"time"
)

// Config holds all runtime settings for the node. It is assembled once at
// startup and treated as immutable afterwards.
type Config struct {
	// HTTP API
	ListenAddr string

	// Scheduler
	TickInterval time.Duration

	// Telemetry
	SampleInterval         time.Duration
	FlushInterval          time.Duration
	BufferSize             int
	CaptureEfficiency      float64 // fraction of the capture proxy actually sequestered
	CarbonIntensityGPerKWh float64 // grid carbon intensity, grams CO2 per kWh

	// Storage
	PostgresDSN   string // empty selects the in-memory repository
	RetryInterval time.Duration
	RetryTimeout  time.Duration

	// Provisioning
	ProvisionEnabled bool
	ContainerImage   string
	PublicHost       string
	SSHPortMin       int
	SSHPortMax       int
	PortGracePeriod  time.Duration
	MemoryBytes      int64
	CPUCount         int64

	// GPU provider
	MockGPUCount int // devices to expose when NVML is unavailable
}

// Default returns the baseline configuration
func Default() Config {
	return Config{
		ListenAddr: ":8080",

		TickInterval: 10 * time.Second,

		SampleInterval:         60 * time.Second,
		FlushInterval:          5 * time.Minute,
		BufferSize:             1024,
		CaptureEfficiency:      0.35,
		CarbonIntensityGPerKWh: 400,

		RetryInterval: 500 * time.Millisecond,
		RetryTimeout:  5 * time.Second,

		ContainerImage:  "nvidia/cuda:12.1.1-runtime-ubuntu22.04",
		PublicHost:      "localhost",
		SSHPortMin:      40000,
		SSHPortMax:      40100,
		PortGracePeriod: 5 * time.Minute,
		MemoryBytes:     16 << 30,
		CPUCount:        4,

		MockGPUCount: 2,
	}
}

// Validate checks the configuration for values that would break at runtime
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", c.BufferSize)
	}
	if c.CaptureEfficiency < 0 || c.CaptureEfficiency > 1 {
		return fmt.Errorf("capture efficiency must be in [0, 1], got %v", c.CaptureEfficiency)
	}
	if c.CarbonIntensityGPerKWh < 0 {
		return fmt.Errorf("carbon intensity must not be negative, got %v", c.CarbonIntensityGPerKWh)
	}
	if c.ProvisionEnabled {
		if c.ContainerImage == "" {
			return fmt.Errorf("container image must not be empty when provisioning is enabled")
		}
		if c.SSHPortMin <= 0 || c.SSHPortMax < c.SSHPortMin {
			return fmt.Errorf("invalid ssh port range [%d, %d]", c.SSHPortMin, c.SSHPortMax)
		}
	}
	return nil
}

package domain

// GPUMetrics represents one round of collected readings for a single GPU
type GPUMetrics struct {
	UUID         string  `json:"uuid"`
	Name         string  `json:"name"`
	PowerWatts   float64 `json:"power_watts"`
	TemperatureC uint32  `json:"temperature_c"`
	GPUUtil      uint32  `json:"gpu_util_percent"`
	MemoryUsed   uint64  `json:"memory_used_mb"`

	// CaptureProxyGrams is the facility capture-loop proxy reading for this
	// GPU over one collection interval.
	CaptureProxyGrams float64 `json:"capture_proxy_grams"`
}

// GPUSpec represents static GPU specifications for inventory registration
type GPUSpec struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total_mb"`
	DriverVer   string `json:"driver_version"`
}

// GPUProvider abstracts GPU metrics collection for testing
type GPUProvider interface {
	// Init initializes the GPU provider (NVML or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns number of GPUs
	GetDeviceCount() (int, error)
	// GetMetrics returns current metrics for all GPUs
	GetMetrics() ([]GPUMetrics, error)
	// GetSpecs returns static specifications for all GPUs
	GetSpecs() ([]GPUSpec, error)
}

package nvml

import "github.com/verdantcompute/verdant-node/internal/domain"

// MockGPUProvider provides fake GPU data for testing and for running without
// NVIDIA hardware
type MockGPUProvider struct {
	Metrics []domain.GPUMetrics
	Specs   []domain.GPUSpec
	InitErr error
}

func NewMockGPUProvider(metrics []domain.GPUMetrics, specs []domain.GPUSpec) *MockGPUProvider {
	return &MockGPUProvider{Metrics: metrics, Specs: specs}
}

// NewDefaultMockProvider builds a mock fleet of n devices with steady
// synthetic readings
func NewDefaultMockProvider(n int) *MockGPUProvider {
	metrics := make([]domain.GPUMetrics, 0, n)
	specs := make([]domain.GPUSpec, 0, n)
	for i := 0; i < n; i++ {
		uuid := mockUUID(i)
		metrics = append(metrics, domain.GPUMetrics{
			UUID:              uuid,
			Name:              "Mock RTX 4090",
			PowerWatts:        300,
			TemperatureC:      55,
			GPUUtil:           80,
			MemoryUsed:        8192,
			CaptureProxyGrams: 6,
		})
		specs = append(specs, domain.GPUSpec{
			UUID:        uuid,
			Name:        "Mock RTX 4090",
			MemoryTotal: 24576,
			DriverVer:   "mock-535.104",
		})
	}
	return &MockGPUProvider{Metrics: metrics, Specs: specs}
}

func mockUUID(i int) string {
	const hex = "0123456789abcdef"
	return "GPU-mock-0000-0000-000" + string(hex[i%16])
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	return nil
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	return len(p.Metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	return p.Metrics, nil
}

func (p *MockGPUProvider) GetSpecs() ([]domain.GPUSpec, error) {
	return p.Specs, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)

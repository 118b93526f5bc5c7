//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/verdantcompute/verdant-node/internal/domain"
)

// defaultCaptureProxyFactor converts a power reading into the facility
// capture-loop proxy when no dedicated sensor feed is wired. Sites with a
// real capture sensor override the reader.
const defaultCaptureProxyFactor = 0.02

type NVMLProvider struct {
	// CaptureProxy derives the capture-loop proxy reading from the device
	// power draw. Nil uses the default factor.
	CaptureProxy func(powerWatts float64) float64
}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue // Skip failed device
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		util, _ := device.GetUtilizationRates()
		temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)

		// NVML reports power in milliwatts
		powerWatts := 0.0
		if powerMw, ret := device.GetPowerUsage(); ret == nvml.SUCCESS {
			powerWatts = float64(powerMw) / 1000
		}

		metrics = append(metrics, domain.GPUMetrics{
			UUID:              uuid,
			Name:              name,
			PowerWatts:        powerWatts,
			TemperatureC:      temp,
			GPUUtil:           util.Gpu,
			MemoryUsed:        memInfo.Used / (1024 * 1024),
			CaptureProxyGrams: p.captureProxy(powerWatts),
		})
	}
	return metrics, nil
}

func (p *NVMLProvider) captureProxy(powerWatts float64) float64 {
	if p.CaptureProxy != nil {
		return p.CaptureProxy(powerWatts)
	}
	return powerWatts * defaultCaptureProxyFactor
}

func (p *NVMLProvider) GetSpecs() ([]domain.GPUSpec, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	specs := make([]domain.GPUSpec, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		driver, _ := nvml.SystemGetDriverVersion()

		specs = append(specs, domain.GPUSpec{
			UUID:        uuid,
			Name:        name,
			MemoryTotal: memInfo.Total / (1024 * 1024),
			DriverVer:   driver,
		})
	}
	return specs, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)

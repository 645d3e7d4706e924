// Package healthprobe provides a concrete model.Health implementation
// backed by gopsutil. Real GPU telemetry (NVML memory/temperature) is an
// external collaborator; this implementation reports host memory pressure
// as the nearest signal gopsutil can actually produce, and a fixed
// nominal temperature, so the admission-gate wiring has a real, runnable
// default instead of only a test double.
package healthprobe

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"batchctl/internal/batchctl/model"
)

// HostMemoryProbe reports host virtual memory usage as memory_percent.
// TemperatureC is reported as a constant nominal value; gopsutil has no
// portable GPU temperature sensor API, so a real deployment wanting
// accurate thermal admission gating should provide its own model.Health
// built on NVML and use HostMemoryProbe only as a fallback or for tests.
type HostMemoryProbe struct {
	NominalTemperatureC float64
}

// NewHostMemoryProbe returns a HostMemoryProbe with a conservative nominal
// temperature well under the default GPU_TEMP_THRESHOLD.
func NewHostMemoryProbe() *HostMemoryProbe {
	return &HostMemoryProbe{NominalTemperatureC: 50.0}
}

// Read implements model.Health.
func (p *HostMemoryProbe) Read(ctx context.Context) (model.HealthSnapshot, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.HealthSnapshot{}, fmt.Errorf("read memory stats: %w", err)
	}
	return model.HealthSnapshot{
		MemoryPercent: v.UsedPercent,
		TemperatureC:  p.NominalTemperatureC,
	}, nil
}

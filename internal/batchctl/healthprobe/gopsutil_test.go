package healthprobe

import (
	"context"
	"testing"
)

func TestHostMemoryProbeReadReturnsBoundedPercent(t *testing.T) {
	p := NewHostMemoryProbe()
	snap, err := p.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if snap.MemoryPercent < 0 || snap.MemoryPercent > 100 {
		t.Errorf("MemoryPercent = %v, want in [0,100]", snap.MemoryPercent)
	}
	if snap.TemperatureC != p.NominalTemperatureC {
		t.Errorf("TemperatureC = %v, want %v", snap.TemperatureC, p.NominalTemperatureC)
	}
}

package load

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler is the production Sampler: it reads host CPU and memory
// utilization via gopsutil and measures dispatch lag by starting a no-op
// goroutine and timing how long it takes to run.
type HostSampler struct {
	connectionCount func() int
}

// NewHostSampler returns a Sampler whose connection count comes from
// connectionCount, typically the registry's live connection count.
func NewHostSampler(connectionCount func() int) *HostSampler {
	return &HostSampler{connectionCount: connectionCount}
}

func (h *HostSampler) Sample(ctx context.Context) Sample {
	cpuPercent := 0.0
	if percentages, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false); err == nil && len(percentages) > 0 {
		cpuPercent = percentages[0]
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	}

	lagMs := measureDispatchLag()

	return Sample{
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
		Conns:      h.connectionCount(),
		LagMs:      lagMs,
	}
}

// measureDispatchLag starts a goroutine that does nothing but signal and
// measures how long it takes to get scheduled, as a proxy for how backed up
// the runtime's scheduler currently is.
func measureDispatchLag() int {
	start := time.Now()
	done := make(chan struct{})
	go func() { close(done) }()
	<-done
	return int(time.Since(start).Milliseconds())
}

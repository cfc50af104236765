package sleep

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// LoadSampler reads host CPU and memory utilization and combines them with
// a caller-supplied work-in-flight signal.
type LoadSampler struct {
	queueDepth func() int
}

// NewLoadSampler creates a sampler. queueDepth may be nil.
func NewLoadSampler(queueDepth func() int) *LoadSampler {
	return &LoadSampler{queueDepth: queueDepth}
}

// Sample reports current load. CPU is measured since the previous call,
// so the first sample after startup covers a longer interval.
func (s *LoadSampler) Sample(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("sample memory: %w", err)
	}

	u := Usage{Memory: vm.UsedPercent / 100}
	if len(percents) > 0 {
		u.CPU = percents[0] / 100
	}
	if s.queueDepth != nil {
		u.QueueDepth = s.queueDepth()
	}
	return u, nil
}

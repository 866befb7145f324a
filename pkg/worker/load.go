package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/morezero/edge-cluster-frontend/pkg/events"
)

const loadLogPrefix = "worker:load"

// LoadSampler reports the CPU usage of the host in percent.
type LoadSampler interface {
	Sample() (float64, error)
}

// ProcStatSampler derives CPU usage from consecutive readings of the
// host-wide CPU counters in /proc/stat. The first call, and the first call
// after the counters went backwards, reports usage since boot.
type ProcStatSampler struct {
	mountPoint string

	mu        sync.Mutex
	prevIdle  float64
	prevTotal float64
	primed    bool
}

// NewProcStatSampler creates a sampler reading /proc.
func NewProcStatSampler() *ProcStatSampler {
	return NewProcStatSamplerAt(procfs.DefaultMountPoint)
}

// NewProcStatSamplerAt creates a sampler reading the proc filesystem mounted
// at mountPoint.
func NewProcStatSamplerAt(mountPoint string) *ProcStatSampler {
	return &ProcStatSampler{mountPoint: mountPoint}
}

func (s *ProcStatSampler) Sample() (float64, error) {
	fs, err := procfs.NewFS(s.mountPoint)
	if err != nil {
		return 0, fmt.Errorf("%s - open %s: %w", loadLogPrefix, s.mountPoint, err)
	}
	stat, err := fs.Stat()
	if err != nil {
		return 0, fmt.Errorf("%s - read stat: %w", loadLogPrefix, err)
	}
	idle, total := cpuTimes(stat.CPUTotal)

	s.mu.Lock()
	defer s.mu.Unlock()
	dIdle, dTotal := idle, total
	if s.primed && total >= s.prevTotal && idle >= s.prevIdle {
		dIdle, dTotal = idle-s.prevIdle, total-s.prevTotal
	}
	s.prevIdle, s.prevTotal, s.primed = idle, total, true
	if dTotal <= 0 {
		return 0, nil
	}
	return 100 * (dTotal - dIdle) / dTotal, nil
}

// cpuTimes returns idle (idle + iowait) and total CPU seconds. Guest time is
// already part of user and nice.
func cpuTimes(c procfs.CPUStat) (idle, total float64) {
	idle = c.Idle + c.Iowait
	total = c.User + c.Nice + c.System + idle + c.IRQ + c.SoftIRQ + c.Steal
	return idle, total
}

// ReportLoad publishes a load sample for vmID every interval until ctx is done.
func ReportLoad(ctx context.Context, publisher events.EventPublisher, sampler LoadSampler, vmID int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	report := func() {
		cpu, err := sampler.Sample()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - sample: %v", loadLogPrefix, err))
			return
		}
		event := &events.VMLoadEvent{VMID: vmID, CPU: cpu, Timestamp: time.Now().UTC().Format(time.RFC3339)}
		if err := publisher.PublishVMLoad(ctx, event); err != nil {
			slog.Warn(fmt.Sprintf("%s - publish load of VM %d: %v", loadLogPrefix, vmID, err))
		}
	}

	report()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}

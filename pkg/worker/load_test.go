package worker

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/procfs"

	"github.com/morezero/edge-cluster-frontend/pkg/events"
)

const loadTestPrefix = "worker:load_test"

func writeStat(t *testing.T, dir, cpuLine string) {
	t.Helper()
	content := cpuLine + "\ncpu0 1 0 1 1 0 0 0 0 0 0\nintr 1 0\nctxt 10\nbtime 1700000000\nprocesses 5\nprocs_running 1\nprocs_blocked 0\n"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(content), 0o644); err != nil {
		t.Fatalf("%s - write stat: %v", loadTestPrefix, err)
	}
}

func TestCPUTimes(t *testing.T) {
	idle, total := cpuTimes(procfs.CPUStat{
		User: 1, Nice: 0, System: 1, Idle: 7, Iowait: 1, IRQ: 0, SoftIRQ: 0, Steal: 0, Guest: 0.5, GuestNice: 0.25,
	})
	if idle != 8 || total != 10 {
		t.Errorf("%s - idle/total = %v/%v, want 8/10", loadTestPrefix, idle, total)
	}
}

func TestProcStatSampler(t *testing.T) {
	tests := []struct {
		name     string
		readings []string
		want     []float64
	}{
		{
			name:     "delta between readings",
			readings: []string{"cpu  100 0 100 700 100 0 0 0 50 0", "cpu  175 0 100 725 100 0 0 0 50 0"},
			want:     []float64{20, 75},
		},
		{
			name:     "idle host",
			readings: []string{"cpu  100 0 100 700 100 0 0 0 0 0", "cpu  100 0 100 800 100 0 0 0 0 0"},
			want:     []float64{20, 0},
		},
		{
			name:     "unchanged counters",
			readings: []string{"cpu  100 0 100 700 100 0 0 0 0 0", "cpu  100 0 100 700 100 0 0 0 0 0"},
			want:     []float64{20, 0},
		},
		{
			name:     "counters reset",
			readings: []string{"cpu  100 0 100 700 100 0 0 0 0 0", "cpu  50 0 0 50 0 0 0 0 0 0"},
			want:     []float64{20, 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			s := NewProcStatSamplerAt(dir)
			for i, line := range tt.readings {
				writeStat(t, dir, line)
				got, err := s.Sample()
				if err != nil {
					t.Fatalf("%s - sample %d: %v", loadTestPrefix, i, err)
				}
				if math.IsNaN(got) || math.Abs(got-tt.want[i]) > 1e-6 {
					t.Errorf("%s - sample %d = %v, want %v", loadTestPrefix, i, got, tt.want[i])
				}
			}
		})
	}
}

func TestProcStatSampler_MissingStat(t *testing.T) {
	if _, err := NewProcStatSamplerAt(t.TempDir()).Sample(); err == nil {
		t.Errorf("%s - expected error without a stat file", loadTestPrefix)
	}
	if _, err := NewProcStatSamplerAt(filepath.Join(t.TempDir(), "absent")).Sample(); err == nil {
		t.Errorf("%s - expected error for a missing mount point", loadTestPrefix)
	}
}

type fixedSampler float64

func (f fixedSampler) Sample() (float64, error) { return float64(f), nil }

func TestReportLoad(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan *events.VMLoadEvent, 4)
	publisher := events.NewCallbackPublisher(func(_ context.Context, event interface{}) error {
		got <- event.(*events.VMLoadEvent)
		return nil
	})

	done := make(chan struct{})
	go func() {
		ReportLoad(ctx, publisher, fixedSampler(42.5), 7, time.Hour)
		close(done)
	}()

	select {
	case ev := <-got:
		if ev.VMID != 7 || ev.CPU != 42.5 || ev.Timestamp == "" {
			t.Errorf("%s - unexpected event %+v", loadTestPrefix, ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - no immediate report", loadTestPrefix)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - ReportLoad did not stop", loadTestPrefix)
	}
}

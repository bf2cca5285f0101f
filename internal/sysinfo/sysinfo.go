// Package sysinfo samples CPU and memory usage of an OS process via gopsutil.
package sysinfo

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultCPUWindow is how long a CPU measurement observes the process.
const DefaultCPUWindow = 100 * time.Millisecond

// Sample is one resource reading.
type Sample struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
}

// Sampler produces resource samples. The watchdog and the manager accept
// any implementation so tests can feed synthetic series.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// MemoryReader is implemented by samplers that can read memory without
// waiting for a CPU window.
type MemoryReader interface {
	MemoryMB(ctx context.Context) (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func(ctx context.Context) (Sample, error)

func (f SamplerFunc) Sample(ctx context.Context) (Sample, error) { return f(ctx) }

// Process samples a single pid.
type Process struct {
	pid    int32
	window time.Duration
	proc   *process.Process
}

// New returns a sampler for pid. A non-positive window selects DefaultCPUWindow.
func New(ctx context.Context, pid int32, window time.Duration) (*Process, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	if window <= 0 {
		window = DefaultCPUWindow
	}
	return &Process{pid: pid, window: window, proc: proc}, nil
}

// Self samples the current process.
func Self(window time.Duration) (*Process, error) {
	return New(context.Background(), int32(os.Getpid()), window)
}

func (p *Process) PID() int32 { return p.pid }

// MemoryMB returns the resident set size in megabytes.
func (p *Process) MemoryMB(ctx context.Context) (float64, error) {
	mi, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get memory info: %w", err)
	}
	return bytesToMB(mi.RSS), nil
}

// CPUPercent measures CPU usage over the sampler window. It blocks for the
// window unless ctx ends first.
func (p *Process) CPUPercent(ctx context.Context) (float64, error) {
	v, err := p.proc.PercentWithContext(ctx, p.window)
	if err != nil {
		return 0, fmt.Errorf("failed to get cpu percent: %w", err)
	}
	return v, nil
}

// Sample reads memory and CPU. Memory failure fails the sample; thread count
// is best effort.
func (p *Process) Sample(ctx context.Context) (Sample, error) {
	mi, err := p.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	cpu, err := p.CPUPercent(ctx)
	if err != nil {
		return Sample{}, err
	}
	threads, _ := p.proc.NumThreadsWithContext(ctx)
	return Sample{
		At:         time.Now(),
		CPUPercent: cpu,
		MemoryMB:   bytesToMB(mi.RSS),
		MemoryRSS:  mi.RSS,
		NumThreads: threads,
	}, nil
}

// Alive reports whether pid exists.
func Alive(ctx context.Context, pid int32) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	return process.PidExistsWithContext(ctx, pid)
}

func bytesToMB(b uint64) float64 { return float64(b) / 1024 / 1024 }

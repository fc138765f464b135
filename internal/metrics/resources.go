package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	resourceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerd",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of owned processes.",
		}, []string{"subsystem"},
	)
	resourceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerd",
			Subsystem: "process",
			Name:      "memory_mb",
			Help:      "Resident memory in MB of owned processes.",
		}, []string{"subsystem"},
	)
	resourceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peerd",
			Subsystem: "process",
			Name:      "num_threads",
			Help:      "Thread count of owned processes.",
		}, []string{"subsystem"},
	)
)

// Usage is one resource sample of an owned process.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically reads CPU and memory usage of the pids returned by a
// callback (subsystem -> pid; pid <= 0 means nothing owned).
type Sampler struct {
	interval time.Duration
	pids     func() map[string]int

	mu     sync.RWMutex
	latest map[string]Usage
}

// NewSampler returns a sampler; interval defaults to 5s.
func NewSampler(interval time.Duration, pids func() map[string]int) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, pids: pids, latest: map[string]Usage{}}
}

// Run samples until ctx ends.
func (s *Sampler) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		s.SampleOnce()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// SampleOnce takes one sample of every owned pid.
func (s *Sampler) SampleOnce() {
	now := time.Now()
	next := map[string]Usage{}
	for name, pid := range s.pids() {
		if pid <= 0 {
			continue
		}
		u, err := sample(int32(pid), now)
		if err != nil {
			slog.Debug("resource sample failed", "subsystem", name, "pid", pid, "error", err)
			continue
		}
		next[name] = u
	}

	s.mu.Lock()
	prev := s.latest
	s.latest = next
	s.mu.Unlock()

	if !regOK.Load() {
		return
	}
	for name, u := range next {
		resourceCPU.WithLabelValues(name).Set(u.CPUPercent)
		resourceMemory.WithLabelValues(name).Set(u.MemoryMB)
		resourceThreads.WithLabelValues(name).Set(float64(u.NumThreads))
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			resourceCPU.DeleteLabelValues(name)
			resourceMemory.DeleteLabelValues(name)
			resourceThreads.DeleteLabelValues(name)
		}
	}
}

// Latest returns the most recent sample for subsystem.
func (s *Sampler) Latest(subsystem string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.latest[subsystem]
	return u, ok
}

func sample(pid int32, ts time.Time) (Usage, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Usage{}, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	return Usage{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		NumThreads: threads,
		Timestamp:  ts,
	}, nil
}

// Package system samples host resource usage for the dashboard.
package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultTTL is how long a sample is served before the host is sampled
// again.
const DefaultTTL = 5 * time.Second

// Vitals represents system resource usage information
type Vitals struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPercent float64   `json:"disk_percent"`
	DiskFree    uint64    `json:"disk_free"`
	DiskPath    string    `json:"disk_path"`
	SampledAt   time.Time `json:"sampled_at"`
}

// GetVitals samples CPU over one second, memory, and the filesystem holding
// diskPath.
func GetVitals(ctx context.Context, diskPath string) (*Vitals, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, fmt.Errorf("failed to get CPU usage: %w", err)
	}

	cpuUsage := 0.0
	if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get memory usage: %w", err)
	}

	diskStat, err := disk.UsageWithContext(ctx, diskPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get disk usage: %w", err)
	}

	return &Vitals{
		CPUPercent:  cpuUsage,
		MemPercent:  memStat.UsedPercent,
		DiskPercent: diskStat.UsedPercent,
		DiskFree:    diskStat.Free,
		DiskPath:    diskPath,
		SampledAt:   time.Now(),
	}, nil
}

// Sampler serves cached vitals so that dashboard polling does not sample
// the host on every request.
type Sampler struct {
	mu       sync.Mutex
	diskPath string
	ttl      time.Duration
	last     *Vitals
	expires  time.Time

	sample func(ctx context.Context, diskPath string) (*Vitals, error)
	now    func() time.Time
}

// NewSampler creates a sampler for the filesystem holding diskPath. A
// non-positive ttl uses DefaultTTL.
func NewSampler(diskPath string, ttl time.Duration) *Sampler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if diskPath == "" {
		diskPath = "/"
	}
	return &Sampler{
		diskPath: diskPath,
		ttl:      ttl,
		sample:   GetVitals,
		now:      time.Now,
	}
}

// Get returns the cached sample, sampling again once it has expired.
// Concurrent callers wait for a single sample.
func (s *Sampler) Get(ctx context.Context) (Vitals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil && s.now().Before(s.expires) {
		return *s.last, nil
	}

	v, err := s.sample(ctx, s.diskPath)
	if err != nil {
		return Vitals{}, err
	}
	s.last = v
	s.expires = s.now().Add(s.ttl)
	return *v, nil
}

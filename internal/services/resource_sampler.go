package services

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/telemetry"
)

// ResourceUsage is one host sample.
type ResourceUsage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Goroutines    int       `json:"goroutines"`
	SampledAt     time.Time `json:"sampled_at"`
}

// UsageProbe reads current host usage.
type UsageProbe func(ctx context.Context) (ResourceUsage, error)

// GopsutilProbe samples CPU since the previous call and current memory use.
func GopsutilProbe(ctx context.Context) (ResourceUsage, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return ResourceUsage{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	usage := ResourceUsage{
		MemoryPercent: memInfo.UsedPercent,
		Goroutines:    runtime.NumGoroutine(),
		SampledAt:     time.Now(),
	}
	if len(cpuPercent) > 0 {
		usage.CPUPercent = cpuPercent[0]
	}
	return usage, nil
}

// ResourceSampler keeps the latest host usage so consumers can size batches
// without blocking on a CPU measurement.
type ResourceSampler struct {
	mu       sync.RWMutex
	current  ResourceUsage
	probe    UsageProbe
	interval time.Duration
	metrics  *telemetry.Metrics
	logger   *logrus.Entry
}

func NewResourceSampler(probe UsageProbe, interval time.Duration, metrics *telemetry.Metrics, logger *logrus.Logger) *ResourceSampler {
	if probe == nil {
		probe = GopsutilProbe
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ResourceSampler{
		probe:    probe,
		interval: interval,
		metrics:  metrics,
		logger:   logger.WithField("component", "resource_sampler"),
	}
}

// Sample takes one measurement and stores it.
func (s *ResourceSampler) Sample(ctx context.Context) error {
	usage, err := s.probe(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = usage
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.CPUPercent.Set(usage.CPUPercent)
		s.metrics.MemoryPercent.Set(usage.MemoryPercent)
	}
	return nil
}

// Run samples every interval until ctx is done.
func (s *ResourceSampler) Run(ctx context.Context) {
	if err := s.Sample(ctx); err != nil {
		s.logger.WithError(err).Warn("Initial resource sample failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sample(ctx); err != nil {
				s.logger.WithError(err).Debug("Resource sample failed")
			}
		}
	}
}

// Current returns the last sample.
func (s *ResourceSampler) Current() ResourceUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// CPUPercent returns the last sampled CPU utilization.
func (s *ResourceSampler) CPUPercent() float64 {
	return s.Current().CPUPercent
}

package services

import (
	"sync"
	"time"
)

// DelayStatistics accumulates processing delay (processing time minus
// exchange timestamp) for the life of the process.
type DelayStatistics struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

// DelaySnapshot is a read-only copy of the statistics.
type DelaySnapshot struct {
	Count   int64         `json:"count"`
	Total   time.Duration `json:"total"`
	Min     time.Duration `json:"min"`
	Max     time.Duration `json:"max"`
	Average time.Duration `json:"average"`
}

// Observe records one delay.
func (s *DelayStatistics) Observe(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 || delay < s.min {
		s.min = delay
	}
	if s.count == 0 || delay > s.max {
		s.max = delay
	}
	s.count++
	s.total += delay
}

// Snapshot returns the current totals.
func (s *DelayStatistics) Snapshot() DelaySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := DelaySnapshot{Count: s.count, Total: s.total, Min: s.min, Max: s.max}
	if s.count > 0 {
		snap.Average = s.total / time.Duration(s.count)
	}
	return snap
}

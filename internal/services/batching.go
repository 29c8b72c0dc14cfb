package services

import "time"

// Backlog thresholds shared by the consumer pool and its tests.
const (
	DefaultHighWaterMark  = 2000
	DefaultEmergencyDrain = 300
)

// AdaptivePopTimeout is how long a consumer waits for the next envelope
// given the current queue depth. Deeper queues wait less.
func AdaptivePopTimeout(depth int) time.Duration {
	switch {
	case depth > 1000:
		return 50 * time.Millisecond
	case depth > 500:
		return 100 * time.Millisecond
	case depth > 200:
		return 200 * time.Millisecond
	default:
		return 300 * time.Millisecond
	}
}

// TargetBatchSize picks the batch size from queue depth, falling back to
// host CPU load when the queue is shallow.
func TargetBatchSize(depth int, cpuPercent float64) int {
	switch {
	case depth > 2000:
		return 150
	case depth > 1000:
		return 100
	case depth > 500:
		return 75
	case depth > 200:
		return 50
	case depth > 100:
		return 35
	}

	switch {
	case cpuPercent > 80:
		return 25
	case cpuPercent > 60:
		return 35
	default:
		return 50
	}
}

// BatchPlan is the consumer's decision for one loop iteration.
type BatchPlan struct {
	Emergency  bool
	DrainLimit int
	Size       int
	PopTimeout time.Duration
}

// PlanBatch decides between an emergency drain and a normal adaptive batch.
func PlanBatch(depth int, cpuPercent float64, highWaterMark, emergencyDrain int) BatchPlan {
	if highWaterMark <= 0 {
		highWaterMark = DefaultHighWaterMark
	}
	if emergencyDrain <= 0 {
		emergencyDrain = DefaultEmergencyDrain
	}
	if depth > highWaterMark {
		return BatchPlan{Emergency: true, DrainLimit: emergencyDrain}
	}
	return BatchPlan{
		Size:       TargetBatchSize(depth, cpuPercent),
		PopTimeout: AdaptivePopTimeout(depth),
	}
}

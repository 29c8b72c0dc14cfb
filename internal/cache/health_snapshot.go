package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const healthSnapshotKey = "tickstream:health"

// HealthSnapshot is the last system-monitor sample, published for external
// dashboards and schedulers.
type HealthSnapshot struct {
	SampledAt     time.Time `json:"sampled_at"`
	Running       bool      `json:"running"`
	Connected     bool      `json:"connected"`
	Halted        bool      `json:"halted"`
	State         string    `json:"state"`
	QueueDepth    int       `json:"queue_depth"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
}

// SnapshotPublisher writes HealthSnapshots to Redis with a TTL so a stale
// key disappears when the process dies.
type SnapshotPublisher struct {
	redis redis.Cmdable
	ttl   time.Duration
	key   string
}

func NewSnapshotPublisher(client redis.Cmdable, ttl time.Duration) *SnapshotPublisher {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &SnapshotPublisher{redis: client, ttl: ttl, key: healthSnapshotKey}
}

// Publish stores snap, replacing the previous one.
func (p *SnapshotPublisher) Publish(ctx context.Context, snap HealthSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal health snapshot: %w", err)
	}
	if err := p.redis.Set(ctx, p.key, data, p.ttl).Err(); err != nil {
		return fmt.Errorf("failed to publish health snapshot: %w", err)
	}
	return nil
}

// Latest reads the current snapshot. ok is false when none is stored.
func (p *SnapshotPublisher) Latest(ctx context.Context) (snap HealthSnapshot, ok bool, err error) {
	data, err := p.redis.Get(ctx, p.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return HealthSnapshot{}, false, nil
	}
	if err != nil {
		return HealthSnapshot{}, false, fmt.Errorf("failed to read health snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return HealthSnapshot{}, false, fmt.Errorf("failed to decode health snapshot: %w", err)
	}
	return snap, true, nil
}

package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/cache"
	"github.com/irfndi/tickstream-go/internal/models"
)

// Default monitor thresholds.
var (
	DefaultQueueTiers  = []int{100, 500, 1000}
	DefaultSystemTiers = []int{500, 1000, 2000}
)

// DepthReader reports the current queue depth.
type DepthReader interface {
	Len() int
}

// FeedView is the read-only supervisor state shown by the system monitor.
type FeedView interface {
	State() models.ConnectionState
	Connected() bool
	Halted() bool
}

// SnapshotSink receives the system monitor's samples.
type SnapshotSink interface {
	Publish(ctx context.Context, snap cache.HealthSnapshot) error
}

// tierLevel returns the alert level for the highest tier depth exceeds.
// Tiers beyond the third share the emergency level.
func tierLevel(depth int, tiers []int) (AlertLevel, int, bool) {
	crossed := -1
	for i, t := range tiers {
		if depth > t {
			crossed = i
		}
	}
	if crossed < 0 {
		return 0, 0, false
	}
	level := AlertLevel(crossed)
	if level > AlertEmergency {
		level = AlertEmergency
	}
	return level, tiers[crossed], true
}

func sortedTiers(tiers, fallback []int) []int {
	if len(tiers) == 0 {
		tiers = fallback
	}
	out := append([]int(nil), tiers...)
	sort.Ints(out)
	return out
}

// QueueMonitor alerts on tick queue backlog.
type QueueMonitor struct {
	queue    DepthReader
	tiers    []int
	interval time.Duration
	alerter  Alerter
	logger   *logrus.Entry
	now      func() time.Time
}

func NewQueueMonitor(q DepthReader, tiers []int, interval time.Duration, alerter Alerter, logger *logrus.Logger) *QueueMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &QueueMonitor{
		queue:    q,
		tiers:    sortedTiers(tiers, DefaultQueueTiers),
		interval: interval,
		alerter:  alerter,
		logger:   logger.WithField("component", "queue_monitor"),
		now:      time.Now,
	}
}

// Check returns the alert for the current depth, if any.
func (m *QueueMonitor) Check() (Alert, bool) {
	depth := m.queue.Len()
	level, tier, ok := tierLevel(depth, m.tiers)
	if !ok {
		return Alert{}, false
	}
	return Alert{
		Level:   level,
		Source:  "queue",
		Message: fmt.Sprintf("Tick queue depth %d above %d", depth, tier),
		Fields:  map[string]any{"depth": depth, "threshold": tier},
		At:      m.now(),
	}, true
}

// Run checks every interval until ctx is done.
func (m *QueueMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if alert, ok := m.Check(); ok {
				if err := m.alerter.Notify(ctx, alert); err != nil {
					m.logger.WithError(err).Debug("Failed to deliver queue alert")
				}
			}
		}
	}
}

// SystemMonitorConfig holds the host and backlog thresholds.
type SystemMonitorConfig struct {
	Interval           time.Duration
	CPUAlertPercent    float64
	MemoryAlertPercent float64
	QueueTiers         []int
}

// SystemMonitor samples host usage, queue depth and feed state, alerts on
// thresholds, and publishes a health snapshot.
type SystemMonitor struct {
	config  SystemMonitorConfig
	sampler *ResourceSampler
	queue   DepthReader
	feed    FeedView
	sink    SnapshotSink
	alerter Alerter
	logger  *logrus.Entry
	now     func() time.Time
}

// NewSystemMonitor creates a monitor. feed and sink may be nil.
func NewSystemMonitor(config SystemMonitorConfig, sampler *ResourceSampler, q DepthReader, feed FeedView, sink SnapshotSink, alerter Alerter, logger *logrus.Logger) *SystemMonitor {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.CPUAlertPercent <= 0 {
		config.CPUAlertPercent = 80
	}
	if config.MemoryAlertPercent <= 0 {
		config.MemoryAlertPercent = 80
	}
	config.QueueTiers = sortedTiers(config.QueueTiers, DefaultSystemTiers)

	return &SystemMonitor{
		config:  config,
		sampler: sampler,
		queue:   q,
		feed:    feed,
		sink:    sink,
		alerter: alerter,
		logger:  logger.WithField("component", "system_monitor"),
		now:     time.Now,
	}
}

// Snapshot gathers the current readings.
func (m *SystemMonitor) Snapshot() cache.HealthSnapshot {
	usage := m.sampler.Current()
	snap := cache.HealthSnapshot{
		SampledAt:     m.now(),
		Running:       true,
		QueueDepth:    m.queue.Len(),
		CPUPercent:    usage.CPUPercent,
		MemoryPercent: usage.MemoryPercent,
		State:         models.StateDisconnected.String(),
	}
	if m.feed != nil {
		snap.State = m.feed.State().String()
		snap.Connected = m.feed.Connected()
		snap.Halted = m.feed.Halted()
	}
	return snap
}

// Evaluate lists the alerts raised by snap.
func (m *SystemMonitor) Evaluate(snap cache.HealthSnapshot) []Alert {
	var alerts []Alert
	if snap.CPUPercent > m.config.CPUAlertPercent {
		alerts = append(alerts, Alert{
			Level:   AlertCritical,
			Source:  "system",
			Message: fmt.Sprintf("CPU usage %.1f%% above %.0f%%", snap.CPUPercent, m.config.CPUAlertPercent),
			Fields:  map[string]any{"cpu_percent": snap.CPUPercent},
			At:      snap.SampledAt,
		})
	}
	if snap.MemoryPercent > m.config.MemoryAlertPercent {
		alerts = append(alerts, Alert{
			Level:   AlertCritical,
			Source:  "system",
			Message: fmt.Sprintf("Memory usage %.1f%% above %.0f%%", snap.MemoryPercent, m.config.MemoryAlertPercent),
			Fields:  map[string]any{"memory_percent": snap.MemoryPercent},
			At:      snap.SampledAt,
		})
	}
	if level, tier, ok := tierLevel(snap.QueueDepth, m.config.QueueTiers); ok {
		alerts = append(alerts, Alert{
			Level:   level,
			Source:  "system",
			Message: fmt.Sprintf("Queue depth %d above %d", snap.QueueDepth, tier),
			Fields:  map[string]any{"depth": snap.QueueDepth, "threshold": tier},
			At:      snap.SampledAt,
		})
	}
	if snap.Halted {
		alerts = append(alerts, Alert{
			Level:   AlertEmergency,
			Source:  "feed",
			Message: "Feed supervisor halted after exhausting reconnects",
			At:      snap.SampledAt,
		})
	}
	return alerts
}

// Tick runs one monitoring cycle.
func (m *SystemMonitor) Tick(ctx context.Context) {
	snap := m.Snapshot()

	m.logger.WithFields(logrus.Fields{
		"cpu_percent":    snap.CPUPercent,
		"memory_percent": snap.MemoryPercent,
		"queue_depth":    snap.QueueDepth,
		"state":          snap.State,
	}).Debug("System sample")

	for _, alert := range m.Evaluate(snap) {
		if err := m.alerter.Notify(ctx, alert); err != nil {
			m.logger.WithError(err).Debug("Failed to deliver system alert")
		}
	}

	if m.sink != nil {
		if err := m.sink.Publish(ctx, snap); err != nil {
			m.logger.WithError(err).Warn("Failed to publish health snapshot")
		}
	}
}

// Run ticks every interval until ctx is done.
func (m *SystemMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

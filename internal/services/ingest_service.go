package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/queue"
	"github.com/irfndi/tickstream-go/internal/telemetry"
	"github.com/irfndi/tickstream-go/pkg/kite"
)

var (
	ErrAlreadyRunning = errors.New("ingest pipeline already running")
	ErrNotRunning     = errors.New("ingest pipeline not running")
	ErrStopping       = errors.New("ingest pipeline is stopping")
)

// supervisorJoinTimeout bounds how long Stop waits for the feed session to close.
const supervisorJoinTimeout = 10 * time.Second

// DirectoryLoader builds the instrument directory for the trading day.
type DirectoryLoader interface {
	Load(ctx context.Context, underlyings []models.Underlying) (*instruments.Directory, error)
}

// PriceSink is the store side of the pipeline.
type PriceSink interface {
	WriterSource
	Prepare(ctx context.Context, dir *instruments.Directory, reset bool) (int, error)
}

// IngestConfig gathers the settings of every pipeline stage.
type IngestConfig struct {
	Underlyings   []models.Underlying
	ResetOnStart  bool
	JoinTimeout   time.Duration
	QueueInterval time.Duration
	QueueTiers    []int
	Consumer      ConsumerConfig
	Supervisor    SupervisorConfig
	System        SystemMonitorConfig
}

// IngestDeps are the collaborators the pipeline is built from.
type IngestDeps struct {
	Loader    DirectoryLoader
	Store     PriceSink
	Auth      kite.Authenticator
	Connector kite.Connector
	Sampler   *ResourceSampler
	Alerter   Alerter
	Snapshots SnapshotSink
	Recovery  *ErrorRecoveryManager
	Timeouts  *TimeoutManager
	Metrics   *telemetry.Metrics
	Tracer    *telemetry.BusinessTracer
}

// IngestStatus is the operator view of the pipeline.
type IngestStatus struct {
	Running            bool          `json:"running"`
	Stopping           bool          `json:"stopping,omitempty"`
	TrackedUnderlyings []string      `json:"tracked_underlyings"`
	QueueDepth         int           `json:"queue_depth"`
	Connected          bool          `json:"connected"`
	State              string        `json:"state"`
	Halted             bool          `json:"halted"`
	LastError          string        `json:"last_error,omitempty"`
	Reconnects         int64         `json:"reconnects"`
	SessionID          string        `json:"session_id,omitempty"`
	Instruments        int           `json:"instruments"`
	Processed          int64         `json:"processed"`
	StartedAt          *time.Time    `json:"started_at,omitempty"`
	Delay              DelaySnapshot `json:"delay"`
}

// IngestService owns one run of the pipeline: directory, queue, consumers,
// monitors and the feed supervisor.
type IngestService struct {
	config IngestConfig
	deps   IngestDeps
	logger *logrus.Logger
	log    *logrus.Entry
	delays *DelayStatistics

	mu         sync.Mutex
	running    bool
	stopping   bool
	startedAt  time.Time
	dir        *instruments.Directory
	queue      *queue.Queue[models.TickEnvelope]
	pool       *BatchConsumerPool
	supervisor *ConnectionSupervisor
	cancel     context.CancelFunc
	supCancel  context.CancelFunc
	supDone    chan struct{}
	background sync.WaitGroup
}

func NewIngestService(config IngestConfig, deps IngestDeps, logger *logrus.Logger) *IngestService {
	if len(config.Underlyings) == 0 {
		config.Underlyings = []models.Underlying{models.UnderlyingNifty, models.UnderlyingSensex}
	}
	if config.JoinTimeout <= 0 {
		config.JoinTimeout = 5 * time.Second
	}
	if deps.Alerter == nil {
		deps.Alerter = NewLogAlerter(logger)
	}
	if deps.Recovery == nil {
		deps.Recovery = NewErrorRecoveryManager(logger)
	}
	if deps.Timeouts == nil {
		deps.Timeouts = NewTimeoutManager(nil, logger)
	}
	if deps.Sampler == nil {
		deps.Sampler = NewResourceSampler(nil, 0, deps.Metrics, logger)
	}
	return &IngestService{
		config: config,
		deps:   deps,
		logger: logger,
		log:    logger.WithField("component", "ingest"),
		delays: &DelayStatistics{},
	}
}

// Start bootstraps the directory and price table, then starts consumers,
// monitors and finally the feed supervisor. ctx bounds only the bootstrap.
func (s *IngestService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrAlreadyRunning
	}

	var dir *instruments.Directory
	err := s.deps.Recovery.ExecuteWithRetry(ctx, PolicyInstrumentDownload, func(ctx context.Context) error {
		return s.deps.Timeouts.ExecuteWithTimeout(ctx, OpInstrumentDownload, "instrument-download", func(ctx context.Context) error {
			loaded, err := s.deps.Loader.Load(ctx, s.config.Underlyings)
			if err != nil {
				return err
			}
			dir = loaded
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}

	var seeded int
	err = s.deps.Timeouts.ExecuteWithTimeout(ctx, OpTablePrepare, "price-table-prepare", func(ctx context.Context) error {
		n, err := s.deps.Store.Prepare(ctx, dir, s.config.ResetOnStart)
		seeded = n
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to prepare price table: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	q := queue.New[models.TickEnvelope]()
	resolver := NewResolver(dir, s.logger)

	pool := NewBatchConsumerPool(s.config.Consumer, s.deps.Store, q, resolver, s.deps.Sampler,
		s.delays, s.deps.Metrics, s.deps.Tracer, s.logger)
	supervisor := NewConnectionSupervisor(s.config.Supervisor, s.deps.Auth, s.deps.Connector, dir, q,
		s.deps.Metrics, s.deps.Tracer, s.logger)
	queueMonitor := NewQueueMonitor(q, s.config.QueueTiers, s.config.QueueInterval, s.deps.Alerter, s.logger)
	systemMonitor := NewSystemMonitor(s.config.System, s.deps.Sampler, q, supervisor, s.deps.Snapshots, s.deps.Alerter, s.logger)

	s.background.Add(3)
	go func() {
		defer s.background.Done()
		s.deps.Sampler.Run(runCtx)
	}()
	go func() {
		defer s.background.Done()
		queueMonitor.Run(runCtx)
	}()
	go func() {
		defer s.background.Done()
		systemMonitor.Run(runCtx)
	}()

	pool.Start(runCtx)

	supCtx, supCancel := context.WithCancel(runCtx)
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		if err := supervisor.Run(supCtx); err != nil {
			s.log.WithError(err).Error("Feed supervisor stopped")
			alert := Alert{Level: AlertEmergency, Source: "feed", Message: err.Error(), At: time.Now()}
			if nerr := s.deps.Alerter.Notify(context.Background(), alert); nerr != nil {
				s.log.WithError(nerr).Warn("Failed to deliver halt alert")
			}
		}
	}()

	s.dir = dir
	s.queue = q
	s.pool = pool
	s.supervisor = supervisor
	s.cancel = cancel
	s.supCancel = supCancel
	s.supDone = supDone
	s.running = true
	s.startedAt = time.Now()

	s.log.WithFields(logrus.Fields{
		"underlyings": s.config.Underlyings,
		"instruments": len(dir.SubscriptionIDs()),
		"seeded":      seeded,
		"workers":     pool.config.Workers,
	}).Info("Ingest pipeline started")
	return nil
}

// Stop closes the feed, lets consumers drain the queue within the join
// timeout, and stops the monitors. The lock is not held during the joins so
// Status stays available while the pipeline winds down. A bootstrap still in
// progress is aborted, its Start fails and Stop returns ErrNotRunning.
func (s *IngestService) Stop() error {
	s.deps.Timeouts.CancelAllOperations()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if s.stopping {
		s.mu.Unlock()
		return ErrStopping
	}
	s.stopping = true
	q, pool := s.queue, s.pool
	cancel, supCancel, supDone := s.cancel, s.supCancel, s.supDone
	s.mu.Unlock()

	supCancel()
	select {
	case <-supDone:
	case <-time.After(supervisorJoinTimeout):
		s.log.Warn("Feed supervisor did not stop in time")
	}

	q.Close()
	drainErr := pool.Stop(s.config.JoinTimeout)

	cancel()
	s.background.Wait()

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"processed": pool.Processed(),
		"remaining": q.Len(),
	}).Info("Ingest pipeline stopped")
	return drainErr
}

// Running reports whether Start succeeded and Stop has not been called.
func (s *IngestService) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Status reports the pipeline state. After Stop it keeps describing the
// last run.
func (s *IngestService) Status() IngestStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := IngestStatus{
		Running:            s.running,
		Stopping:           s.stopping,
		TrackedUnderlyings: make([]string, 0, len(s.config.Underlyings)),
		State:              models.StateDisconnected.String(),
		Delay:              s.delays.Snapshot(),
	}
	for _, u := range s.config.Underlyings {
		status.TrackedUnderlyings = append(status.TrackedUnderlyings, string(u))
	}
	if s.queue != nil {
		status.QueueDepth = s.queue.Len()
	}
	if s.dir != nil {
		status.Instruments = len(s.dir.SubscriptionIDs())
	}
	if s.pool != nil {
		status.Processed = s.pool.Processed()
	}
	if s.supervisor != nil {
		status.Connected = s.supervisor.Connected()
		status.State = s.supervisor.State().String()
		status.Halted = s.supervisor.Halted()
		status.Reconnects = s.supervisor.Reconnects()
		status.SessionID = s.supervisor.SessionID()
		if err := s.supervisor.LastError(); err != nil {
			status.LastError = err.Error()
		}
	}
	if s.running {
		started := s.startedAt
		status.StartedAt = &started
	}
	return status
}

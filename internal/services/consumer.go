package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/database"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/queue"
	"github.com/irfndi/tickstream-go/internal/telemetry"
)

// ErrJoinTimeout is returned by Stop when workers outlive the join timeout.
var ErrJoinTimeout = errors.New("consumers did not finish before join timeout")

// WriterSource hands each consumer its own store connection.
type WriterSource interface {
	Acquire(ctx context.Context) (database.PriceWriter, error)
}

// CPUReader reports the last sampled CPU utilization.
type CPUReader interface {
	CPUPercent() float64
}

// ConsumerConfig sizes the pool and its backlog policy.
type ConsumerConfig struct {
	Workers        int
	HighWaterMark  int
	EmergencyDrain int
	ConnRetryDelay time.Duration
}

// BatchConsumerPool drains the tick queue into the price store.
type BatchConsumerPool struct {
	config   ConsumerConfig
	writers  WriterSource
	queue    *queue.Queue[models.TickEnvelope]
	resolver *Resolver
	cpu      CPUReader
	delays   *DelayStatistics
	metrics  *telemetry.Metrics
	tracer   *telemetry.BusinessTracer
	logger   *logrus.Entry

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	processed atomic.Int64
	batches   atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBatchConsumerPool creates a pool. cpu may be nil, in which case batch
// sizing relies on queue depth alone.
func NewBatchConsumerPool(
	config ConsumerConfig,
	writers WriterSource,
	q *queue.Queue[models.TickEnvelope],
	resolver *Resolver,
	cpu CPUReader,
	delays *DelayStatistics,
	metrics *telemetry.Metrics,
	tracer *telemetry.BusinessTracer,
	logger *logrus.Logger,
) *BatchConsumerPool {
	if config.Workers <= 0 {
		config.Workers = 6
	}
	if config.HighWaterMark <= 0 {
		config.HighWaterMark = DefaultHighWaterMark
	}
	if config.EmergencyDrain <= 0 {
		config.EmergencyDrain = DefaultEmergencyDrain
	}
	if config.ConnRetryDelay <= 0 {
		config.ConnRetryDelay = time.Second
	}

	return &BatchConsumerPool{
		config:   config,
		writers:  writers,
		queue:    q,
		resolver: resolver,
		cpu:      cpu,
		delays:   delays,
		metrics:  metrics,
		tracer:   tracer,
		logger:   logger.WithField("component", "consumer"),
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Start launches the workers. They run until the queue is closed and empty,
// or until Stop gives up waiting.
func (p *BatchConsumerPool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.WithField("workers", p.config.Workers).Info("Batch consumers started")
}

// Stop waits for the workers to drain a closed queue. After timeout the
// workers are cancelled and ErrJoinTimeout is returned.
func (p *BatchConsumerPool) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.WithFields(logrus.Fields{
			"processed": p.processed.Load(),
			"batches":   p.batches.Load(),
		}).Info("Batch consumers stopped")
		return nil
	case <-time.After(timeout):
		if p.cancel != nil {
			p.cancel()
		}
		p.logger.WithField("remaining", p.queue.Len()).Warn("Batch consumers did not drain before join timeout")
		return ErrJoinTimeout
	}
}

// Processed is the number of envelopes taken off the queue.
func (p *BatchConsumerPool) Processed() int64 {
	return p.processed.Load()
}

func (p *BatchConsumerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.WithField("worker", id)

	var writer database.PriceWriter
	defer func() {
		if writer != nil {
			writer.Release()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if p.queue.Closed() && p.queue.Len() == 0 {
			return
		}

		if writer != nil && !writer.Alive() {
			log.Warn("Store connection lost, reacquiring")
			writer.Release()
			writer = nil
		}
		if writer == nil {
			acquired, err := p.writers.Acquire(ctx)
			if err != nil {
				p.metrics.AcquireErrors.Inc()
				log.WithError(err).Warn("Failed to acquire store connection")
				if p.sleep(ctx, p.config.ConnRetryDelay) != nil {
					return
				}
				continue
			}
			writer = database.NewTracedWriter(acquired, p.tracer, p.metrics)
		}

		batch, emergency := p.collect(ctx)
		if len(batch) == 0 {
			continue
		}
		p.apply(ctx, writer, id, batch, emergency)
	}
}

// collect builds the next batch according to the current backlog.
func (p *BatchConsumerPool) collect(ctx context.Context) ([]models.TickEnvelope, bool) {
	depth := p.queue.Len()
	p.metrics.QueueDepth.Set(float64(depth))

	var cpu float64
	if p.cpu != nil {
		cpu = p.cpu.CPUPercent()
	}

	plan := PlanBatch(depth, cpu, p.config.HighWaterMark, p.config.EmergencyDrain)
	if plan.Emergency {
		p.metrics.EmergencyDrains.Inc()
		p.logger.WithFields(logrus.Fields{"depth": depth, "limit": plan.DrainLimit}).Warn("Queue over high-water mark, draining")
		return p.queue.DrainUpTo(plan.DrainLimit), true
	}

	batch := make([]models.TickEnvelope, 0, plan.Size)
	timeout := plan.PopTimeout
	for len(batch) < plan.Size {
		item, ok := p.queue.Pop(ctx, timeout)
		if !ok {
			break
		}
		batch = append(batch, item)
		timeout = AdaptivePopTimeout(p.queue.Len())
	}
	return batch, false
}

// apply writes one batch. Failed upserts are logged and the batch is
// considered consumed.
func (p *BatchConsumerPool) apply(ctx context.Context, writer database.PriceWriter, id int, batch []models.TickEnvelope, emergency bool) {
	start := p.now()
	ctx, span := p.tracer.TraceBatch(ctx, id)
	defer span.End()

	log := p.logger.WithField("worker", id)
	classified := p.resolver.Classify(batch)

	dropped := 0
	for reason, n := range classified.Dropped {
		dropped += n
		p.metrics.TicksDropped.WithLabelValues(reason).Add(float64(n))
	}

	for _, spot := range classified.Spots {
		if err := writer.UpsertSpot(ctx, spot); err != nil {
			p.tracer.RecordError(span, err)
			log.WithError(err).WithField("symbol", spot.Symbol).Error("Spot upsert failed")
		}
	}
	if len(classified.Contracts) > 0 {
		if err := writer.UpsertBulk(ctx, classified.Contracts); err != nil {
			p.tracer.RecordError(span, err)
			log.WithError(err).WithField("rows", len(classified.Contracts)).Error("Bulk upsert failed")
		}
	}

	processedAt := p.now()
	for _, env := range batch {
		if env.ExchangeTimestamp.IsZero() || !env.Valid() {
			continue
		}
		delay := processedAt.Sub(env.ExchangeTimestamp)
		p.delays.Observe(delay)
		p.metrics.TickDelay.Observe(delay.Seconds())
	}

	elapsed := processedAt.Sub(start)
	p.processed.Add(int64(len(batch)))
	p.batches.Add(1)
	p.metrics.BatchSize.Observe(float64(len(batch)))
	p.metrics.BatchLatency.Observe(elapsed.Seconds())
	p.tracer.RecordBatchMetrics(span, telemetry.BatchMetrics{
		Size:       len(batch),
		Spots:      len(classified.Spots),
		Contracts:  len(classified.Contracts),
		Dropped:    dropped,
		Emergency:  emergency,
		QueueDepth: p.queue.Len(),
		Duration:   elapsed,
	})
}

package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/instruments"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/queue"
	"github.com/irfndi/tickstream-go/internal/telemetry"
	"github.com/irfndi/tickstream-go/pkg/kite"
)

var (
	// ErrReconnectsExhausted halts the supervisor for good.
	ErrReconnectsExhausted = errors.New("feed reconnect attempts exhausted")
	// ErrNormalClosure ends a session without a retry.
	ErrNormalClosure = errors.New("feed closed normally")
	// ErrStaleConnection is returned when the watchdog sees no activity.
	ErrStaleConnection = errors.New("feed connection stale")
	// ErrSessionEnded means the provider stopped delivering events unannounced.
	ErrSessionEnded = errors.New("feed session ended")
)

// codeTokenExpired is sent by the ticker when the access token is no longer valid.
const codeTokenExpired = 403

// FeedError is a non-normal error or close reported by the provider.
type FeedError struct {
	Code   int
	Reason string
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed error %d: %s", e.Code, e.Reason)
}

// SupervisorConfig bounds the reconnect policy and the liveness watchdog.
type SupervisorConfig struct {
	MaxReconnects    int
	Cooldown         time.Duration
	StaleAfter       time.Duration
	LivenessInterval time.Duration
}

// DefaultSupervisorConfig returns the production reconnect policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxReconnects:    10,
		Cooldown:         5 * time.Second,
		StaleAfter:       300 * time.Second,
		LivenessInterval: time.Second,
	}
}

// ConnectionSupervisor owns the feed session. It is the only writer of the
// connection state and the only producer on the tick queue.
type ConnectionSupervisor struct {
	config    SupervisorConfig
	auth      kite.Authenticator
	connector kite.Connector
	dir       *instruments.Directory
	queue     *queue.Queue[models.TickEnvelope]
	metrics   *telemetry.Metrics
	tracer    *telemetry.BusinessTracer
	logger    *logrus.Entry

	state      atomic.Int32
	halted     atomic.Bool
	failures   atomic.Int32
	reconnects atomic.Int64

	mu        sync.RWMutex
	lastErr   error
	sessionID string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewConnectionSupervisor wires a supervisor for one trading session.
func NewConnectionSupervisor(
	config SupervisorConfig,
	auth kite.Authenticator,
	connector kite.Connector,
	dir *instruments.Directory,
	q *queue.Queue[models.TickEnvelope],
	metrics *telemetry.Metrics,
	tracer *telemetry.BusinessTracer,
	logger *logrus.Logger,
) *ConnectionSupervisor {
	defaults := DefaultSupervisorConfig()
	if config.MaxReconnects <= 0 {
		config.MaxReconnects = defaults.MaxReconnects
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.LivenessInterval <= 0 {
		config.LivenessInterval = defaults.LivenessInterval
	}

	s := &ConnectionSupervisor{
		config:    config,
		auth:      auth,
		connector: connector,
		dir:       dir,
		queue:     q,
		metrics:   metrics,
		tracer:    tracer,
		logger:    logger.WithField("component", "supervisor"),
		now:       time.Now,
		sleep:     sleepContext,
	}
	s.setState(models.StateDisconnected)
	return s
}

func (s *ConnectionSupervisor) setState(state models.ConnectionState) {
	prev := models.ConnectionState(s.state.Swap(int32(state)))
	s.metrics.ConnectionState.Set(float64(state))
	if prev != state {
		s.logger.WithFields(logrus.Fields{"from": prev.String(), "to": state.String()}).Debug("Connection state changed")
	}
}

// State is the current connection state.
func (s *ConnectionSupervisor) State() models.ConnectionState {
	return models.ConnectionState(s.state.Load())
}

// Connected reports whether the session is subscribed.
func (s *ConnectionSupervisor) Connected() bool {
	return s.State() == models.StateSubscribed
}

// Halted reports whether the reconnect budget was exhausted.
func (s *ConnectionSupervisor) Halted() bool {
	return s.halted.Load()
}

// Reconnects is the total number of reconnect attempts made.
func (s *ConnectionSupervisor) Reconnects() int64 {
	return s.reconnects.Load()
}

// LastError is the most recent session failure, if any.
func (s *ConnectionSupervisor) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SessionID identifies the current or last feed session.
func (s *ConnectionSupervisor) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

func (s *ConnectionSupervisor) recordError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// Run keeps a session alive until ctx is cancelled, the feed closes
// normally, or MaxReconnects consecutive sessions fail. Only the last case
// returns an error.
func (s *ConnectionSupervisor) Run(ctx context.Context) error {
	for {
		err := s.ConnectAndServe(ctx)

		switch {
		case ctx.Err() != nil, errors.Is(err, queue.ErrQueueClosed):
			s.setState(models.StateClosed)
			return nil
		case err == nil, errors.Is(err, ErrNormalClosure):
			s.setState(models.StateDisconnected)
			s.logger.Info("Feed closed normally, not reconnecting")
			return nil
		}

		s.recordError(err)
		failures := s.failures.Add(1)
		s.setState(models.StateDisconnected)

		if int(failures) >= s.config.MaxReconnects {
			s.halted.Store(true)
			s.logger.WithError(err).WithField("failures", failures).Error("Feed reconnect attempts exhausted, halting")
			return fmt.Errorf("%w after %d failures: %w", ErrReconnectsExhausted, failures, err)
		}

		s.reconnects.Add(1)
		s.metrics.Reconnects.Inc()
		s.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":  failures,
			"max":      s.config.MaxReconnects,
			"cooldown": s.config.Cooldown,
		}).Warn("Feed session failed, reconnecting")

		if err := s.sleep(ctx, s.config.Cooldown); err != nil {
			s.setState(models.StateClosed)
			return nil
		}
	}
}

// ConnectAndServe runs one session and blocks until it ends.
func (s *ConnectionSupervisor) ConnectAndServe(ctx context.Context) error {
	s.setState(models.StateAuthenticating)
	token, err := s.auth.AccessToken(ctx)
	if err != nil {
		s.auth.Invalidate()
		return fmt.Errorf("failed to authenticate: %w", err)
	}

	s.setState(models.StateConnecting)
	session, err := s.connector.Connect(ctx, token)
	if err != nil {
		var dialErr *kite.DialError
		if errors.As(err, &dialErr) && dialErr.StatusCode == codeTokenExpired {
			s.auth.Invalidate()
		}
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.WithError(cerr).Debug("Error closing feed session")
		}
	}()

	ids := s.dir.SubscriptionIDs()
	sessionID := uuid.NewString()
	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()

	ctx, span := s.tracer.TraceFeedSession(ctx, sessionID, len(ids))
	defer span.End()

	log := s.logger.WithField("session_id", sessionID)
	lastActivity := s.now()
	watchdog := time.NewTicker(s.config.LivenessInterval)
	defer watchdog.Stop()

	events := session.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-watchdog.C:
			if idle := s.now().Sub(lastActivity); idle > s.config.StaleAfter {
				s.setState(models.StateDegraded)
				log.WithField("idle", idle).Warn("No feed activity, tearing down session")
				s.tracer.RecordError(span, ErrStaleConnection)
				return ErrStaleConnection
			}

		case ev, ok := <-events:
			if !ok {
				s.tracer.RecordError(span, ErrSessionEnded)
				return ErrSessionEnded
			}
			lastActivity = s.now()

			switch ev.Kind {
			case kite.EventConnected:
				if err := s.subscribe(session, ids); err != nil {
					s.tracer.RecordError(span, err)
					return err
				}
				s.failures.Store(0)
				s.setState(models.StateSubscribed)
				log.WithField("instruments", len(ids)).Info("Subscribed to feed")

			case kite.EventTicks:
				if err := s.enqueue(ev); err != nil {
					return err
				}

			case kite.EventError, kite.EventClosed:
				if kite.IsNormalClosure(ev.Code) {
					log.WithField("code", ev.Code).Info("Feed closed")
					return ErrNormalClosure
				}
				s.setState(models.StateDegraded)
				if ev.Code == codeTokenExpired {
					s.auth.Invalidate()
				}
				ferr := &FeedError{Code: ev.Code, Reason: ev.Reason}
				log.WithFields(logrus.Fields{"code": ev.Code, "reason": ev.Reason, "event": ev.Kind.String()}).Warn("Feed error")
				s.tracer.RecordError(span, ferr)
				return ferr
			}
		}
	}
}

func (s *ConnectionSupervisor) subscribe(session kite.Session, ids []uint32) error {
	if err := session.Subscribe(ids); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := session.SetMode(kite.ModeFull, ids); err != nil {
		return fmt.Errorf("failed to set full mode: %w", err)
	}
	return nil
}

func (s *ConnectionSupervisor) enqueue(ev kite.Event) error {
	if len(ev.Ticks) == 0 {
		return nil
	}
	enqueuedAt := s.now()
	envelopes := make([]models.TickEnvelope, 0, len(ev.Ticks))
	for _, t := range ev.Ticks {
		envelopes = append(envelopes, models.TickEnvelope{
			Source:            models.TickSourceFeed,
			InstrumentID:      t.InstrumentToken,
			LastPrice:         decimal.NewNullDecimal(t.LastPrice),
			ExchangeTimestamp: t.ExchangeTimestamp,
			EnqueuedAt:        enqueuedAt,
		})
	}
	if err := s.queue.PushAll(envelopes); err != nil {
		return err
	}
	s.metrics.TicksReceived.Add(float64(len(envelopes)))
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	return nil
}

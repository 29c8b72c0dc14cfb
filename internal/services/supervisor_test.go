package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/queue"
	"github.com/irfndi/tickstream-go/internal/telemetry"
	"github.com/irfndi/tickstream-go/pkg/kite"
)

func testTracer() *telemetry.BusinessTracer {
	return telemetry.NewBusinessTracer(noop.NewTracerProvider().Tracer("test"))
}

type fakeAuth struct {
	err         error
	calls       atomic.Int32
	invalidated atomic.Int32
}

func (a *fakeAuth) AccessToken(context.Context) (string, error) {
	a.calls.Add(1)
	if a.err != nil {
		return "", a.err
	}
	return "token", nil
}

func (a *fakeAuth) Invalidate() { a.invalidated.Add(1) }

type fakeSession struct {
	events     chan kite.Event
	mu         sync.Mutex
	subscribed []uint32
	mode       kite.Mode
	closed     bool
}

func newFakeSession(events ...kite.Event) *fakeSession {
	ch := make(chan kite.Event, len(events)+1)
	for _, ev := range events {
		ch <- ev
	}
	return &fakeSession{events: ch}
}

func (s *fakeSession) Events() <-chan kite.Event { return s.events }

func (s *fakeSession) Subscribe(tokens []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append([]uint32(nil), tokens...)
	return nil
}

func (s *fakeSession) SetMode(mode kite.Mode, _ []uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

func (s *fakeSession) IsConnected() bool { return true }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeConnector hands out scripted sessions; once the script runs out every
// connect fails.
type fakeConnector struct {
	mu       sync.Mutex
	sessions []*fakeSession
	calls    int
}

func (c *fakeConnector) Connect(context.Context, string) (kite.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if len(c.sessions) == 0 {
		return nil, errors.New("dial refused")
	}
	s := c.sessions[0]
	c.sessions = c.sessions[1:]
	return s, nil
}

func (c *fakeConnector) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestSupervisor(t *testing.T, cfg SupervisorConfig, auth kite.Authenticator, conn kite.Connector) (*ConnectionSupervisor, *queue.Queue[models.TickEnvelope], *[]time.Duration) {
	t.Helper()
	q := queue.New[models.TickEnvelope]()
	s := NewConnectionSupervisor(cfg, auth, conn, testDirectory(t), q, telemetry.NewMetrics("test"), testTracer(), quietLogger())
	var slept []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return s, q, &slept
}

func TestSupervisor_SubscribesAndEnqueues(t *testing.T) {
	at := time.Date(2026, 10, 16, 9, 15, 0, 0, time.UTC)
	session := newFakeSession(
		kite.Event{Kind: kite.EventConnected},
		kite.Event{Kind: kite.EventTicks, Ticks: []kite.Tick{
			{InstrumentToken: testCallID, LastPrice: decimal.NewFromInt(101), ExchangeTimestamp: at},
			{InstrumentToken: testSpotID, LastPrice: decimal.NewFromInt(25000), ExchangeTimestamp: at},
		}},
		kite.Event{Kind: kite.EventClosed, Code: kite.CloseNormal, Reason: "bye"},
	)
	conn := &fakeConnector{sessions: []*fakeSession{session}}
	s, q, slept := newTestSupervisor(t, SupervisorConfig{}, &fakeAuth{}, conn)

	require.NoError(t, s.Run(context.Background()))

	assert.Equal(t, []uint32{testCallID, testPutID, testSpotID}, session.subscribed)
	assert.Equal(t, kite.ModeFull, session.mode)
	assert.True(t, session.closed)
	assert.Empty(t, *slept)
	assert.False(t, s.Halted())
	assert.Equal(t, models.StateDisconnected, s.State())
	assert.NotEmpty(t, s.SessionID())

	require.Equal(t, 2, q.Len())
	drained := q.DrainUpTo(1)
	require.Len(t, drained, 1)
	first := drained[0]
	assert.Equal(t, testCallID, first.InstrumentID)
	assert.Equal(t, models.TickSourceFeed, first.Source)
	assert.True(t, first.LastPrice.Decimal.Equal(decimal.NewFromInt(101)))
	assert.True(t, first.ExchangeTimestamp.Equal(at))
}

func TestSupervisor_HaltsAfterMaxReconnects(t *testing.T) {
	conn := &fakeConnector{}
	s, _, slept := newTestSupervisor(t, SupervisorConfig{MaxReconnects: 10, Cooldown: 5 * time.Second}, &fakeAuth{}, conn)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectsExhausted)

	assert.Equal(t, 10, conn.Calls())
	assert.True(t, s.Halted())
	assert.Equal(t, int64(9), s.Reconnects())
	assert.Len(t, *slept, 9)
	for _, d := range *slept {
		assert.Equal(t, 5*time.Second, d)
	}
	require.Error(t, s.LastError())
	assert.Contains(t, s.LastError().Error(), "dial refused")
}

func TestSupervisor_SubscribedResetsFailureCount(t *testing.T) {
	conn := &fakeConnector{sessions: []*fakeSession{
		newFakeSession(kite.Event{Kind: kite.EventError, Code: 1006, Reason: "abnormal"}),
		newFakeSession(
			kite.Event{Kind: kite.EventConnected},
			kite.Event{Kind: kite.EventError, Code: 1011, Reason: "server error"},
		),
	}}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{MaxReconnects: 3}, &fakeAuth{}, conn)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectsExhausted)

	// fail, subscribe then fail (reset to 1), then two dial failures
	assert.Equal(t, 4, conn.Calls())
	var ferr *FeedError
	assert.False(t, errors.As(err, &ferr))
}

func TestSupervisor_TokenExpiredInvalidates(t *testing.T) {
	auth := &fakeAuth{}
	conn := &fakeConnector{sessions: []*fakeSession{
		newFakeSession(kite.Event{Kind: kite.EventError, Code: 403, Reason: "token expired"}),
	}}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{}, auth, conn)

	err := s.ConnectAndServe(context.Background())
	var ferr *FeedError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, 403, ferr.Code)
	assert.Equal(t, int32(1), auth.invalidated.Load())
	assert.Equal(t, models.StateDegraded, s.State())
}

type rejectingConnector struct {
	status int
}

func (c rejectingConnector) Connect(context.Context, string) (kite.Session, error) {
	return nil, &kite.DialError{StatusCode: c.status, Err: errors.New("bad handshake")}
}

func TestSupervisor_RejectedHandshake(t *testing.T) {
	auth := &fakeAuth{}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{}, auth, rejectingConnector{status: 403})

	err := s.ConnectAndServe(context.Background())
	var dialErr *kite.DialError
	require.ErrorAs(t, err, &dialErr)
	assert.Equal(t, int32(1), auth.invalidated.Load())

	auth = &fakeAuth{}
	s, _, _ = newTestSupervisor(t, SupervisorConfig{}, auth, rejectingConnector{status: 500})
	require.Error(t, s.ConnectAndServe(context.Background()))
	assert.Zero(t, auth.invalidated.Load())
}

func TestSupervisor_AuthFailureInvalidates(t *testing.T) {
	auth := &fakeAuth{err: errors.New("bad totp")}
	conn := &fakeConnector{}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{MaxReconnects: 2}, auth, conn)

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrReconnectsExhausted)
	assert.Equal(t, int32(2), auth.invalidated.Load())
	assert.Zero(t, conn.Calls())
}

func TestSupervisor_WatchdogTearsDownStaleSession(t *testing.T) {
	session := newFakeSession(kite.Event{Kind: kite.EventConnected})
	conn := &fakeConnector{sessions: []*fakeSession{session}}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{
		StaleAfter:       30 * time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
	}, &fakeAuth{}, conn)

	err := s.ConnectAndServe(context.Background())
	require.ErrorIs(t, err, ErrStaleConnection)
	assert.True(t, session.closed)
	assert.Equal(t, models.StateDegraded, s.State())
}

func TestSupervisor_StopsOnCancel(t *testing.T) {
	session := newFakeSession(kite.Event{Kind: kite.EventConnected})
	conn := &fakeConnector{sessions: []*fakeSession{session}}
	s, _, _ := newTestSupervisor(t, SupervisorConfig{}, &fakeAuth{}, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, s.Connected, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.Equal(t, models.StateClosed, s.State())
	assert.False(t, s.Halted())
}

func TestSupervisor_StopsWhenQueueClosed(t *testing.T) {
	session := newFakeSession(
		kite.Event{Kind: kite.EventConnected},
		kite.Event{Kind: kite.EventTicks, Ticks: []kite.Tick{{InstrumentToken: testCallID, LastPrice: decimal.NewFromInt(1)}}},
	)
	conn := &fakeConnector{sessions: []*fakeSession{session}}
	s, q, _ := newTestSupervisor(t, SupervisorConfig{}, &fakeAuth{}, conn)
	q.Close()

	assert.NoError(t, s.Run(context.Background()))
	assert.Equal(t, models.StateClosed, s.State())
}

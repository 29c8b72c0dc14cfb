package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/tickstream-go/internal/database"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/services"
)

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

type stubPipeline struct {
	status   services.IngestStatus
	startErr error
	stopErr  error
	starts   int
	stops    int
}

func (p *stubPipeline) Start(context.Context) error {
	p.starts++
	if p.startErr == nil {
		p.status.Running = true
	}
	return p.startErr
}

func (p *stubPipeline) Stop() error {
	p.stops++
	if p.stopErr == nil || errors.Is(p.stopErr, services.ErrJoinTimeout) {
		p.status.Running = false
	}
	return p.stopErr
}

func (p *stubPipeline) Status() services.IngestStatus { return p.status }

type stubPrices map[string]*models.LivePrice

func (s stubPrices) Get(_ context.Context, symbol string) (*models.LivePrice, error) {
	if symbol == "BROKEN" {
		return nil, errors.New("conn reset")
	}
	p, ok := s[symbol]
	if !ok {
		return nil, database.ErrNotFound
	}
	return p, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func serve(t *testing.T, method, path string, register func(r *gin.Engine)) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	register(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name     string
		db       HealthChecker
		redis    HealthChecker
		pipeline *stubPipeline
		want     int
		status   string
		feed     string
	}{
		{"all healthy", stubChecker{}, stubChecker{}, &stubPipeline{status: services.IngestStatus{Running: true, State: "subscribed"}}, http.StatusOK, "healthy", "subscribed"},
		{"redis disabled", stubChecker{}, nil, &stubPipeline{}, http.StatusOK, "healthy", "stopped"},
		{"database down", stubChecker{err: errors.New("refused")}, nil, &stubPipeline{}, http.StatusServiceUnavailable, "unhealthy", "stopped"},
		{"feed halted", stubChecker{}, nil, &stubPipeline{status: services.IngestStatus{Running: true, Halted: true}}, http.StatusServiceUnavailable, "unhealthy", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.db, tt.redis, tt.pipeline, "test")
			w := serve(t, http.MethodGet, "/health", func(r *gin.Engine) { r.GET("/health", h.HealthCheck) })

			assert.Equal(t, tt.want, w.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.feed, resp.Services["feed"])
			assert.Equal(t, "test", resp.Version)
			_, hasRedis := resp.Services["redis"]
			assert.Equal(t, tt.redis != nil, hasRedis)
		})
	}
}

func TestReadinessAndLiveness(t *testing.T) {
	h := NewHealthHandler(stubChecker{err: errors.New("down")}, nil, nil, "")
	w := serve(t, http.MethodGet, "/ready", func(r *gin.Engine) { r.GET("/ready", h.ReadinessCheck) })
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(t, http.MethodGet, "/live", func(r *gin.Engine) { r.GET("/live", h.LivenessCheck) })
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestIngestHandler(t *testing.T) {
	p := &stubPipeline{status: services.IngestStatus{TrackedUnderlyings: []string{"NIFTY", "SENSEX"}}}
	h := NewIngestHandler(p, quietLogger())
	register := func(r *gin.Engine) {
		r.GET("/status", h.GetStatus)
		r.POST("/start", h.Start)
		r.POST("/stop", h.Stop)
	}

	w := serve(t, http.MethodPost, "/start", register)
	assert.Equal(t, http.StatusOK, w.Code)
	var status services.IngestStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.True(t, status.Running)
	assert.Equal(t, []string{"NIFTY", "SENSEX"}, status.TrackedUnderlyings)

	p.startErr = services.ErrAlreadyRunning
	assert.Equal(t, http.StatusConflict, serve(t, http.MethodPost, "/start", register).Code)

	p.startErr = errors.New("instrument dump empty")
	w = serve(t, http.MethodPost, "/start", register)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "instrument dump empty")

	assert.Equal(t, http.StatusOK, serve(t, http.MethodPost, "/stop", register).Code)

	p.stopErr = services.ErrJoinTimeout
	assert.Equal(t, http.StatusOK, serve(t, http.MethodPost, "/stop", register).Code)

	p.stopErr = services.ErrNotRunning
	assert.Equal(t, http.StatusConflict, serve(t, http.MethodPost, "/stop", register).Code)

	p.stopErr = services.ErrStopping
	assert.Equal(t, http.StatusConflict, serve(t, http.MethodPost, "/stop", register).Code)

	w = serve(t, http.MethodGet, "/status", register)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"queue_depth":0`)
}

func TestPriceHandler(t *testing.T) {
	ts := time.Date(2026, 10, 16, 9, 15, 0, 0, time.UTC)
	source := "kite"
	prices := stubPrices{
		"NIFTY26O2025000CE": {
			Symbol:    "NIFTY26O2025000CE",
			Price:     decimal.NewNullDecimal(decimal.RequireFromString("99.5")),
			Timestamp: &ts,
			Source:    &source,
		},
		"NIFTY26O2025000PE": {Symbol: "NIFTY26O2025000PE"},
	}
	h := NewPriceHandler(prices)
	register := func(r *gin.Engine) { r.GET("/prices/:symbol", h.GetPrice) }

	w := serve(t, http.MethodGet, "/prices/NIFTY26O2025000CE", register)
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "99.5", got["price"])
	assert.Equal(t, "kite", got["source"])

	w = serve(t, http.MethodGet, "/prices/NIFTY26O2025000PE", register)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Nil(t, got["price"])

	assert.Equal(t, http.StatusNotFound, serve(t, http.MethodGet, "/prices/UNKNOWN", register).Code)
	assert.Equal(t, http.StatusInternalServerError, serve(t, http.MethodGet, "/prices/BROKEN", register).Code)
}

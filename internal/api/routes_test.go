package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/irfndi/tickstream-go/internal/database"
	"github.com/irfndi/tickstream-go/internal/models"
	"github.com/irfndi/tickstream-go/internal/services"
	"github.com/irfndi/tickstream-go/internal/telemetry"
)

type okChecker struct{}

func (okChecker) HealthCheck(context.Context) error { return nil }

type idlePipeline struct{ started bool }

func (p *idlePipeline) Start(context.Context) error { p.started = true; return nil }
func (p *idlePipeline) Stop() error                 { return services.ErrNotRunning }
func (p *idlePipeline) Status() services.IngestStatus {
	return services.IngestStatus{Running: p.started, TrackedUnderlyings: []string{"NIFTY"}}
}

type noPrices struct{}

func (noPrices) Get(context.Context, string) (*models.LivePrice, error) {
	return nil, database.ErrNotFound
}

func newTestRouter(p *idlePipeline) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewRouter(RouterDeps{
		ServiceName: "tickstream-test",
		Version:     "test",
		AdminAPIKey: "secret",
		Database:    okChecker{},
		Pipeline:    p,
		Prices:      noPrices{},
		Metrics:     telemetry.NewMetrics("test").Handler(),
		Logger:      logger,
	})
}

func TestRouter_Routes(t *testing.T) {
	p := &idlePipeline{}
	router := newTestRouter(p)

	tests := []struct {
		method string
		path   string
		header map[string]string
		want   int
	}{
		{http.MethodGet, "/health", nil, http.StatusOK},
		{http.MethodGet, "/ready", nil, http.StatusOK},
		{http.MethodGet, "/live", nil, http.StatusOK},
		{http.MethodGet, "/metrics", nil, http.StatusOK},
		{http.MethodGet, "/api/v1/ingest/status", nil, http.StatusOK},
		{http.MethodPost, "/api/v1/ingest/start", nil, http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/ingest/stop", map[string]string{"X-API-Key": "wrong"}, http.StatusUnauthorized},
		{http.MethodPost, "/api/v1/ingest/stop", map[string]string{"X-API-Key": "secret"}, http.StatusConflict},
		{http.MethodPost, "/api/v1/ingest/start", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{http.MethodGet, "/api/v1/prices/NIFTY%2050", nil, http.StatusNotFound},
		{http.MethodGet, "/api/v1/unknown", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
	assert.True(t, p.started)
}

func TestRouter_MetricsExposition(t *testing.T) {
	router := newTestRouter(&idlePipeline{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, w.Body.String(), "test_queue_depth")
}

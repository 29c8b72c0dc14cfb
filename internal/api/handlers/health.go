package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/tickstream-go/internal/services"
)

var startTime = time.Now()

// HealthChecker is anything that can report its own connectivity.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// PipelineStatus exposes the ingest service state.
type PipelineStatus interface {
	Status() services.IngestStatus
}

type HealthHandler struct {
	db       HealthChecker
	redis    HealthChecker
	pipeline PipelineStatus
	version  string
}

type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
}

// NewHealthHandler creates the health handler. redis may be nil when the
// cache is disabled.
func NewHealthHandler(db, redis HealthChecker, pipeline PipelineStatus, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, pipeline: pipeline, version: version}
}

// HealthCheck reports storage connectivity and pipeline state. A halted feed
// supervisor makes the service unhealthy so an orchestrator restarts it.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	checks := make(map[string]string)

	if h.db != nil {
		if err := h.db.HealthCheck(ctx); err != nil {
			checks["database"] = "unhealthy: " + err.Error()
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "unhealthy: not configured"
	}

	if h.redis != nil {
		if err := h.redis.HealthCheck(ctx); err != nil {
			checks["redis"] = "unhealthy: " + err.Error()
		} else {
			checks["redis"] = "healthy"
		}
	}

	feed := ""
	if h.pipeline != nil {
		status := h.pipeline.Status()
		switch {
		case status.Halted:
			checks["pipeline"] = "unhealthy: feed supervisor halted"
		case !status.Running:
			checks["pipeline"] = "healthy"
			feed = "stopped"
		default:
			checks["pipeline"] = "healthy"
			feed = status.State
		}
	}

	overallStatus := "healthy"
	for _, status := range checks {
		if status != "healthy" {
			overallStatus = "unhealthy"
			break
		}
	}
	if feed != "" {
		checks["feed"] = feed
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Services:  checks,
		Version:   h.version,
		Uptime:    time.Since(startTime).String(),
	}

	code := http.StatusOK
	if overallStatus != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// ReadinessCheck succeeds once the database answers.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if h.db == nil || h.db.HealthCheck(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

// LivenessCheck only shows the process is responsive.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/tickstream-go/internal/middleware"
	"github.com/irfndi/tickstream-go/internal/services"
)

// Pipeline is the lifecycle surface of the ingest service.
type Pipeline interface {
	Start(ctx context.Context) error
	Stop() error
	Status() services.IngestStatus
}

type IngestHandler struct {
	pipeline Pipeline
	logger   *logrus.Entry
}

func NewIngestHandler(pipeline Pipeline, logger *logrus.Logger) *IngestHandler {
	return &IngestHandler{pipeline: pipeline, logger: logger.WithField("component", "ingest_handler")}
}

// GetStatus handles GET /api/v1/ingest/status.
func (h *IngestHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

// Start handles POST /api/v1/ingest/start. Bootstrap runs within the
// request; the pipeline keeps running after the response.
func (h *IngestHandler) Start(c *gin.Context) {
	err := h.pipeline.Start(c.Request.Context())
	switch {
	case errors.Is(err, services.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		middleware.RecordError(c, err, "pipeline start failed")
		h.logger.WithError(err).Error("Failed to start ingest pipeline")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start pipeline", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.pipeline.Status())
}

// Stop handles POST /api/v1/ingest/stop.
func (h *IngestHandler) Stop(c *gin.Context) {
	err := h.pipeline.Stop()
	switch {
	case errors.Is(err, services.ErrNotRunning), errors.Is(err, services.ErrStopping):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, services.ErrJoinTimeout):
		h.logger.WithError(err).Warn("Pipeline stopped with undrained backlog")
	case err != nil:
		middleware.RecordError(c, err, "pipeline stop failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.pipeline.Status())
}

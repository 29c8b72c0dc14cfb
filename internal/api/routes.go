package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/irfndi/tickstream-go/internal/api/handlers"
	"github.com/irfndi/tickstream-go/internal/middleware"
)

// RouterDeps are the collaborators behind the HTTP surface.
type RouterDeps struct {
	ServiceName string
	Version     string
	AdminAPIKey string
	Database    handlers.HealthChecker
	Redis       handlers.HealthChecker
	Pipeline    handlers.Pipeline
	Prices      handlers.PriceReader
	Metrics     http.Handler
	Logger      *logrus.Logger
}

// NewRouter builds the gin engine with tracing and request logging.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(deps.ServiceName))
	router.Use(middleware.RequestLogger(deps.Logger))
	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps RouterDeps) {
	health := handlers.NewHealthHandler(deps.Database, deps.Redis, deps.Pipeline, deps.Version)
	router.GET("/health", health.HealthCheck)
	router.GET("/ready", health.ReadinessCheck)
	router.GET("/live", health.LivenessCheck)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	admin := middleware.NewAdminMiddleware(deps.AdminAPIKey)
	ingest := handlers.NewIngestHandler(deps.Pipeline, deps.Logger)
	prices := handlers.NewPriceHandler(deps.Prices)

	v1 := router.Group("/api/v1")
	{
		ingestGroup := v1.Group("/ingest")
		{
			ingestGroup.GET("/status", ingest.GetStatus)
			ingestGroup.POST("/start", admin.RequireAdminAuth(), ingest.Start)
			ingestGroup.POST("/stop", admin.RequireAdminAuth(), ingest.Stop)
		}

		v1.GET("/prices/:symbol", prices.GetPrice)
	}
}

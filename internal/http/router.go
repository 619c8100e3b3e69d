package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/khenlevy/stocksync-backend/internal/http/handlers"
	httpMW "github.com/khenlevy/stocksync-backend/internal/http/middleware"
	"github.com/khenlevy/stocksync-backend/internal/logger"
)

type RouterConfig struct {
	Log *logger.Logger

	CycleStatusHandler *httpH.CycleStatusHandler
	JobHandler         *httpH.JobHandler
	SSEHandler         *httpH.SSEHandler
	HealthHandler      *httpH.HealthHandler

	ServiceName string
	Tracing     bool
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}
	if cfg.Tracing {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.CORS())

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}

	api := r.Group("/api")
	{
		// Realtime (SSE)
		if cfg.SSEHandler != nil {
			api.GET("/sse/stream", cfg.SSEHandler.Stream)
		}

		// Cycled list status and controls
		if cfg.CycleStatusHandler != nil {
			api.GET("/cycled-list-status", cfg.CycleStatusHandler.GetStatus)
			api.POST("/cycled-list-status/pause", cfg.CycleStatusHandler.Pause)
			api.POST("/cycled-list-status/resume", cfg.CycleStatusHandler.Resume)
			api.POST("/cycled-list-status/start", cfg.CycleStatusHandler.Start)
			api.POST("/cycled-list-status/stop", cfg.CycleStatusHandler.Stop)
		}

		// Job records
		if cfg.JobHandler != nil {
			api.GET("/jobs", cfg.JobHandler.ListJobs)
			api.GET("/jobs/catalogue", cfg.JobHandler.ListCatalogue)
			api.GET("/jobs/:id", cfg.JobHandler.GetJob)
			api.POST("/jobs/:id/run", cfg.JobHandler.RunJob)
			api.DELETE("/jobs/:id", cfg.JobHandler.DeleteJob)
			api.DELETE("/jobs", cfg.JobHandler.DeleteAllJobs)
		}
	}

	return r
}

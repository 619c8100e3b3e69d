package app

import (
	"github.com/gin-gonic/gin"

	internalhttp "github.com/khenlevy/stocksync-backend/internal/http"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/observability"
)

func wireRouter(log *logger.Logger, cfg Config, h Handlers) *gin.Engine {
	return internalhttp.NewRouter(internalhttp.RouterConfig{
		Log:                log,
		CycleStatusHandler: h.CycleStatus,
		JobHandler:         h.Job,
		SSEHandler:         h.SSE,
		HealthHandler:      h.Health,
		ServiceName:        "stocksync-backend",
		Tracing:            observability.Enabled(),
	})
}

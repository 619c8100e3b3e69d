package app

import (
	"context"

	httpH "github.com/khenlevy/stocksync-backend/internal/http/handlers"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/sse"
)

type Handlers struct {
	CycleStatus *httpH.CycleStatusHandler
	Job         *httpH.JobHandler
	SSE         *httpH.SSEHandler
	Health      *httpH.HealthHandler
}

func wireHandlers(log *logger.Logger, cfg Config, s Services, hub *sse.Hub, appCtx context.Context) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		CycleStatus: httpH.NewCycleStatusHandler(s.Controller, s.Projector, appCtx),
		Job:         httpH.NewJobHandler(s.Jobs),
		SSE:         httpH.NewSSEHandler(log, hub, cfg.ListName),
		Health:      httpH.NewHealthHandler(),
	}
}

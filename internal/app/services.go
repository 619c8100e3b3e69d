package app

import (
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/cycle"
	"github.com/khenlevy/stocksync-backend/internal/jobs/executor"
	"github.com/khenlevy/stocksync-backend/internal/jobs/pipeline"
	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/marketdata"
	"github.com/khenlevy/stocksync-backend/internal/realtime"
	"github.com/khenlevy/stocksync-backend/internal/services"
	"github.com/khenlevy/stocksync-backend/internal/sse"
)

type Services struct {
	Bus        realtime.Bus
	Notifier   *services.JobNotifier
	Market     *marketdata.HTTPClient
	Catalogue  *catalogue.Catalogue
	Definition workflow.Definition
	Executor   *executor.Executor
	Controller *cycle.Controller
	Jobs       *services.JobService
	Projector  *services.StatusProjector
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, hub *sse.Hub) (Services, error) {
	log.Info("Wiring services...")

	bus := wireBus(log)
	notifier := services.NewJobNotifier(hub, bus, log)

	// Quota sink is bound after the controller exists.
	market := marketdata.NewHTTPClient(log, nil)

	cat := catalogue.New()
	deps := pipeline.DepsFromEnv(market, r.Market, log)
	if err := pipeline.Register(cat, deps); err != nil {
		return Services{}, fmt.Errorf("register pipeline jobs: %w", err)
	}

	def, err := loadDefinition(cfg, log)
	if err != nil {
		return Services{}, err
	}

	exec := executor.New(r.JobRecord, log, notifier)

	controller := cycle.NewController(
		cycle.Config{
			Name:          cfg.ListName,
			MaxCycles:     cfg.MaxCycles,
			CycleInterval: cfg.CycleInterval,
			Autostart:     cfg.Autostart,
			NodeID:        cfg.NodeID,
			ExecOptions:   cfg.ExecOptions,
		},
		def, r.JobRecord, r.CycleStatus, cat, exec, log, notifier,
	)
	market.SetSink(controller)

	return Services{
		Bus:        bus,
		Notifier:   notifier,
		Market:     market,
		Catalogue:  cat,
		Definition: def,
		Executor:   exec,
		Controller: controller,
		Jobs:       services.NewJobService(r.JobRecord, cat, controller, log),
		Projector:  services.NewStatusProjector(r.CycleStatus, r.JobRecord, def, cfg.ListName, log),
	}, nil
}

func wireBus(log *logger.Logger) realtime.Bus {
	if strings.TrimSpace(os.Getenv("REDIS_ADDR")) == "" {
		log.Info("No REDIS_ADDR configured, using in-process event bus")
		return realtime.NewNoopBus()
	}
	bus, err := realtime.NewRedisBus(log)
	if err != nil {
		log.Warn("Redis event bus init failed, falling back to in-process", "error", err)
		return realtime.NewNoopBus()
	}
	return bus
}

func loadDefinition(cfg Config, log *logger.Logger) (workflow.Definition, error) {
	if cfg.WorkflowFile == "" {
		log.Info("No WORKFLOW_FILE configured, using built-in definition")
		return pipeline.DefaultDefinition(cfg.ListName), nil
	}
	def, err := workflow.Load(cfg.WorkflowFile)
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("load workflow: %w", err)
	}
	if def.Name == "" {
		def.Name = cfg.ListName
	}
	log.Info("Loaded workflow definition", "file", cfg.WorkflowFile, "steps", len(def.Steps))
	return def, nil
}

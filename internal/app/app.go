package app

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/db"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/observability"
	"github.com/khenlevy/stocksync-backend/internal/sse"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	SSEHub   *sse.Hub

	ctx          context.Context
	cancel       context.CancelFunc
	otelShutdown func(context.Context) error
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	ctx, cancel := context.WithCancel(context.Background())

	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "stocksync-backend",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		cancel()
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		cancel()
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	hub := sse.NewHub(log)

	reposet := wireRepos(theDB, log)

	serviceset, err := wireServices(theDB, log, cfg, reposet, hub)
	if err != nil {
		cancel()
		log.Sync()
		return nil, err
	}

	handlerset := wireHandlers(log, cfg, serviceset, hub, ctx)
	router := wireRouter(log, cfg, handlerset)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Repos:        reposet,
		Services:     serviceset,
		SSEHub:       hub,
		ctx:          ctx,
		cancel:       cancel,
		otelShutdown: otelShutdown,
	}, nil
}

// Start initialises the cycled list and launches the cycle loop when
// autostart is on. The bus forwarder replays remote events into the local
// hub.
func (a *App) Start() error {
	if err := a.Services.Bus.StartForwarder(a.ctx, func(m sse.Message) {
		a.SSEHub.Broadcast(m)
	}); err != nil {
		a.Log.Warn("Event bus forwarder failed to start", "error", err)
	}

	if err := a.Services.Controller.Initialize(a.ctx); err != nil {
		return fmt.Errorf("initialize cycled list: %w", err)
	}
	if a.Cfg.Autostart {
		if err := a.Services.Controller.Start(a.ctx); err != nil {
			return fmt.Errorf("start cycled list: %w", err)
		}
	}
	return nil
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.Services.Controller != nil {
		a.Services.Controller.Stop("shutdown")
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Bus != nil {
		_ = a.Services.Bus.Close()
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}

package app

import (
	"time"

	"github.com/khenlevy/stocksync-backend/internal/jobs/executor"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/utils"
)

type Config struct {
	ListName      string
	WorkflowFile  string
	MaxCycles     *int
	CycleInterval time.Duration
	Autostart     bool
	NodeID        string

	ExecOptions executor.Options

	Environment string
	Version     string
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		ListName:      utils.GetEnv("CYCLED_LIST_NAME", "stock-data-sync", log),
		WorkflowFile:  utils.GetEnv("WORKFLOW_FILE", "", log),
		CycleInterval: utils.GetEnvAsDuration("CYCLE_INTERVAL_MS", 24*time.Hour, log),
		Autostart:     utils.GetEnvAsBool("CYCLE_AUTOSTART", true, log),
		NodeID:        utils.GetEnv("NODE_ID", "", log),
		Environment:   utils.GetEnv("APP_ENV", "development", log),
		Version:       utils.GetEnv("APP_VERSION", "dev", log),
	}

	// -1 keeps the cycle unbounded.
	maxCycles := utils.GetEnvAsInt("MAX_CYCLES", -1, log)
	if maxCycles >= 0 {
		cfg.MaxCycles = &maxCycles
	}

	cfg.ExecOptions = executor.Options{
		MaxRetries: utils.GetEnvAsInt("JOB_MAX_RETRIES", 3, log),
		MinBackoff: utils.GetEnvAsDuration("JOB_MIN_BACKOFF_MS", time.Second, log),
		MaxBackoff: utils.GetEnvAsDuration("JOB_MAX_BACKOFF_MS", 30*time.Second, log),
		JitterFrac: 0.20,
		Timeout:    utils.GetEnvAsDuration("JOB_TIMEOUT_MS", 0, log),
	}
	return cfg
}

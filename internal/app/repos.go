package app

import (
	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/repos"
)

type Repos struct {
	JobRecord   repos.JobRecordRepo
	CycleStatus repos.CycleStatusRepo
	Market      repos.MarketRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		JobRecord:   repos.NewJobRecordRepo(db, log),
		CycleStatus: repos.NewCycleStatusRepo(db, log),
		Market:      repos.NewMarketRepo(db, log),
	}
}

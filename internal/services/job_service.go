package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/cycle"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// JobService is the read/admin surface over job records plus the ad-hoc run
// entry point. Cycle-driven runs never go through here; the controller owns
// those.
type JobService struct {
	repo       repos.JobRecordRepo
	cat        *catalogue.Catalogue
	controller *cycle.Controller
	log        *logger.Logger
}

func NewJobService(repo repos.JobRecordRepo, cat *catalogue.Catalogue, controller *cycle.Controller, baseLog *logger.Logger) *JobService {
	return &JobService{
		repo:       repo,
		cat:        cat,
		controller: controller,
		log:        baseLog.With("service", "JobService"),
	}
}

// RunAdHoc triggers a single out-of-cycle execution of a catalogued job.
// Returns cycle.ErrAlreadyRunning when an instance is already in flight.
func (s *JobService) RunAdHoc(ctx context.Context, name string) (*types.JobRecord, error) {
	rec, err := s.controller.RunAdHoc(ctx, name)
	if err != nil {
		return nil, err
	}
	s.log.Info("Ad-hoc job scheduled", "name", name, "record_id", rec.ID)
	return rec, nil
}

func (s *JobService) Get(ctx context.Context, id uuid.UUID) (*types.JobRecord, error) {
	rec, err := s.repo.GetByID(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("job record %s not found", id)
	}
	return rec, nil
}

// ListFilter narrows a record listing. Zero values mean "no filter".
type ListFilter struct {
	Name        string
	Status      types.JobStatus
	CycleNumber int
	ListName    string
	Since       time.Duration
	Limit       int
}

// List returns records matching the filter, newest first.
func (s *JobService) List(ctx context.Context, f ListFilter) ([]*types.JobRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var recs []*types.JobRecord
	var err error
	switch {
	case f.ListName != "" && f.CycleNumber > 0:
		recs, err = s.repo.FindByCycle(ctx, nil, f.ListName, f.CycleNumber)
	case f.Name != "":
		recs, err = s.repo.FindByName(ctx, nil, f.Name, limit)
	default:
		since := time.Now().Add(-24 * time.Hour)
		if f.Since > 0 {
			since = time.Now().Add(-f.Since)
		}
		recs, err = s.repo.FindRecent(ctx, nil, since)
	}
	if err != nil {
		return nil, err
	}

	if f.Status == "" {
		return s.truncate(recs, limit), nil
	}
	filtered := recs[:0]
	for _, rec := range recs {
		if rec.Status == f.Status {
			filtered = append(filtered, rec)
		}
	}
	return s.truncate(filtered, limit), nil
}

func (s *JobService) truncate(recs []*types.JobRecord, limit int) []*types.JobRecord {
	if len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

// LatestFinished returns the most recent terminal record for a job name, or
// nil when the job has never finished.
func (s *JobService) LatestFinished(ctx context.Context, name string) (*types.JobRecord, error) {
	return s.repo.FindLatestFinished(ctx, nil, name)
}

func (s *JobService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteByID(ctx, nil, id); err != nil {
		return err
	}
	s.log.Info("Job record deleted", "record_id", id)
	return nil
}

func (s *JobService) DeleteAll(ctx context.Context) error {
	if err := s.repo.DeleteAll(ctx, nil); err != nil {
		return err
	}
	s.log.Warn("All job records deleted")
	return nil
}

// CatalogueEntries lists the registered jobs with their metadata, for the
// catalogue endpoint.
func (s *JobService) CatalogueEntries() []catalogue.Entry {
	names := s.cat.Names()
	out := make([]catalogue.Entry, 0, len(names))
	for _, n := range names {
		if e, ok := s.cat.Lookup(n); ok {
			out = append(out, e)
		}
	}
	return out
}

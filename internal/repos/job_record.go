package repos

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// ErrProgressRegression is returned by SetProgress when the new value is
// lower than the stored one.
var ErrProgressRegression = errors.New("progress regression rejected")

// JobRecordRepo is the durable store for job execution records. Transition is
// the only way to move a record between statuses; it is a compare-and-set so
// concurrent writers (executor, manual cancel) resolve deterministically.
type JobRecordRepo interface {
	Create(ctx context.Context, tx *gorm.DB, rec *types.JobRecord) (*types.JobRecord, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobRecord, error)
	Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.JobStatus, patch map[string]interface{}) (bool, error)
	AppendLog(ctx context.Context, tx *gorm.DB, id uuid.UUID, entry types.LogEntry) error
	SetProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, value float64) error
	UpdateMetadata(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch map[string]any) error
	FindByName(ctx context.Context, tx *gorm.DB, name string, limit int) ([]*types.JobRecord, error)
	FindRunning(ctx context.Context, tx *gorm.DB, name string) ([]*types.JobRecord, error)
	FindRecent(ctx context.Context, tx *gorm.DB, since time.Time) ([]*types.JobRecord, error)
	FindByCycle(ctx context.Context, tx *gorm.DB, listName string, cycleNumber int) ([]*types.JobRecord, error)
	FindLatestFinished(ctx context.Context, tx *gorm.DB, name string) (*types.JobRecord, error)
	DeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
	DeleteAll(ctx context.Context, tx *gorm.DB) error
}

type jobRecordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRecordRepo(db *gorm.DB, baseLog *logger.Logger) JobRecordRepo {
	return &jobRecordRepo{
		db:  db,
		log: baseLog.With("repo", "JobRecordRepo"),
	}
}

func (r *jobRecordRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// lockRow takes a row lock on postgres. sqlite serialises writers on its own
// and rejects FOR UPDATE.
func lockRow(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func (r *jobRecordRepo) Create(ctx context.Context, tx *gorm.DB, rec *types.JobRecord) (*types.JobRecord, error) {
	if rec == nil {
		return nil, errors.New("nil record")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Status == "" {
		rec.Status = types.JobScheduled
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := r.conn(tx).WithContext(ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *jobRecordRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.JobRecord, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var rec types.JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

// Transition is a compare-and-set on status. It returns false when the record
// is no longer in `from`; the caller must then treat the observed state as
// authoritative.
func (r *jobRecordRepo) Transition(ctx context.Context, tx *gorm.DB, id uuid.UUID, from, to types.JobStatus, patch map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, errors.New("nil id")
	}
	updates := map[string]interface{}{}
	for k, v := range patch {
		updates[k] = v
	}
	updates["status"] = to
	updates["updated_at"] = time.Now()
	res := r.conn(tx).WithContext(ctx).
		Model(&types.JobRecord{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// AppendLog pushes one entry onto the record's log array. The read-modify-write
// runs inside a row-locking transaction so concurrent appends commute; it never
// touches the status column.
func (r *jobRecordRepo) AppendLog(ctx context.Context, tx *gorm.DB, id uuid.UUID, entry types.LogEntry) error {
	if id == uuid.Nil {
		return nil
	}
	if entry.TS.IsZero() {
		entry.TS = time.Now()
	}
	return r.conn(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var rec types.JobRecord
		err := lockRow(txx).
			Where("id = ?", id).
			Limit(1).
			Find(&rec).Error
		if err != nil {
			return err
		}
		if rec.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}
		entries := rec.LogEntries()
		entries = append(entries, entry)
		raw, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		return txx.Model(&types.JobRecord{}).
			Where("id = ?", id).
			Update("logs", datatypes.JSON(raw)).Error
	})
}

// SetProgress writes a new progress fraction and bumps the heartbeat. Values
// lower than the stored one are rejected; progress is monotonic within an
// attempt.
func (r *jobRecordRepo) SetProgress(ctx context.Context, tx *gorm.DB, id uuid.UUID, value float64) error {
	if id == uuid.Nil {
		return nil
	}
	if value < 0 {
		value = 0
	}
	if value > 1 {
		value = 1
	}
	now := time.Now()
	res := r.conn(tx).WithContext(ctx).
		Model(&types.JobRecord{}).
		Where("id = ? AND progress <= ?", id, value).
		Updates(map[string]interface{}{
			"progress":     value,
			"heartbeat_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrProgressRegression
	}
	return nil
}

// UpdateMetadata merges patch keys into the stored metadata object.
func (r *jobRecordRepo) UpdateMetadata(ctx context.Context, tx *gorm.DB, id uuid.UUID, patch map[string]any) error {
	if id == uuid.Nil || len(patch) == 0 {
		return nil
	}
	return r.conn(tx).WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var rec types.JobRecord
		err := lockRow(txx).
			Where("id = ?", id).
			Limit(1).
			Find(&rec).Error
		if err != nil {
			return err
		}
		if rec.ID == uuid.Nil {
			return gorm.ErrRecordNotFound
		}
		meta := rec.MetadataMap()
		for k, v := range patch {
			meta[k] = v
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txx.Model(&types.JobRecord{}).
			Where("id = ?", id).
			Update("metadata", datatypes.JSON(raw)).Error
	})
}

func (r *jobRecordRepo) FindByName(ctx context.Context, tx *gorm.DB, name string, limit int) ([]*types.JobRecord, error) {
	var out []*types.JobRecord
	q := r.conn(tx).WithContext(ctx).
		Where("name = ?", name).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindRunning returns records currently in running or retrying. An empty name
// matches all names.
func (r *jobRecordRepo) FindRunning(ctx context.Context, tx *gorm.DB, name string) ([]*types.JobRecord, error) {
	var out []*types.JobRecord
	q := r.conn(tx).WithContext(ctx).
		Where("status IN ?", []types.JobStatus{types.JobRunning, types.JobRetrying})
	if name != "" {
		q = q.Where("name = ?", name)
	}
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRecordRepo) FindRecent(ctx context.Context, tx *gorm.DB, since time.Time) ([]*types.JobRecord, error) {
	var out []*types.JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at DESC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindByCycle returns every record stamped with the given list name and cycle
// number. JSON metadata filtering happens in Go so the query stays portable
// across the postgres and sqlite dialects.
func (r *jobRecordRepo) FindByCycle(ctx context.Context, tx *gorm.DB, listName string, cycleNumber int) ([]*types.JobRecord, error) {
	var all []*types.JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("metadata IS NOT NULL").
		Order("created_at ASC").
		Find(&all).Error
	if err != nil {
		return nil, err
	}
	out := []*types.JobRecord{}
	for _, rec := range all {
		meta := rec.MetadataMap()
		if meta[types.MetaCycledListName] != listName {
			continue
		}
		if rec.CycleNumber() != cycleNumber {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *jobRecordRepo) FindLatestFinished(ctx context.Context, tx *gorm.DB, name string) (*types.JobRecord, error) {
	var rec types.JobRecord
	err := r.conn(tx).WithContext(ctx).
		Where("name = ? AND status IN ?", name, []types.JobStatus{
			types.JobCompleted, types.JobFailed, types.JobCancelled, types.JobSkipped,
		}).
		Order("ended_at DESC").
		Limit(1).
		Find(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		return nil, nil
	}
	return &rec, nil
}

func (r *jobRecordRepo) DeleteByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	return r.conn(tx).WithContext(ctx).
		Where("id = ?", id).
		Delete(&types.JobRecord{}).Error
}

func (r *jobRecordRepo) DeleteAll(ctx context.Context, tx *gorm.DB) error {
	return r.conn(tx).WithContext(ctx).
		Where("1 = 1").
		Delete(&types.JobRecord{}).Error
}

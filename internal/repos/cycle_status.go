package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// CycleStatusRepo persists the singleton orchestrator status document. When
// migrations left more than one row per name, the most recently updated one
// wins.
type CycleStatusRepo interface {
	GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.CycledListStatus, error)
	Save(ctx context.Context, tx *gorm.DB, st *types.CycledListStatus) error
	DeleteByName(ctx context.Context, tx *gorm.DB, name string) error
}

type cycleStatusRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCycleStatusRepo(db *gorm.DB, baseLog *logger.Logger) CycleStatusRepo {
	return &cycleStatusRepo{
		db:  db,
		log: baseLog.With("repo", "CycleStatusRepo"),
	}
}

func (r *cycleStatusRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *cycleStatusRepo) GetByName(ctx context.Context, tx *gorm.DB, name string) (*types.CycledListStatus, error) {
	if name == "" {
		return nil, nil
	}
	var st types.CycledListStatus
	err := r.conn(tx).WithContext(ctx).
		Where("name = ?", name).
		Order("last_updated DESC").
		Limit(1).
		Find(&st).Error
	if err != nil {
		return nil, err
	}
	if st.ID == uuid.Nil {
		return nil, nil
	}
	return &st, nil
}

func (r *cycleStatusRepo) Save(ctx context.Context, tx *gorm.DB, st *types.CycledListStatus) error {
	if st == nil {
		return errors.New("nil status")
	}
	if st.Name == "" {
		return errors.New("status name required")
	}
	now := time.Now()
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
		st.CreatedAt = now
	}
	st.LastUpdated = now
	st.UpdatedAt = now
	return r.conn(tx).WithContext(ctx).Save(st).Error
}

func (r *cycleStatusRepo) DeleteByName(ctx context.Context, tx *gorm.DB, name string) error {
	if name == "" {
		return nil
	}
	return r.conn(tx).WithContext(ctx).
		Where("name = ?", name).
		Delete(&types.CycledListStatus{}).Error
}

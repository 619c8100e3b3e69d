package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// MarketRepo persists the synchronised market data. All writes are idempotent
// upserts keyed on the natural primary keys, so re-running a cycle converges
// instead of duplicating.
type MarketRepo interface {
	UpsertExchanges(ctx context.Context, tx *gorm.DB, rows []types.Exchange) error
	UpsertSymbols(ctx context.Context, tx *gorm.DB, rows []types.Symbol) error
	ListSymbols(ctx context.Context, tx *gorm.DB, exchange string, limit int) ([]types.Symbol, error)
	UpsertPrices(ctx context.Context, tx *gorm.DB, rows []types.EODPrice) error
	SaveFundamental(ctx context.Context, tx *gorm.DB, snap *types.FundamentalSnapshot) error
	UpsertCorporateActions(ctx context.Context, tx *gorm.DB, rows []types.CorporateAction) error
	UpsertMarketCaps(ctx context.Context, tx *gorm.DB, rows []types.MarketCapPoint) error
	CountSymbols(ctx context.Context, tx *gorm.DB) (int64, error)
}

type marketRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMarketRepo(db *gorm.DB, baseLog *logger.Logger) MarketRepo {
	return &marketRepo{
		db:  db,
		log: baseLog.With("repo", "MarketRepo"),
	}
}

func (r *marketRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

const upsertBatchSize = 500

func stamp[T any](rows []T, set func(*T, time.Time)) {
	now := time.Now()
	for i := range rows {
		set(&rows[i], now)
	}
}

func (r *marketRepo) UpsertExchanges(ctx context.Context, tx *gorm.DB, rows []types.Exchange) error {
	if len(rows) == 0 {
		return nil
	}
	stamp(rows, func(e *types.Exchange, now time.Time) {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.UpdatedAt = now
	})
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "operating_mic", "country", "currency", "updated_at"}),
		}).
		CreateInBatches(rows, upsertBatchSize).Error
}

func (r *marketRepo) UpsertSymbols(ctx context.Context, tx *gorm.DB, rows []types.Symbol) error {
	if len(rows) == 0 {
		return nil
	}
	stamp(rows, func(s *types.Symbol, now time.Time) {
		if s.CreatedAt.IsZero() {
			s.CreatedAt = now
		}
		s.UpdatedAt = now
	})
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}, {Name: "exchange"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "type", "currency", "isin", "updated_at"}),
		}).
		CreateInBatches(rows, upsertBatchSize).Error
}

func (r *marketRepo) ListSymbols(ctx context.Context, tx *gorm.DB, exchange string, limit int) ([]types.Symbol, error) {
	q := r.conn(tx).WithContext(ctx).Order("ticker ASC")
	if exchange != "" {
		q = q.Where("exchange = ?", exchange)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []types.Symbol
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *marketRepo) UpsertPrices(ctx context.Context, tx *gorm.DB, rows []types.EODPrice) error {
	if len(rows) == 0 {
		return nil
	}
	stamp(rows, func(p *types.EODPrice, now time.Time) {
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
	})
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}, {Name: "exchange"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"open", "high", "low", "close", "adjusted_close", "volume", "updated_at"}),
		}).
		CreateInBatches(rows, upsertBatchSize).Error
}

func (r *marketRepo) SaveFundamental(ctx context.Context, tx *gorm.DB, snap *types.FundamentalSnapshot) error {
	now := time.Now()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = now
	}
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}, {Name: "exchange"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "fetched_at", "updated_at"}),
		}).
		Create(snap).Error
}

func (r *marketRepo) UpsertCorporateActions(ctx context.Context, tx *gorm.DB, rows []types.CorporateAction) error {
	if len(rows) == 0 {
		return nil
	}
	stamp(rows, func(a *types.CorporateAction, now time.Time) {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		a.UpdatedAt = now
	})
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}, {Name: "exchange"}, {Name: "type"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		CreateInBatches(rows, upsertBatchSize).Error
}

func (r *marketRepo) UpsertMarketCaps(ctx context.Context, tx *gorm.DB, rows []types.MarketCapPoint) error {
	if len(rows) == 0 {
		return nil
	}
	stamp(rows, func(m *types.MarketCapPoint, now time.Time) {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
	})
	return r.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticker"}, {Name: "exchange"}, {Name: "date"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		CreateInBatches(rows, upsertBatchSize).Error
}

func (r *marketRepo) CountSymbols(ctx context.Context, tx *gorm.DB) (int64, error) {
	var n int64
	err := r.conn(tx).WithContext(ctx).Model(&types.Symbol{}).Count(&n).Error
	return n, err
}

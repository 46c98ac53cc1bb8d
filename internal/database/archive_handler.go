package database

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sniper/internal/domain"
)

// Archive persists burned proxies and spend so they outlive the store's TTLs.
type Archive struct {
	db *gorm.DB
}

func NewArchive(db *gorm.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) RecordBurn(ctx context.Context, burned domain.BurnedProxy) error {
	if err := a.db.WithContext(ctx).Create(&burned).Error; err != nil {
		return fmt.Errorf("database: record burn %s: %w", burned.ProxyID, err)
	}
	return nil
}

// RecordCost upserts one row per day and provider. Re-archiving a day
// replaces its totals.
func (a *Archive) RecordCost(ctx context.Context, snapshots []domain.CostSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	err := a.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns([]string{"cost_usd"}),
		}).
		Create(&snapshots).Error
	if err != nil {
		return fmt.Errorf("database: record cost: %w", err)
	}
	return nil
}

func (a *Archive) RecordPoolSnapshot(ctx context.Context, snapshot domain.PoolSnapshot) error {
	if err := a.db.WithContext(ctx).Create(&snapshot).Error; err != nil {
		return fmt.Errorf("database: record pool snapshot: %w", err)
	}
	return nil
}

// RecentBurns lists the latest burns, newest first.
func (a *Archive) RecentBurns(ctx context.Context, limit int) ([]domain.BurnedProxy, error) {
	if limit <= 0 {
		limit = 50
	}

	var burns []domain.BurnedProxy
	err := a.db.WithContext(ctx).
		Order("burned_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&burns).Error
	if err != nil {
		return nil, fmt.Errorf("database: recent burns: %w", err)
	}
	return burns, nil
}

// CostHistory returns archived spend for days in [from, to], both given
// as YYYYMMDD.
func (a *Archive) CostHistory(ctx context.Context, from, to string) ([]domain.CostSnapshot, error) {
	var rows []domain.CostSnapshot
	err := a.db.WithContext(ctx).
		Where("day >= ? AND day <= ?", from, to).
		Order("day ASC").
		Order("provider ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("database: cost history: %w", err)
	}
	return rows, nil
}

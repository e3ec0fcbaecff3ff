package postgres

import (
	"context"
	"errors"

	"feedbridge/internal/feed/memorystore"
	"feedbridge/pkg/feed"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LoadSettings returns the stored settings of scope, or the defaults if none were saved.
func (p *PostgresClient) LoadSettings(ctx context.Context, scope string) (memorystore.ChartSettings, error) {
	var rec ChartSettingsRecord
	err := p.DB.WithContext(ctx).
		Where("scope = ?", scope).
		First(&rec).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return memorystore.DefaultChartSettings(), nil
	}
	if err != nil {
		return memorystore.DefaultChartSettings(), err
	}
	return ToChartSettings(rec), nil
}

// SaveSettings upserts the settings of scope.
func (p *PostgresClient) SaveSettings(ctx context.Context, scope string, cs memorystore.ChartSettings) error {
	rec := ToSettingsRecord(scope, cs)
	return p.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope"}},
		DoUpdates: clause.AssignmentColumns([]string{"resolution", "market_cap_mode", "updated_at"}),
	}).Create(&rec).Error
}

func (p *PostgresClient) DeleteSettings(ctx context.Context, scope string) error {
	return p.DB.WithContext(ctx).
		Where("scope = ?", scope).
		Delete(&ChartSettingsRecord{}).Error
}

func ToSettingsRecord(scope string, cs memorystore.ChartSettings) ChartSettingsRecord {
	return ChartSettingsRecord{
		Scope:         scope,
		Resolution:    string(cs.Resolution),
		MarketCapMode: cs.MarketCapMode,
	}
}

func ToChartSettings(rec ChartSettingsRecord) memorystore.ChartSettings {
	return memorystore.ChartSettings{
		Resolution:    feed.Resolution(rec.Resolution),
		MarketCapMode: rec.MarketCapMode,
	}
}

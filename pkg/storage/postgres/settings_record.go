package postgres

import "time"

// ChartSettingsRecord is the persisted chart preference of one scope (user or session).
type ChartSettingsRecord struct {
	ID uint `gorm:"primaryKey"`

	Scope         string `gorm:"type:text;not null;uniqueIndex:idx_chart_settings_scope"`
	Resolution    string `gorm:"type:varchar(8);not null"`
	MarketCapMode bool   `gorm:"not null;default:false"`

	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName overrides the default table name for GORM.
func (ChartSettingsRecord) TableName() string {
	return "chart_settings"
}

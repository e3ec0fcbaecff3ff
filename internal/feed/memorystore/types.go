package memorystore

import (
	"fmt"

	"feedbridge/pkg/feed"
)

// SeriesKey identifies one cached bar series.
type SeriesKey struct {
	Identifier string
	Resolution feed.Resolution
	Mode       feed.MetricMode
}

func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Identifier, k.Resolution, k.Mode)
}

// ChartSettings are the persisted chart preferences for one scope (user or session).
type ChartSettings struct {
	Resolution    feed.Resolution `json:"resolution"`
	MarketCapMode bool            `json:"marketCapMode"`
}

// DefaultChartSettings is returned for scopes that never saved anything.
func DefaultChartSettings() ChartSettings {
	return ChartSettings{Resolution: feed.DefaultResolution}
}

// Mode maps the toggle onto a metric mode.
func (s ChartSettings) Mode() feed.MetricMode {
	if s.MarketCapMode {
		return feed.MetricMarketCap
	}
	return feed.MetricPrice
}

package chart

import (
	"context"
	"errors"

	"feedbridge/internal/feed/connection"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/pkg/feed"
)

var (
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrUnknownSubscriber = errors.New("unknown chart subscriber")
	ErrInvalidResolution = errors.New("invalid resolution")
)

// HistorySource fetches a bar range. Implementations return an empty slice on failure.
type HistorySource interface {
	FetchHistory(ctx context.Context, r feed.HistoryRequest) []feed.Bar
}

// Channels is the part of connection.Manager the adapter uses.
type Channels interface {
	Subscribe(key string, spec connection.ChannelSpec, l connection.Listener) (connection.Handle, error)
	Unsubscribe(h connection.Handle) error
}

type SettingsStore interface {
	LoadSettings(ctx context.Context, scope string) (memorystore.ChartSettings, error)
	SaveSettings(ctx context.Context, scope string, cs memorystore.ChartSettings) error
}

// Configuration advertises what the data source supports.
type Configuration struct {
	SupportedResolutions   []feed.Resolution `json:"supported_resolutions"`
	SupportedModes         []feed.MetricMode `json:"supported_modes"`
	SupportsMarks          bool              `json:"supports_marks"`
	SupportsTimescaleMarks bool              `json:"supports_timescale_marks"`
	SupportsTime           bool              `json:"supports_time"`
	SupportsSearch         bool              `json:"supports_search"`
	SupportsGroupRequest   bool              `json:"supports_group_request"`
}

// SymbolInfo describes one resolvable symbol in one metric mode.
type SymbolInfo struct {
	Name                 string            `json:"name"`
	Ticker               string            `json:"ticker"` // asset identifier
	Description          string            `json:"description"`
	Type                 string            `json:"type"`
	Session              string            `json:"session"`
	Timezone             string            `json:"timezone"`
	Exchange             string            `json:"exchange"`
	MinMov               int               `json:"minmov"`
	PriceScale           int64             `json:"pricescale"`
	HasIntraday          bool              `json:"has_intraday"`
	HasSeconds           bool              `json:"has_seconds"`
	HasTicks             bool              `json:"has_ticks"`
	SupportedResolutions []feed.Resolution `json:"supported_resolutions"`
	VolumePrecision      int               `json:"volume_precision"`
	DataStatus           string            `json:"data_status"`
	Mode                 feed.MetricMode   `json:"mode"`
	Logo                 string            `json:"logo,omitempty"`
}

// HistoryRange is a requested window in unix seconds.
type HistoryRange struct {
	From         int64 `json:"from"`
	To           int64 `json:"to"`
	CountBack    int   `json:"countBack,omitempty"`
	FirstRequest bool  `json:"firstDataRequest,omitempty"`
}

// HistoryResult is NoData when the request was debounced, failed, or returned nothing.
type HistoryResult struct {
	Bars   []feed.Bar `json:"bars"`
	NoData bool       `json:"noData"`
}

// BarCallback receives live bars; it runs on the channel goroutine and must not block.
type BarCallback func(feed.Bar)

type streamKey struct {
	identifier string
	resolution feed.Resolution
	mode       feed.MetricMode
}

func (k streamKey) series() memorystore.SeriesKey {
	return memorystore.SeriesKey{Identifier: k.identifier, Resolution: k.resolution, Mode: k.mode}
}

// Package chart bridges a pull-based charting surface onto the push channel: symbol
// resolution, debounced history, and live bars per subscriber id.
package chart

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"feedbridge/internal/feed/memorystore"
	"feedbridge/internal/metrics"
	"feedbridge/pkg/feed"

	"go.uber.org/zap"
)

type Config struct {
	DebounceInterval time.Duration
	HistoryTimeout   time.Duration
	Resolutions      []feed.Resolution // empty means every supported resolution
}

type Adapter struct {
	cfg      Config
	history  HistorySource
	channels Channels
	assets   *memorystore.AssetStore
	bars     *memorystore.BarStore
	settings SettingsStore
	logger   *zap.Logger
	now      func() time.Time

	guardMu sync.Mutex
	guards  map[streamKey]*requestGuard

	mu          sync.Mutex
	streams     map[streamKey]*stream
	subscribers map[string]*stream // subscriber id -> stream
}

// requestGuard debounces history calls for one series.
type requestGuard struct {
	last     time.Time
	inFlight bool
}

func NewAdapter(cfg Config, history HistorySource, channels Channels, assets *memorystore.AssetStore,
	bars *memorystore.BarStore, settings SettingsStore, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Resolutions) == 0 {
		cfg.Resolutions = feed.SupportedResolutions()
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = 10 * time.Second
	}
	if assets == nil {
		assets = memorystore.NewAssetStore()
	}
	if bars == nil {
		bars = memorystore.NewBarStore(0)
	}
	if settings == nil {
		settings = memorystore.NewSettingsStore()
	}
	return &Adapter{
		cfg:         cfg,
		history:     history,
		channels:    channels,
		assets:      assets,
		bars:        bars,
		settings:    settings,
		logger:      logger,
		now:         time.Now,
		guards:      make(map[streamKey]*requestGuard),
		streams:     make(map[streamKey]*stream),
		subscribers: make(map[string]*stream),
	}
}

func (a *Adapter) Configuration() Configuration {
	return Configuration{
		SupportedResolutions: append([]feed.Resolution(nil), a.cfg.Resolutions...),
		SupportedModes:       []feed.MetricMode{feed.MetricPrice, feed.MetricMarketCap},
		SupportsTime:         true,
		SupportsSearch:       false,
		SupportsGroupRequest: false,
	}
}

// ResolveSymbol describes the asset with identifier name. Assets not seen on the list
// channel still resolve with placeholder metadata.
func (a *Adapter) ResolveSymbol(name string, mode feed.MetricMode) (SymbolInfo, error) {
	if name == "" {
		return SymbolInfo{}, ErrUnknownSymbol
	}
	if mode != feed.MetricMarketCap {
		mode = feed.MetricPrice
	}

	info := SymbolInfo{
		Name:                 name,
		Ticker:               name,
		Description:          name,
		Type:                 "crypto",
		Session:              "24x7",
		Timezone:             "Etc/UTC",
		MinMov:               1,
		PriceScale:           priceScale(6),
		HasIntraday:          true,
		SupportedResolutions: append([]feed.Resolution(nil), a.cfg.Resolutions...),
		VolumePrecision:      2,
		DataStatus:           "streaming",
		Mode:                 mode,
	}
	for _, r := range a.cfg.Resolutions {
		meta, err := feed.ParseResolution(string(r))
		if err != nil {
			continue
		}
		switch meta.Granularity {
		case feed.GranularitySubSecond:
			info.HasTicks = true
		case feed.GranularitySecond:
			info.HasSeconds = true
		}
	}

	if asset, ok := a.assets.Get(name); ok {
		info.Name = asset.Symbol
		info.Description = asset.Name
		info.Exchange = asset.Program
		info.Logo = asset.Logo
		info.PriceScale = priceScale(asset.Decimals)
	}
	if mode == feed.MetricMarketCap {
		info.PriceScale = 100
	}
	return info, nil
}

// priceScale is 10^decimals, capped so tiny prices keep a usable tick.
func priceScale(decimals int) int64 {
	if decimals < 2 {
		decimals = 2
	}
	if decimals > 12 {
		decimals = 12
	}
	return int64(math.Pow10(decimals))
}

// GetHistory fetches one bar range. A call for the same series while a request is in
// flight, or within DebounceInterval of the previous request, returns NoData without
// touching the network.
func (a *Adapter) GetHistory(ctx context.Context, info SymbolInfo, res feed.Resolution, r HistoryRange) (HistoryResult, error) {
	if !res.IsValid() {
		return HistoryResult{NoData: true}, fmt.Errorf("%w: %s", ErrInvalidResolution, res)
	}
	if r.To > 0 && r.From > r.To {
		return HistoryResult{NoData: true}, nil
	}
	key := streamKey{identifier: info.Ticker, resolution: res, mode: modeOf(info)}

	if result, ok := a.acquire(key); !ok {
		metrics.ObserveHistory(result)
		return HistoryResult{NoData: true}, nil
	}
	defer a.release(key)

	fetchCtx, cancel := context.WithTimeout(ctx, a.cfg.HistoryTimeout)
	defer cancel()

	bars := a.history.FetchHistory(fetchCtx, feed.HistoryRequest{
		Identifier: key.identifier,
		Mode:       key.mode,
		Resolution: res,
		From:       r.From,
		To:         r.To,
	})
	if len(bars) == 0 {
		metrics.ObserveHistory("empty")
		return HistoryResult{NoData: true}, nil
	}

	metrics.ObserveHistory("ok")
	a.bars.Merge(key.series(), bars...)
	return HistoryResult{Bars: bars}, nil
}

func (a *Adapter) acquire(key streamKey) (string, bool) {
	a.guardMu.Lock()
	defer a.guardMu.Unlock()

	g, ok := a.guards[key]
	if !ok {
		g = &requestGuard{}
		a.guards[key] = g
	}
	now := a.now()
	switch {
	case g.inFlight:
		return "inflight", false
	case !g.last.IsZero() && now.Sub(g.last) < a.cfg.DebounceInterval:
		return "debounced", false
	}
	g.inFlight = true
	g.last = now
	return "", true
}

func (a *Adapter) release(key streamKey) {
	a.guardMu.Lock()
	defer a.guardMu.Unlock()
	if g, ok := a.guards[key]; ok {
		g.inFlight = false
	}
}

// Settings returns the persisted chart preferences of scope.
func (a *Adapter) Settings(ctx context.Context, scope string) (memorystore.ChartSettings, error) {
	cs, err := a.settings.LoadSettings(ctx, scope)
	if err != nil {
		return memorystore.DefaultChartSettings(), err
	}
	if !cs.Resolution.IsValid() {
		cs.Resolution = feed.DefaultResolution
	}
	return cs, nil
}

func (a *Adapter) SaveSettings(ctx context.Context, scope string, cs memorystore.ChartSettings) error {
	if !cs.Resolution.IsValid() {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, cs.Resolution)
	}
	return a.settings.SaveSettings(ctx, scope, cs)
}

func modeOf(info SymbolInfo) feed.MetricMode {
	if info.Mode == feed.MetricMarketCap {
		return feed.MetricMarketCap
	}
	return feed.MetricPrice
}

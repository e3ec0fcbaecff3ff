package chart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedbridge/internal/feed/connection"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/pkg/feed"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannels records channel subscriptions and lets tests push frames synchronously.
type fakeChannels struct {
	mu        sync.Mutex
	listeners map[connection.Handle]connection.Listener
	keys      map[connection.Handle]string
	specs     map[string]connection.ChannelSpec
	stops     []string
}

func newFakeChannels() *fakeChannels {
	return &fakeChannels{
		listeners: make(map[connection.Handle]connection.Listener),
		keys:      make(map[connection.Handle]string),
		specs:     make(map[string]connection.ChannelSpec),
	}
}

func (f *fakeChannels) Subscribe(key string, spec connection.ChannelSpec, l connection.Listener) (connection.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := connection.Handle(uuid.NewString())
	f.listeners[h] = l
	f.keys[h] = key
	if _, ok := f.specs[key]; !ok {
		f.specs[key] = spec
	}
	return h, nil
}

func (f *fakeChannels) Unsubscribe(h connection.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[h]
	if !ok {
		return connection.ErrUnknownHandle
	}
	delete(f.listeners, h)
	delete(f.keys, h)
	for _, k := range f.keys {
		if k == key {
			return nil
		}
	}
	f.stops = append(f.stops, string(f.specs[key].Stop))
	delete(f.specs, key)
	return nil
}

func (f *fakeChannels) push(key string, msg []byte) {
	f.mu.Lock()
	var targets []connection.Listener
	for h, k := range f.keys {
		if k == key {
			targets = append(targets, f.listeners[h])
		}
	}
	f.mu.Unlock()
	for _, l := range targets {
		l.OnMessage(msg)
	}
}

func (f *fakeChannels) open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

func chartUpdate(id, wire string, timeSec int64, close float64, marketCap *float64) []byte {
	return feed.MustEncode(feed.EventChartUpdate, feed.ChartUpdate{
		Identifier: id,
		Timeframe:  wire,
		Bar:        feed.WireBar{Time: timeSec, Open: close, High: close, Low: close, Close: close, Volume: 1, MarketCap: marketCap},
	})
}

type barSink struct {
	mu   sync.Mutex
	bars []feed.Bar
}

func (s *barSink) add(b feed.Bar) {
	s.mu.Lock()
	s.bars = append(s.bars, b)
	s.mu.Unlock()
}

func (s *barSink) all() []feed.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]feed.Bar(nil), s.bars...)
}

type countingHistory struct {
	calls int32
	delay time.Duration
	bars  []feed.Bar
	last  feed.HistoryRequest
	mu    sync.Mutex
}

func (h *countingHistory) FetchHistory(ctx context.Context, r feed.HistoryRequest) []feed.Bar {
	atomic.AddInt32(&h.calls, 1)
	h.mu.Lock()
	h.last = r
	h.mu.Unlock()
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return []feed.Bar{}
		}
	}
	return h.bars
}

func newTestAdapter(h HistorySource, ch Channels) *Adapter {
	return NewAdapter(Config{DebounceInterval: time.Minute}, h, ch, memorystore.NewAssetStore(),
		memorystore.NewBarStore(100), nil, nil)
}

func f64(v float64) *float64 { return &v }

// go test -v --run TestConfiguration
func TestConfiguration(t *testing.T) {
	a := NewAdapter(Config{Resolutions: []feed.Resolution{feed.Resolution1Min, feed.Resolution60Min}},
		&countingHistory{}, newFakeChannels(), nil, nil, nil, nil)
	cfg := a.Configuration()
	assert.Equal(t, []feed.Resolution{"1", "60"}, cfg.SupportedResolutions)
	assert.Contains(t, cfg.SupportedModes, feed.MetricMarketCap)

	all := NewAdapter(Config{}, &countingHistory{}, newFakeChannels(), nil, nil, nil, nil).Configuration()
	assert.Equal(t, feed.SupportedResolutions(), all.SupportedResolutions)
}

// go test -v --run TestResolveSymbol
func TestResolveSymbol(t *testing.T) {
	a := newTestAdapter(&countingHistory{}, newFakeChannels())
	a.assets.Put(feed.Asset{ID: "mint1", Name: "Dog Coin", Symbol: "DOG", Decimals: 9, Program: "pump"})

	info, err := a.ResolveSymbol("mint1", feed.MetricPrice)
	require.NoError(t, err)
	assert.Equal(t, "DOG", info.Name)
	assert.Equal(t, "mint1", info.Ticker)
	assert.Equal(t, "Dog Coin", info.Description)
	assert.Equal(t, "pump", info.Exchange)
	assert.Equal(t, int64(1_000_000_000), info.PriceScale)
	assert.True(t, info.HasSeconds)
	assert.True(t, info.HasTicks)

	mc, err := a.ResolveSymbol("mint1", feed.MetricMarketCap)
	require.NoError(t, err)
	assert.Equal(t, feed.MetricMarketCap, mc.Mode)
	assert.Equal(t, int64(100), mc.PriceScale)

	unknown, err := a.ResolveSymbol("other", "")
	require.NoError(t, err)
	assert.Equal(t, "other", unknown.Name)
	assert.Equal(t, feed.MetricPrice, unknown.Mode)

	_, err = a.ResolveSymbol("", feed.MetricPrice)
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

// go test -v --run TestGetHistoryDebounced
func TestGetHistoryDebounced(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewEncoder(w).Encode([]feed.WireBar{{Time: 60, Close: 1}, {Time: 120, Close: 2}})
	}))
	defer srv.Close()

	client := feed.NewRESTClient(srv.URL, time.Second)
	a := newTestAdapter(client, newFakeChannels())
	info, _ := a.ResolveSymbol("mint1", feed.MetricPrice)

	first, err := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 0, To: 200})
	require.NoError(t, err)
	assert.False(t, first.NoData)
	require.Len(t, first.Bars, 2)
	assert.Equal(t, int64(120_000), first.Bars[1].Time)

	second, err := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 0, To: 200})
	require.NoError(t, err)
	assert.True(t, second.NoData)
	assert.Empty(t, second.Bars)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	// other series are not affected
	third, err := a.GetHistory(context.Background(), info, feed.Resolution5Min, HistoryRange{From: 0, To: 200})
	require.NoError(t, err)
	assert.False(t, third.NoData)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))

	assert.Len(t, a.bars.Get(memorystore.SeriesKey{Identifier: "mint1", Resolution: feed.Resolution1Min, Mode: feed.MetricPrice}), 2)
}

// go test -v --run TestGetHistoryAfterWindow
func TestGetHistoryAfterWindow(t *testing.T) {
	h := &countingHistory{bars: []feed.Bar{{Time: 1000, Close: 1}}}
	a := newTestAdapter(h, newFakeChannels())
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }
	info, _ := a.ResolveSymbol("mint1", feed.MetricMarketCap)

	res, _ := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
	assert.False(t, res.NoData)
	assert.Equal(t, feed.MetricMarketCap, h.last.Mode)

	now = now.Add(30 * time.Second)
	res, _ = a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
	assert.True(t, res.NoData)

	now = now.Add(31 * time.Second)
	res, _ = a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
	assert.False(t, res.NoData)
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.calls))
}

// go test -v --run TestGetHistoryInFlight
func TestGetHistoryInFlight(t *testing.T) {
	h := &countingHistory{delay: 100 * time.Millisecond, bars: []feed.Bar{{Time: 1000}}}
	a := NewAdapter(Config{}, h, newFakeChannels(), nil, nil, nil, nil)
	info, _ := a.ResolveSymbol("mint1", feed.MetricPrice)

	done := make(chan HistoryResult)
	go func() {
		res, _ := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
		done <- res
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.calls) == 1 }, time.Second, time.Millisecond)

	res, err := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
	require.NoError(t, err)
	assert.True(t, res.NoData)
	assert.False(t, (<-done).NoData)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.calls))
}

// go test -v --run TestGetHistoryEmptyAndInvalid
func TestGetHistoryEmptyAndInvalid(t *testing.T) {
	a := newTestAdapter(&countingHistory{bars: []feed.Bar{}}, newFakeChannels())
	info, _ := a.ResolveSymbol("mint1", feed.MetricPrice)

	res, err := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 2})
	require.NoError(t, err)
	assert.True(t, res.NoData)

	_, err = a.GetHistory(context.Background(), info, "7", HistoryRange{From: 1, To: 2})
	assert.ErrorIs(t, err, ErrInvalidResolution)

	res, err = a.GetHistory(context.Background(), info, feed.Resolution5Min, HistoryRange{From: 5, To: 2})
	require.NoError(t, err)
	assert.True(t, res.NoData)
}

// go test -v --run TestSubscribeSharesChannel
func TestSubscribeSharesChannel(t *testing.T) {
	ch := newFakeChannels()
	a := newTestAdapter(&countingHistory{}, ch)
	info, _ := a.ResolveSymbol("mint1", feed.MetricPrice)

	var s1, s2 barSink
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "sub-1", s1.add))
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "sub-2", s2.add))
	assert.Equal(t, 1, ch.open())
	assert.Equal(t, 2, a.Subscribers())

	spec := ch.specs["chart:mint1:1m"]
	require.Len(t, spec.Subscribe, 1)
	assert.Contains(t, string(spec.Subscribe[0]), `"timeframe":"1m"`)

	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 60, 1.5, nil))
	ch.push("chart:mint1:1m", chartUpdate("other", "1m", 120, 9, nil))
	assert.Len(t, s1.all(), 1)
	assert.Len(t, s2.all(), 1)
	assert.Equal(t, int64(60_000), s1.all()[0].Time)

	require.NoError(t, a.Unsubscribe("sub-1"))
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 120, 1.6, nil))
	assert.Len(t, s1.all(), 1, "no delivery after unsubscribe")
	assert.Len(t, s2.all(), 2)
	assert.Empty(t, ch.stops)

	require.NoError(t, a.Unsubscribe("sub-2"))
	assert.Equal(t, 0, ch.open())
	require.Len(t, ch.stops, 1)
	assert.Contains(t, ch.stops[0], feed.EventUnsubscribeChart)

	assert.ErrorIs(t, a.Unsubscribe("sub-2"), ErrUnknownSubscriber)
}

// go test -v --run TestLastStreamFreesSymbolCache
func TestLastStreamFreesSymbolCache(t *testing.T) {
	ch := newFakeChannels()
	h := &countingHistory{bars: []feed.Bar{{Time: 60_000, Close: 1}, {Time: 120_000, Close: 2}}}
	a := newTestAdapter(h, ch)
	price, _ := a.ResolveSymbol("mint1", feed.MetricPrice)
	mcap, _ := a.ResolveSymbol("mint1", feed.MetricMarketCap)
	other, _ := a.ResolveSymbol("mint2", feed.MetricPrice)

	for _, info := range []SymbolInfo{price, mcap, other} {
		res, err := a.GetHistory(context.Background(), info, feed.Resolution1Min, HistoryRange{From: 1, To: 200})
		require.NoError(t, err)
		require.False(t, res.NoData)
	}
	require.Equal(t, 6, a.bars.CountAll())

	var sink barSink
	require.NoError(t, a.Subscribe(price, feed.Resolution1Min, "p", sink.add))
	require.NoError(t, a.Subscribe(mcap, feed.Resolution1Min, "m", sink.add))
	require.NoError(t, a.Subscribe(other, feed.Resolution1Min, "o", sink.add))

	// another stream of mint1 is still open
	require.NoError(t, a.Unsubscribe("p"))
	assert.Equal(t, 6, a.bars.CountAll())

	require.NoError(t, a.Unsubscribe("m"))
	assert.Equal(t, 2, a.bars.CountAll(), "only mint2 stays cached")

	// a frame racing the teardown does not repopulate the cache
	a.onMessage(&stream{key: streamKey{identifier: "mint1", resolution: feed.Resolution1Min, mode: feed.MetricPrice},
		wire: "1m", subs: map[string]*chartSubscriber{}, closed: true}, chartUpdate("mint1", "1m", 300, 5, nil))
	assert.Equal(t, 2, a.bars.CountAll())
	a.guardMu.Lock()
	for key := range a.guards {
		assert.NotEqual(t, "mint1", key.identifier)
	}
	a.guardMu.Unlock()

	// a fresh view of mint1 is not debounced by the torn-down one
	res, err := a.GetHistory(context.Background(), price, feed.Resolution1Min, HistoryRange{From: 1, To: 200})
	require.NoError(t, err)
	assert.False(t, res.NoData)

	require.NoError(t, a.Unsubscribe("o"))
	assert.Equal(t, 2, a.bars.CountAll(), "mint1 history fetched after teardown")
}

// go test -v --run TestRegressionDropped
func TestRegressionDropped(t *testing.T) {
	ch := newFakeChannels()
	a := newTestAdapter(&countingHistory{}, ch)
	info, _ := a.ResolveSymbol("mint1", feed.MetricPrice)

	var early, late barSink
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "early", early.add))

	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 120, 1, nil))
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "late", late.add))
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 120, 2, nil)) // equal time
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 60, 3, nil))  // older
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 180, 4, nil))

	got := early.all()
	require.Len(t, got, 2)
	assert.Equal(t, []int64{120_000, 180_000}, []int64{got[0].Time, got[1].Time})

	// the late subscriber tracks its own last time
	lateBars := late.all()
	require.Len(t, lateBars, 2)
	assert.Equal(t, int64(120_000), lateBars[0].Time)
	assert.Equal(t, float64(2), lateBars[0].Close)
}

// go test -v --run TestMarketCapProjection
func TestMarketCapProjection(t *testing.T) {
	ch := newFakeChannels()
	a := newTestAdapter(&countingHistory{}, ch)
	info, _ := a.ResolveSymbol("mint1", feed.MetricMarketCap)

	var sink barSink
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "mc", sink.add))

	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 60, 2.0, f64(200_000)))
	scale, ok := a.Scale("mint1", feed.Resolution1Min)
	require.True(t, ok)
	assert.Equal(t, float64(100_000), scale)

	// later secondary values never move the scale
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 120, 2.2, f64(999_999)))

	bars := sink.all()
	require.Len(t, bars, 2)
	assert.Equal(t, float64(200_000), bars[0].Close)
	assert.Equal(t, float64(220_000), bars[1].Close)
	assert.Equal(t, float64(220_000), bars[1].High)
	assert.Equal(t, float64(1), bars[1].Volume)

	scale, _ = a.Scale("mint1", feed.Resolution1Min)
	assert.Equal(t, float64(100_000), scale)
}

// go test -v --run TestMarketCapWaitsForSecondary
func TestMarketCapWaitsForSecondary(t *testing.T) {
	ch := newFakeChannels()
	a := newTestAdapter(&countingHistory{}, ch)
	info, _ := a.ResolveSymbol("mint1", feed.MetricMarketCap)

	var sink barSink
	require.NoError(t, a.Subscribe(info, feed.Resolution1Min, "mc", sink.add))

	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 60, 2.0, nil))
	assert.Empty(t, sink.all(), "no secondary value known yet")
	_, ok := a.Scale("mint1", feed.Resolution1Min)
	assert.False(t, ok)

	a.assets.Put(feed.Asset{ID: "mint1", MarketCap: 50_000})
	ch.push("chart:mint1:1m", chartUpdate("mint1", "1m", 120, 0.5, nil))
	require.Len(t, sink.all(), 1)
	assert.Equal(t, float64(50_000), sink.all()[0].Close)
}

// go test -v --run TestSwitchingSymbolResetsScale
func TestSwitchingSymbolResetsScale(t *testing.T) {
	ch := newFakeChannels()
	a := newTestAdapter(&countingHistory{}, ch)
	a.bars.Merge(memorystore.SeriesKey{Identifier: "b", Resolution: feed.Resolution1Min, Mode: feed.MetricMarketCap},
		feed.Bar{Time: 1000, Close: 30})

	infoA, _ := a.ResolveSymbol("a", feed.MetricMarketCap)
	infoB, _ := a.ResolveSymbol("b", feed.MetricMarketCap)

	var sink barSink
	require.NoError(t, a.Subscribe(infoA, feed.Resolution1Min, "chart-1", sink.add))
	ch.push("chart:a:1m", chartUpdate("a", "1m", 60, 2, f64(20)))
	_, ok := a.Scale("a", feed.Resolution1Min)
	require.True(t, ok)

	// same subscriber id moves to another symbol
	require.NoError(t, a.Subscribe(infoB, feed.Resolution1Min, "chart-1", sink.add))
	_, ok = a.Scale("a", feed.Resolution1Min)
	assert.False(t, ok, "old stream is gone")
	_, ok = a.Scale("b", feed.Resolution1Min)
	assert.False(t, ok, "new symbol starts unset")
	assert.Equal(t, 1, a.Subscribers())

	ch.push("chart:b:1m", chartUpdate("b", "1m", 120, 3, nil))
	scale, ok := a.Scale("b", feed.Resolution1Min)
	require.True(t, ok)
	assert.Equal(t, float64(10), scale, "cached market cap series feeds the scale")
}

// go test -v --run TestSettings
func TestSettings(t *testing.T) {
	a := newTestAdapter(&countingHistory{}, newFakeChannels())
	ctx := context.Background()

	cs, err := a.Settings(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, memorystore.DefaultChartSettings(), cs)

	require.NoError(t, a.SaveSettings(ctx, "s1", memorystore.ChartSettings{Resolution: feed.Resolution15Min, MarketCapMode: true}))
	cs, _ = a.Settings(ctx, "s1")
	assert.Equal(t, feed.Resolution15Min, cs.Resolution)
	assert.True(t, cs.MarketCapMode)

	assert.ErrorIs(t, a.SaveSettings(ctx, "s1", memorystore.ChartSettings{Resolution: "7"}), ErrInvalidResolution)
}

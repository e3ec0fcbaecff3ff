package chart

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"feedbridge/internal/feed/connection"
	"feedbridge/internal/metrics"
	"feedbridge/pkg/feed"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type chartSubscriber struct {
	id       string
	callback BarCallback
	lastTime int64
	active   atomic.Bool
}

// stream is one (symbol, resolution, mode) subscription on the shared chart channel.
type stream struct {
	key    streamKey
	wire   string
	handle connection.Handle

	mu     sync.Mutex
	subs   map[string]*chartSubscriber
	closed bool // set with the last unsubscribe; late frames are ignored
	// scale projects price onto market cap. It is fixed once known and dies with the
	// stream, so a different symbol always starts unset. Assumes constant supply.
	scale *decimal.Decimal
}

func channelKey(identifier, wire string) string {
	return fmt.Sprintf("chart:%s:%s", identifier, wire)
}

// Subscribe delivers live bars of info at res to callback under subscriberID. The
// channel connects on the first subscriber of a symbol and resolution. Reusing an id
// replaces its previous subscription.
func (a *Adapter) Subscribe(info SymbolInfo, res feed.Resolution, subscriberID string, callback BarCallback) error {
	if info.Ticker == "" {
		return ErrUnknownSymbol
	}
	wire, err := feed.ToWire(res)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidResolution, res)
	}
	if err := a.Unsubscribe(subscriberID); err != nil && err != ErrUnknownSubscriber {
		return err
	}

	key := streamKey{identifier: info.Ticker, resolution: res, mode: modeOf(info)}
	sub := &chartSubscriber{id: subscriberID, callback: callback}
	sub.active.Store(true)

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.streams[key]
	if !ok {
		s = &stream{key: key, wire: wire, subs: make(map[string]*chartSubscriber)}
		h, err := a.channels.Subscribe(channelKey(key.identifier, wire), connection.ChannelSpec{
			Subscribe: [][]byte{feed.MustEncode(feed.EventSubscribeChart,
				feed.SubscribeChartParams{Identifier: key.identifier, Timeframe: wire})},
			Stop: feed.MustEncode(feed.EventUnsubscribeChart,
				feed.UnsubscribeChartParams{Identifier: key.identifier}),
		}, connection.Listener{OnMessage: func(msg []byte) { a.onMessage(s, msg) }})
		if err != nil {
			return err
		}
		s.handle = h
		a.streams[key] = s
		a.logger.Info("chart stream opened", zap.String("symbol", key.identifier),
			zap.String("resolution", wire), zap.String("mode", string(key.mode)))
	}

	s.mu.Lock()
	s.subs[subscriberID] = sub
	s.mu.Unlock()
	a.subscribers[subscriberID] = s
	return nil
}

// Unsubscribe stops delivery to subscriberID before returning. The last subscriber of a
// stream releases its channel.
func (a *Adapter) Unsubscribe(subscriberID string) error {
	a.mu.Lock()
	s, ok := a.subscribers[subscriberID]
	if !ok {
		a.mu.Unlock()
		return ErrUnknownSubscriber
	}
	delete(a.subscribers, subscriberID)

	s.mu.Lock()
	if sub, ok := s.subs[subscriberID]; ok {
		sub.active.Store(false)
		delete(s.subs, subscriberID)
	}
	empty := len(s.subs) == 0
	if empty {
		s.closed = true
	}
	s.mu.Unlock()

	if empty {
		delete(a.streams, s.key)
		if !a.watchingLocked(s.key.identifier) {
			a.forget(s.key.identifier)
		}
	}
	a.mu.Unlock()

	if empty {
		a.logger.Info("chart stream closed", zap.String("symbol", s.key.identifier),
			zap.String("resolution", s.wire), zap.String("mode", string(s.key.mode)))
		return a.channels.Unsubscribe(s.handle)
	}
	return nil
}

// watchingLocked reports whether any stream of identifier is still open.
func (a *Adapter) watchingLocked(identifier string) bool {
	for key := range a.streams {
		if key.identifier == identifier {
			return true
		}
	}
	return false
}

// forget drops the cached series and idle history guards of identifier once no view
// shows it. A guard with a request in flight stays until that request returns.
func (a *Adapter) forget(identifier string) {
	a.bars.Drop(identifier)

	a.guardMu.Lock()
	for key, g := range a.guards {
		if key.identifier == identifier && !g.inFlight {
			delete(a.guards, key)
		}
	}
	a.guardMu.Unlock()
}

// Subscribers reports the number of live chart subscribers.
func (a *Adapter) Subscribers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.subscribers)
}

type delivery struct {
	sub *chartSubscriber
	bar feed.Bar
}

func (a *Adapter) onMessage(s *stream, msg []byte) {
	var env feed.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		a.logger.Warn("malformed chart message", zap.Error(err))
		return
	}
	if env.Event != feed.EventChartUpdate {
		return
	}
	var upd feed.ChartUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		a.logger.Warn("malformed chart update", zap.Error(err))
		return
	}
	if upd.Identifier != s.key.identifier || (upd.Timeframe != "" && upd.Timeframe != s.wire) {
		return
	}

	bar := upd.Bar.ToBar()
	if s.key.mode == feed.MetricMarketCap {
		projected, ok := a.project(s, bar, upd.Bar.MarketCap)
		if !ok {
			metrics.DropBar("no_scale")
			return
		}
		bar = projected
	}

	var out []delivery
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	a.bars.Merge(s.key.series(), bar)
	for _, sub := range s.subs {
		if bar.Time <= sub.lastTime {
			metrics.DropBar("regression")
			continue
		}
		sub.lastTime = bar.Time
		out = append(out, delivery{sub: sub, bar: bar})
	}
	s.mu.Unlock()

	for _, d := range out {
		if d.sub.active.Load() {
			d.sub.callback(d.bar)
		}
	}
}

// project maps a primary bar onto the secondary series. The scale is computed from the
// first bar for which both a secondary value and a non-zero close are known.
func (a *Adapter) project(s *stream, bar feed.Bar, wireSecondary *float64) (feed.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scale == nil {
		secondary, ok := a.secondaryValue(s.key, wireSecondary)
		if !ok || bar.Close == 0 {
			return feed.Bar{}, false
		}
		scale := decimal.NewFromFloat(secondary).Div(decimal.NewFromFloat(bar.Close))
		s.scale = &scale
		a.logger.Debug("market cap scale fixed", zap.String("symbol", s.key.identifier),
			zap.String("scale", scale.String()))
	}

	mul := func(v float64) float64 {
		return decimal.NewFromFloat(v).Mul(*s.scale).InexactFloat64()
	}
	return feed.Bar{
		Time:   bar.Time,
		Open:   mul(bar.Open),
		High:   mul(bar.High),
		Low:    mul(bar.Low),
		Close:  mul(bar.Close),
		Volume: bar.Volume,
	}, true
}

// secondaryValue picks the freshest known market cap: the pushed value, the cached
// market cap series, then the asset record.
func (a *Adapter) secondaryValue(key streamKey, wire *float64) (float64, bool) {
	if wire != nil && *wire > 0 {
		return *wire, true
	}
	if b, ok := a.bars.Latest(key.series()); ok && b.Close > 0 {
		return b.Close, true
	}
	if asset, ok := a.assets.Get(key.identifier); ok && asset.MarketCap > 0 {
		return asset.MarketCap, true
	}
	return 0, false
}

// Scale reports the fixed scale of a market cap stream, if known.
func (a *Adapter) Scale(identifier string, res feed.Resolution) (float64, bool) {
	a.mu.Lock()
	s, ok := a.streams[streamKey{identifier: identifier, resolution: res, mode: feed.MetricMarketCap}]
	a.mu.Unlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scale == nil {
		return 0, false
	}
	return s.scale.InexactFloat64(), true
}

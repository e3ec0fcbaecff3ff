// Package tokenlist runs the list-mode view: token updates from the shared channel are
// normalized, buffered, and dripped into the displayed list.
package tokenlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"feedbridge/internal/feed/buffer"
	"feedbridge/internal/feed/connection"
	"feedbridge/internal/feed/imagecache"
	"feedbridge/internal/feed/memorystore"
	"feedbridge/internal/feed/normalize"
	"feedbridge/pkg/feed"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("token list view closed")

type Channels interface {
	Subscribe(key string, spec connection.ChannelSpec, l connection.Listener) (connection.Handle, error)
	Unsubscribe(h connection.Handle) error
}

type Prefetcher interface {
	Prefetch(ctx context.Context, url string) *imagecache.Result
	LogoFor(url string) string
}

type Config struct {
	Params       feed.SubscribeTokensParams
	Buffer       buffer.Config
	DripInterval time.Duration
}

// View is one active list context. It processes nothing before Start or after Close.
type View struct {
	cfg        Config
	channels   Channels
	normalizer normalize.Normalizer
	images     Prefetcher
	assets     *memorystore.AssetStore
	logger     *zap.Logger

	buf    *buffer.Buffer
	drip   *buffer.Dripper
	ctx    context.Context
	cancel context.CancelFunc

	active      atomic.Bool
	expectBurst atomic.Bool

	mu     sync.Mutex
	handle connection.Handle
	closed bool
}

func New(cfg Config, channels Channels, normalizer normalize.Normalizer, images Prefetcher,
	assets *memorystore.AssetStore, logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	if assets == nil {
		assets = memorystore.NewAssetStore()
	}
	if cfg.DripInterval <= 0 {
		cfg.DripInterval = 1500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	v := &View{
		cfg:        cfg,
		channels:   channels,
		normalizer: normalizer,
		images:     images,
		assets:     assets,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
	v.buf = buffer.New(cfg.Buffer, buffer.Hooks{
		OnDisplayed: v.onDisplayed,
		OnEvicted:   func(a feed.Asset) { v.assets.Delete(a.ID) },
	})
	v.drip = buffer.NewDripper(v.buf, cfg.DripInterval, logger)
	return v
}

// Key is the channel key of the list subscription.
func (v *View) Key() string {
	p := v.cfg.Params
	return fmt.Sprintf("tokens:page=%d:limit=%d:verified=%t:random=%t", p.Page, p.Limit, p.Verified, p.Random)
}

func (v *View) Start() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if v.handle != "" {
		return nil
	}

	v.active.Store(true)
	v.expectBurst.Store(true)
	h, err := v.channels.Subscribe(v.Key(), connection.ChannelSpec{
		Subscribe: [][]byte{feed.MustEncode(feed.EventSubscribeTokens, v.cfg.Params)},
		Stop:      feed.MustEncode(feed.EventUnsubscribeTokens, nil),
	}, connection.Listener{OnMessage: v.onMessage, OnState: v.onState})
	if err != nil {
		v.active.Store(false)
		return err
	}
	v.handle = h
	v.drip.Start()
	v.logger.Info("token list started", zap.String("channel", v.Key()))
	return nil
}

// Close unsubscribes and stops the drip before returning. A closed view cannot restart.
func (v *View) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.closed = true
	v.active.Store(false)
	v.drip.Stop()
	v.cancel()

	if v.handle == "" {
		return nil
	}
	err := v.channels.Unsubscribe(v.handle)
	v.handle = ""
	v.buf.Reset()
	v.logger.Info("token list closed", zap.String("channel", v.Key()))
	return err
}

// Displayed is the visible list, newest first, with failed logos replaced by the placeholder.
func (v *View) Displayed() []feed.Asset {
	list := v.buf.Displayed()
	if v.images != nil {
		for i := range list {
			list[i].Logo = v.images.LogoFor(list[i].Logo)
		}
	}
	return list
}

func (v *View) Stats() buffer.Stats {
	return v.buf.Stats()
}

// onState marks the next update as the initial response of a fresh subscription.
func (v *View) onState(s connection.State) {
	if s == connection.StateConnected {
		v.expectBurst.Store(true)
	}
}

func (v *View) onMessage(msg []byte) {
	if !v.active.Load() {
		return
	}
	var env feed.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		v.logger.Warn("malformed list message", zap.Error(err))
		return
	}
	if env.Event != feed.EventTokenUpdate {
		return
	}
	var upd feed.TokenUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil {
		v.logger.Warn("malformed token update", zap.Error(err))
		return
	}

	assets := v.normalizer.NormalizeAll(upd.Tokens)
	if v.expectBurst.Swap(false) {
		v.buf.OnBurst(assets)
		v.logger.Debug("token burst", zap.Int("count", len(assets)))
	} else {
		v.buf.OnIncrement(assets)
	}
	for _, a := range assets {
		if v.buf.Known(a.ID) {
			v.assets.Put(a)
		}
	}
}

func (v *View) onDisplayed(a feed.Asset) {
	if v.images == nil || a.Logo == "" {
		return
	}
	// fire and forget; failures fall back to the placeholder in Displayed
	v.images.Prefetch(v.ctx, a.Logo)
}

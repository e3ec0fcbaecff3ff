package connection

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"feedbridge/internal/metrics"

	"go.uber.org/zap"
)

var errSubscribeFailed = errors.New("subscription write failed")

type subscriber struct {
	listener Listener
	active   atomic.Bool
}

// channel owns the transport of one key. Its goroutine is the only reader and the only
// writer of state transitions until stop is called.
type channel struct {
	key    string
	spec   ChannelSpec
	dial   Dialer
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}

	subsMu sync.RWMutex
	subs   map[Handle]*subscriber

	// connMu serializes transport writes with stop, so no subscribe can follow the stop message
	connMu    sync.Mutex
	transport Transport
	stopped   bool
	state     State
	failures  int // consecutive
	reconnect int // total
}

func newChannel(parent context.Context, key string, spec ChannelSpec, dial Dialer, cfg Config, logger *zap.Logger) *channel {
	ctx, cancel := context.WithCancel(parent)
	return &channel{
		key:    key,
		spec:   spec,
		dial:   dial,
		cfg:    cfg,
		logger: logger.With(zap.String("channel", key)),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		subs:   make(map[Handle]*subscriber),
	}
}

func (c *channel) add(h Handle, l Listener) {
	s := &subscriber{listener: l}
	s.active.Store(true)
	c.subsMu.Lock()
	c.subs[h] = s
	c.subsMu.Unlock()
}

// remove stops delivery to h and returns the remaining subscriber count.
func (c *channel) remove(h Handle) int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if s, ok := c.subs[h]; ok {
		s.active.Store(false)
		delete(c.subs, h)
	}
	return len(c.subs)
}

func (c *channel) snapshot() []*subscriber {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	out := make([]*subscriber, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *channel) dispatch(msg []byte) {
	for _, s := range c.snapshot() {
		if s.active.Load() && s.listener.OnMessage != nil {
			s.listener.OnMessage(msg)
		}
	}
}

func (c *channel) State() State {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.state
}

func (c *channel) stats() ChannelStats {
	c.subsMu.RLock()
	n := len(c.subs)
	c.subsMu.RUnlock()

	c.connMu.Lock()
	defer c.connMu.Unlock()
	return ChannelStats{
		Key:         c.key,
		State:       c.state.String(),
		Subscribers: n,
		Failures:    c.failures,
		Reconnects:  c.reconnect,
	}
}

// setState records a transition unless the channel was stopped. It reports whether the
// channel is still live.
func (c *channel) setState(s State) bool {
	c.connMu.Lock()
	if c.stopped {
		c.connMu.Unlock()
		return false
	}
	prev := c.state
	c.state = s
	c.connMu.Unlock()

	if prev != s {
		metrics.SetConnectionState(c.key, int(s))
		c.logger.Debug("connection state", zap.Stringer("from", prev), zap.Stringer("to", s))
		for _, sub := range c.snapshot() {
			if sub.active.Load() && sub.listener.OnState != nil {
				sub.listener.OnState(s)
			}
		}
	}
	return true
}

// restart leaves Disconnected on a fresh subscribe. The signal is kept until the next
// park or successful connect, whichever comes first.
func (c *channel) restart() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// stop sends the stop message over a live transport, closes it, and resets the channel to
// Idle. Delivery must already be disabled for every subscriber.
func (c *channel) stop() {
	c.connMu.Lock()
	if c.stopped {
		c.connMu.Unlock()
		return
	}
	c.stopped = true
	t := c.transport
	c.transport = nil
	connected := c.state == StateConnected
	c.state = StateIdle

	if t != nil {
		if connected && len(c.spec.Stop) > 0 {
			if err := t.Send(c.spec.Stop); err != nil {
				c.logger.Warn("failed to send stop message", zap.Error(err))
			} else {
				metrics.StopMessages.Inc()
			}
		}
		if err := t.Close(); err != nil {
			c.logger.Debug("transport close", zap.Error(err))
		}
	}
	c.connMu.Unlock()

	c.cancel()
	metrics.ForgetChannel(c.key)
	c.logger.Info("channel stopped")
}

func (c *channel) run() {
	if !c.setState(StateConnecting) {
		return
	}
	for {
		t, ok := c.connect()
		if !ok {
			if c.isStopped() || !c.parkDisconnected() || !c.setState(StateConnecting) {
				return
			}
			continue
		}

		c.readLoop(t)

		c.connMu.Lock()
		stopped := c.stopped
		if !stopped {
			c.transport = nil
			c.reconnect++
		}
		c.connMu.Unlock()
		if stopped {
			return
		}
		_ = t.Close()

		if !c.setState(StateReconnecting) || !c.sleep(c.cfg.backoff(1)) {
			return
		}
	}
}

func (c *channel) isStopped() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.stopped
}

// connect dials until it succeeds or MaxAttempts consecutive failures accumulate.
func (c *channel) connect() (Transport, bool) {
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		t, err := c.dial(dialCtx)
		cancel()

		if err == nil {
			if c.established(t) {
				return t, true
			}
			_ = t.Close()
			err = errSubscribeFailed
		}
		if c.isStopped() {
			return nil, false
		}

		c.connMu.Lock()
		c.failures = attempt
		c.connMu.Unlock()

		if attempt >= c.cfg.MaxAttempts {
			c.logger.Error("giving up after consecutive connection failures",
				zap.Int("attempts", attempt), zap.Error(err))
			return nil, false
		}

		wait := c.cfg.backoff(attempt)
		metrics.ReconnectAttempts.Inc()
		c.logger.Warn("connection attempt failed",
			zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
		if !c.setState(StateReconnecting) || !c.sleep(wait) {
			return nil, false
		}
	}
}

// established publishes t and replays the subscription. It returns false if the channel
// stopped meanwhile or a subscribe write failed.
func (c *channel) established(t Transport) bool {
	c.connMu.Lock()
	if c.stopped {
		c.connMu.Unlock()
		return false
	}
	for _, msg := range c.spec.Subscribe {
		if err := t.Send(msg); err != nil {
			c.connMu.Unlock()
			c.logger.Warn("failed to send subscription", zap.Error(err))
			return false
		}
	}
	c.transport = t
	c.failures = 0
	c.connMu.Unlock()

	// a subscribe seen while connecting is satisfied by this connection
	select {
	case <-c.wake:
	default:
	}

	return c.setState(StateConnected)
}

func (c *channel) readLoop(t Transport) {
	for {
		msg, err := t.Read()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("transport closed abnormally", zap.Error(err))
			}
			return
		}
		c.dispatch(msg)
	}
}

// parkDisconnected waits in Disconnected until restart or stop.
func (c *channel) parkDisconnected() bool {
	if !c.setState(StateDisconnected) {
		return false
	}
	select {
	case <-c.wake:
		c.connMu.Lock()
		c.failures = 0
		c.connMu.Unlock()
		return c.setState(StateIdle)
	case <-c.ctx.Done():
		return false
	}
}

func (c *channel) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

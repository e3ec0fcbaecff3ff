// Package connection manages one transport per logical channel key, shared by every local
// subscriber of that key.
package connection

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Manager struct {
	dial   Dialer
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*channel
	handles  map[Handle]*channel
	closed   bool
}

func NewManager(dial Dialer, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		dial:     dial,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*channel),
		handles:  make(map[Handle]*channel),
	}
}

// Subscribe registers l on key. The first subscriber of a key starts its connection with
// spec; later subscribers share it. A subscribe that finds the key anywhere short of
// Connected leaves a wake signal, so a cycle that gives up afterwards restarts at once.
func (m *Manager) Subscribe(key string, spec ChannelSpec, l Listener) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}

	h := Handle(uuid.NewString())
	ch, ok := m.channels[key]
	if ok {
		ch.add(h, l)
		if ch.State() != StateConnected {
			ch.restart()
		}
	} else {
		ch = newChannel(m.ctx, key, spec, m.dial, m.cfg, m.logger)
		ch.add(h, l)
		m.channels[key] = ch
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ch.run()
		}()
	}
	m.handles[h] = ch
	m.logger.Debug("subscribed", zap.String("channel", key), zap.String("handle", string(h)))
	return h, nil
}

// Unsubscribe stops delivery to h before returning. Removing the last subscriber of a key
// sends its stop message and tears the transport down.
func (m *Manager) Unsubscribe(h Handle) error {
	m.mu.Lock()
	ch, ok := m.handles[h]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(m.handles, h)
	last := ch.remove(h) == 0
	if last {
		delete(m.channels, ch.key)
	}
	m.mu.Unlock()

	if last {
		ch.stop()
	}
	return nil
}

// State reports the state of key; unknown keys are Idle.
func (m *Manager) State(key string) State {
	m.mu.Lock()
	ch, ok := m.channels[key]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return ch.State()
}

func (m *Manager) Stats() []ChannelStats {
	m.mu.Lock()
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	m.mu.Unlock()

	out := make([]ChannelStats, 0, len(chans))
	for _, ch := range chans {
		out = append(out, ch.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close stops every channel and waits for their goroutines or ctx.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	chans := make([]*channel, 0, len(m.channels))
	for _, ch := range m.channels {
		chans = append(chans, ch)
	}
	for h, ch := range m.handles {
		ch.remove(h)
	}
	m.channels = make(map[string]*channel)
	m.handles = make(map[Handle]*channel)
	m.mu.Unlock()

	for _, ch := range chans {
		ch.stop()
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, channels still running")
		return ctx.Err()
	}
}

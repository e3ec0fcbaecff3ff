// Package buffer holds the bounded displayed list of assets and the overflow queue
// that feeds it one item per drip interval.
package buffer

import (
	"sync"

	"feedbridge/internal/metrics"
	"feedbridge/pkg/feed"
)

type Config struct {
	DisplayLimit      int // L
	OverflowFactor    int // nominal overflow = OverflowFactor * L
	OverflowCapFactor int // hard overflow cap = OverflowCapFactor * nominal
}

// Cap returns the hard overflow bound.
func (c Config) Cap() int {
	factor, capFactor := c.OverflowFactor, c.OverflowCapFactor
	if factor <= 0 {
		factor = 5
	}
	if capFactor <= 0 {
		capFactor = 2
	}
	return c.DisplayLimit * factor * capFactor
}

// Hooks are invoked after the buffer lock is released, in the order the changes happened.
type Hooks struct {
	OnDisplayed func(feed.Asset) // item entered the displayed list
	OnEvicted   func(feed.Asset) // item left the buffer (displayed tail or overflow tail)
}

// Buffer is safe for concurrent use. Identifiers are unique across displayed and overflow.
type Buffer struct {
	limit       int
	overflowCap int
	hooks       Hooks

	mu        sync.Mutex
	displayed []feed.Asset // newest first
	overflow  []feed.Asset // next release first
	known     map[string]struct{}

	ready chan struct{}
}

func New(cfg Config, hooks Hooks) *Buffer {
	if cfg.DisplayLimit <= 0 {
		cfg.DisplayLimit = 24
	}
	return &Buffer{
		limit:       cfg.DisplayLimit,
		overflowCap: cfg.Cap(),
		hooks:       hooks,
		known:       make(map[string]struct{}),
		ready:       make(chan struct{}, 1),
	}
}

type change struct {
	displayed []feed.Asset
	evicted   []feed.Asset
}

func (b *Buffer) fire(c change) {
	if b.hooks.OnEvicted != nil {
		for _, a := range c.evicted {
			b.hooks.OnEvicted(a)
		}
	}
	if b.hooks.OnDisplayed != nil {
		for _, a := range c.displayed {
			b.hooks.OnDisplayed(a)
		}
	}
}

// OnBurst replaces the whole buffer with the initial subscription response. The first L
// unique items are displayed, the rest queue up in arrival order.
func (b *Buffer) OnBurst(items []feed.Asset) {
	b.mu.Lock()
	var c change
	previous := append(append([]feed.Asset(nil), b.displayed...), b.overflow...)
	b.displayed = b.displayed[:0:0]
	b.overflow = b.overflow[:0:0]
	b.known = make(map[string]struct{}, len(items))

	dups := 0
	pos := make(map[string]int, len(items))
	for _, a := range items {
		if p, ok := pos[a.ID]; ok {
			// a later record of the same id wins, keeping the first position
			if p < b.limit {
				b.displayed[p] = a
				c.displayed[p] = a
			} else {
				b.overflow[p-b.limit] = a
			}
			dups++
			continue
		}
		pos[a.ID] = len(pos)
		b.known[a.ID] = struct{}{}
		if len(b.displayed) < b.limit {
			b.displayed = append(b.displayed, a)
			c.displayed = append(c.displayed, a)
		} else {
			b.overflow = append(b.overflow, a)
		}
	}
	for _, a := range previous {
		if _, ok := b.known[a.ID]; !ok {
			c.evicted = append(c.evicted, a)
		}
	}
	c.evicted = append(c.evicted, b.truncateLocked()...)
	b.signalLocked()
	b.mu.Unlock()

	metrics.DuplicatesFiltered.Add(float64(dups))
	b.fire(c)
}

// OnIncrement queues unseen items at the front of the overflow and reports how many were
// added. Known items are updated in place and never requeued.
func (b *Buffer) OnIncrement(items []feed.Asset) int {
	b.mu.Lock()
	var (
		c         change
		survivors []feed.Asset
		dups      int
		pos       = make(map[string]int)
	)
	for _, a := range items {
		if p, ok := pos[a.ID]; ok {
			survivors[p] = a
			dups++
			continue
		}
		if _, ok := b.known[a.ID]; ok {
			b.replaceLocked(a)
			dups++
			continue
		}
		b.known[a.ID] = struct{}{}
		pos[a.ID] = len(survivors)
		survivors = append(survivors, a)
	}
	if len(survivors) > 0 {
		b.overflow = append(survivors, b.overflow...)
		c.evicted = b.truncateLocked()
		b.signalLocked()
	}
	b.mu.Unlock()

	metrics.DuplicatesFiltered.Add(float64(dups))
	b.fire(c)
	return len(survivors)
}

// Tick releases the front overflow item into the displayed list, evicting the oldest
// displayed item past L. It reports false when the overflow is empty.
func (b *Buffer) Tick() (feed.Asset, bool) {
	b.mu.Lock()
	if len(b.overflow) == 0 {
		b.mu.Unlock()
		return feed.Asset{}, false
	}
	next := b.overflow[0]
	b.overflow[0] = feed.Asset{}
	b.overflow = b.overflow[1:]

	b.displayed = append(b.displayed, feed.Asset{})
	copy(b.displayed[1:], b.displayed)
	b.displayed[0] = next

	c := change{displayed: []feed.Asset{next}}
	for len(b.displayed) > b.limit {
		last := b.displayed[len(b.displayed)-1]
		b.displayed = b.displayed[:len(b.displayed)-1]
		delete(b.known, last.ID)
		c.evicted = append(c.evicted, last)
	}
	b.mu.Unlock()

	metrics.DripReleased.Inc()
	b.fire(c)
	return next, true
}

// Ready receives a signal whenever the overflow becomes non-empty.
func (b *Buffer) Ready() <-chan struct{} { return b.ready }

// Displayed returns a copy of the displayed list, newest first.
func (b *Buffer) Displayed() []feed.Asset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]feed.Asset(nil), b.displayed...)
}

// Overflow returns a copy of the overflow queue, next release first.
func (b *Buffer) Overflow() []feed.Asset {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]feed.Asset(nil), b.overflow...)
}

func (b *Buffer) OverflowLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.overflow)
}

// Known reports whether id is displayed or queued.
func (b *Buffer) Known(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.known[id]
	return ok
}

type Stats struct {
	Displayed int `json:"displayed"`
	Overflow  int `json:"overflow"`
	Limit     int `json:"limit"`
	Cap       int `json:"overflowCap"`
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Displayed: len(b.displayed), Overflow: len(b.overflow), Limit: b.limit, Cap: b.overflowCap}
}

// Reset empties the buffer without firing hooks.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.displayed = nil
	b.overflow = nil
	b.known = make(map[string]struct{})
}

func (b *Buffer) replaceLocked(a feed.Asset) {
	for i := range b.displayed {
		if b.displayed[i].ID == a.ID {
			b.displayed[i] = a
			return
		}
	}
	for i := range b.overflow {
		if b.overflow[i].ID == a.ID {
			b.overflow[i] = a
			return
		}
	}
}

// truncateLocked drops the oldest overflow entries past the cap.
func (b *Buffer) truncateLocked() []feed.Asset {
	over := len(b.overflow) - b.overflowCap
	if over <= 0 {
		return nil
	}
	dropped := append([]feed.Asset(nil), b.overflow[b.overflowCap:]...)
	for _, a := range dropped {
		delete(b.known, a.ID)
	}
	b.overflow = b.overflow[:b.overflowCap]
	metrics.OverflowDropped.Add(float64(over))
	return dropped
}

func (b *Buffer) signalLocked() {
	if len(b.overflow) == 0 {
		return
	}
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

package memorystore

import (
	"sort"
	"sync"

	"feedbridge/pkg/feed"
)

// BarStore caches a bounded, time-ordered bar series per SeriesKey for the current view.
type BarStore struct {
	globalMu sync.RWMutex
	data     map[SeriesKey]*seriesStore
	limit    int
}

type seriesStore struct {
	mu   sync.Mutex
	bars []feed.Bar
}

// NewBarStore keeps at most limit bars per series (limit <= 0 means 1000).
func NewBarStore(limit int) *BarStore {
	if limit <= 0 {
		limit = 1000
	}
	return &BarStore{
		data:  make(map[SeriesKey]*seriesStore),
		limit: limit,
	}
}

func (s *BarStore) series(key SeriesKey) *seriesStore {
	// Fast path: lock per-series store only
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if ok {
		return store
	}

	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	if store, ok = s.data[key]; !ok {
		store = &seriesStore{}
		s.data[key] = store
	}
	return store
}

// Merge inserts bars keeping the series sorted by time. A bar with an existing open
// time replaces the stored one.
func (s *BarStore) Merge(key SeriesKey, bars ...feed.Bar) {
	if len(bars) == 0 {
		return
	}
	store := s.series(key)

	store.mu.Lock()
	defer store.mu.Unlock()

	for _, b := range bars {
		i := sort.Search(len(store.bars), func(i int) bool { return store.bars[i].Time >= b.Time })
		switch {
		case i < len(store.bars) && store.bars[i].Time == b.Time:
			store.bars[i] = b
		case i == len(store.bars):
			store.bars = append(store.bars, b)
		default:
			store.bars = append(store.bars, feed.Bar{})
			copy(store.bars[i+1:], store.bars[i:])
			store.bars[i] = b
		}
	}
	if over := len(store.bars) - s.limit; over > 0 {
		store.bars = append(store.bars[:0:0], store.bars[over:]...)
	}
}

// Get returns a copy of the series.
func (s *BarStore) Get(key SeriesKey) []feed.Bar {
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return nil
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	cp := make([]feed.Bar, len(store.bars))
	copy(cp, store.bars)
	return cp
}

// Latest returns the newest bar of a series.
func (s *BarStore) Latest(key SeriesKey) (feed.Bar, bool) {
	s.globalMu.RLock()
	store, ok := s.data[key]
	s.globalMu.RUnlock()
	if !ok {
		return feed.Bar{}, false
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.bars) == 0 {
		return feed.Bar{}, false
	}
	return store.bars[len(store.bars)-1], true
}

// Drop forgets every series of an identifier, used when its view is torn down.
func (s *BarStore) Drop(identifier string) {
	s.globalMu.Lock()
	defer s.globalMu.Unlock()
	for key := range s.data {
		if key.Identifier == identifier {
			delete(s.data, key)
		}
	}
}

// CountAll returns the total number of bars stored across all series.
func (s *BarStore) CountAll() int {
	s.globalMu.RLock()
	defer s.globalMu.RUnlock()

	total := 0
	for _, store := range s.data {
		store.mu.Lock()
		total += len(store.bars)
		store.mu.Unlock()
	}
	return total
}

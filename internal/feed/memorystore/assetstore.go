package memorystore

import (
	"sync"

	"feedbridge/pkg/feed"
)

// AssetStore remembers the latest record of every asset seen on the list channel so the
// chart side can resolve symbols without another request.
type AssetStore struct {
	mu     sync.RWMutex
	assets map[string]feed.Asset
}

func NewAssetStore() *AssetStore {
	return &AssetStore{assets: make(map[string]feed.Asset)}
}

// Put replaces the stored record.
func (s *AssetStore) Put(assets ...feed.Asset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range assets {
		s.assets[a.ID] = a
	}
}

func (s *AssetStore) Get(id string) (feed.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[id]
	return a, ok
}

// Delete forgets assets, e.g. when they are evicted from the view.
func (s *AssetStore) Delete(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.assets, id)
	}
}

func (s *AssetStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

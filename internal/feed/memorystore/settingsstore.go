package memorystore

import (
	"context"
	"sync"
)

// SettingsStore keeps chart settings in memory; used when PostgreSQL is disabled.
type SettingsStore struct {
	mu       sync.Mutex
	settings map[string]ChartSettings
}

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{settings: make(map[string]ChartSettings)}
}

func (s *SettingsStore) LoadSettings(_ context.Context, scope string) (ChartSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.settings[scope]; ok {
		return cs, nil
	}
	return DefaultChartSettings(), nil
}

func (s *SettingsStore) SaveSettings(_ context.Context, scope string, cs ChartSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[scope] = cs
	return nil
}

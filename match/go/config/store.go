package config

import (
	"sync"
)

// Store holds the effective configuration and hands out consistent snapshots.
// The /config endpoints replace the whole document at once; pipelines read a
// snapshot at session start and never observe a partial update.
type Store struct {
	mtx sync.RWMutex
	cfg Config
}

// NewStore returns a Store seeded with cfg.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns a snapshot of the current configuration. The presets map is
// copied so callers cannot mutate the stored document.
func (s *Store) Get() Config {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	c := s.cfg
	c.Presets = make(map[string]Preset, len(s.cfg.Presets))
	for k, v := range s.cfg.Presets {
		c.Presets[k] = v
	}
	return c
}

// Set validates and installs a new configuration document.
func (s *Store) Set(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.cfg = cfg
	return nil
}

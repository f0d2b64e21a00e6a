package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/strategy"
)

// CacheTTLPresets are the accepted bypass cache lifetimes.
var CacheTTLPresets = []time.Duration{
	15 * time.Minute,
	30 * time.Minute,
	time.Hour,
	2 * time.Hour,
}

// Retry bounds for Settings.MaxRetries.
const (
	MinRetries = 1
	MaxRetries = 5
)

// Settings is the runtime control surface of the bypass layer.
type Settings struct {
	CacheEnabled         bool
	CacheTTL             time.Duration
	Strategy             string // "adaptive", DEFAULT, FAST or AGGRESSIVE
	MaxRetries           int
	ProxyEnabled         bool
	RandomizeFingerprint bool
	AggressiveEvasions   bool
	CustomUserAgent      string // overrides the fingerprint User-Agent when set
}

// DefaultSettings returns the defaults: caching on for 30m, adaptive strategy,
// 3 retries, no proxies and a randomized fingerprint.
func DefaultSettings() Settings {
	return Settings{
		CacheEnabled:         true,
		CacheTTL:             30 * time.Minute,
		Strategy:             string(strategy.Adaptive),
		MaxRetries:           3,
		ProxyEnabled:         false,
		RandomizeFingerprint: true,
		AggressiveEvasions:   false,
	}
}

// Validate checks every field against its accepted range and canonicalizes Strategy.
func (s *Settings) Validate() error {
	ok := false
	for _, p := range CacheTTLPresets {
		if s.CacheTTL == p {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("cache ttl %s is not one of 15m, 30m, 1h, 2h", s.CacheTTL)
	}

	if s.MaxRetries < MinRetries || s.MaxRetries > MaxRetries {
		return fmt.Errorf("max retries %d out of range [%d, %d]", s.MaxRetries, MinRetries, MaxRetries)
	}

	st, err := strategy.Parse(s.Strategy)
	if err != nil {
		return err
	}
	s.Strategy = string(st)
	return nil
}

// StrategyOverride returns the configured strategy; strategy.Adaptive means none.
func (s Settings) StrategyOverride() strategy.Strategy {
	st, err := strategy.Parse(s.Strategy)
	if err != nil {
		return strategy.Adaptive
	}
	return st
}

// SettingsStore holds the current Settings behind a lock.
type SettingsStore struct {
	mu       sync.RWMutex
	settings Settings
}

// NewSettingsStore creates a store seeded with initial. Invalid values fall back to defaults.
func NewSettingsStore(initial Settings) *SettingsStore {
	if err := initial.Validate(); err != nil {
		initial = DefaultSettings()
	}
	return &SettingsStore{settings: initial}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Set validates and replaces the settings.
func (s *SettingsStore) Set(next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()
	return next, nil
}

// Update applies fn to a copy of the current settings and stores the result if it validates.
func (s *SettingsStore) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	fn(&next)
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}
	s.settings = next
	return next, nil
}

// CacheTTL returns the current cache lifetime.
func (s *SettingsStore) CacheTTL() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.CacheTTL
}

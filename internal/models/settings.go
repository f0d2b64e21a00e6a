package models

import (
	"fmt"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/config"
)

// SettingsBody is the JSON form of config.Settings.
type SettingsBody struct {
	CacheEnabled         bool   `json:"cacheEnabled"`
	CacheTTL             string `json:"cacheTtl" enum:"15m,30m,1h,2h" doc:"Cached clearance lifetime"`
	Strategy             string `json:"strategy" enum:"adaptive,DEFAULT,FAST,AGGRESSIVE"`
	MaxRetries           int    `json:"maxRetries" minimum:"1" maximum:"5"`
	ProxyEnabled         bool   `json:"proxyEnabled"`
	RandomizeFingerprint bool   `json:"randomizeFingerprint"`
	AggressiveEvasions   bool   `json:"aggressiveEvasions"`
	CustomUserAgent      string `json:"customUserAgent,omitempty"`
}

// SettingsFrom converts settings for output.
func SettingsFrom(s config.Settings) SettingsBody {
	return SettingsBody{
		CacheEnabled:         s.CacheEnabled,
		CacheTTL:             formatTTL(s.CacheTTL),
		Strategy:             s.Strategy,
		MaxRetries:           s.MaxRetries,
		ProxyEnabled:         s.ProxyEnabled,
		RandomizeFingerprint: s.RandomizeFingerprint,
		AggressiveEvasions:   s.AggressiveEvasions,
		CustomUserAgent:      s.CustomUserAgent,
	}
}

// Settings parses b. Range checks are left to config.Settings.Validate.
func (b SettingsBody) Settings() (config.Settings, error) {
	ttl, err := time.ParseDuration(b.CacheTTL)
	if err != nil {
		return config.Settings{}, fmt.Errorf("invalid cache ttl %q: %w", b.CacheTTL, err)
	}
	return config.Settings{
		CacheEnabled:         b.CacheEnabled,
		CacheTTL:             ttl,
		Strategy:             b.Strategy,
		MaxRetries:           b.MaxRetries,
		ProxyEnabled:         b.ProxyEnabled,
		RandomizeFingerprint: b.RandomizeFingerprint,
		AggressiveEvasions:   b.AggressiveEvasions,
		CustomUserAgent:      b.CustomUserAgent,
	}, nil
}

// formatTTL renders presets the way they are accepted ("1h" not "1h0m0s").
func formatTTL(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return d.String()
}

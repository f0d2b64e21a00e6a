// Package monitor keeps per-host challenge statistics and derives solve strategy and
// backoff from them.
package monitor

import (
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/strategy"
)

// MaxDurationSamples bounds the per-host ring of bypass durations.
const MaxDurationSamples = 10

const (
	aggressiveAfterFailures = 3
	fastAfterSuccesses      = 5
	fastMaxAverage          = 10 * time.Second

	firstWait = time.Second
	waitStep  = 2 * time.Second
	maxWait   = 10 * time.Second
)

// HostStats is the observed history for one hostname.
type HostStats struct {
	Host                string            `json:"host"`
	SuccessCount        int               `json:"successCount"`
	FailureCount        int               `json:"failureCount"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastUserAgent       string            `json:"lastUserAgent,omitempty"`
	LastCookies         map[string]string `json:"lastCookies,omitempty"`
	Durations           []time.Duration   `json:"durations"`
	AverageDuration     time.Duration     `json:"averageDuration"`
	LastChallengeType   string            `json:"lastChallengeType,omitempty"`
	FirstSeen           time.Time         `json:"firstSeen"`
	LastSuccessAt       time.Time         `json:"lastSuccessAt,omitempty"`
	LastFailureAt       time.Time         `json:"lastFailureAt,omitempty"`
}

func (s *HostStats) clone() HostStats {
	out := *s
	out.LastCookies = maps.Clone(s.LastCookies)
	out.Durations = append([]time.Duration(nil), s.Durations...)
	return out
}

// PreviousSuccess is the identity that last cleared a host's challenge.
type PreviousSuccess struct {
	UserAgent string
	Cookies   map[string]string
}

// Monitor is a thread-safe store of HostStats keyed by hostname.
type Monitor struct {
	mu    sync.Mutex
	hosts map[string]*HostStats
	now   func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates an empty monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		hosts: make(map[string]*HostStats),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// getOrCreate must be called with mu held.
func (m *Monitor) getOrCreate(host string) *HostStats {
	s, ok := m.hosts[host]
	if !ok {
		s = &HostStats{Host: host, FirstSeen: m.now()}
		m.hosts[host] = s
	}
	return s
}

// RecordSuccess records a solved challenge for host.
func (m *Monitor) RecordSuccess(host, userAgent string, cookies map[string]string, elapsed time.Duration, challengeType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(host)
	s.SuccessCount++
	s.ConsecutiveFailures = 0
	s.LastUserAgent = userAgent
	s.LastCookies = maps.Clone(cookies)
	s.LastChallengeType = challengeType
	s.LastSuccessAt = m.now()

	s.Durations = append(s.Durations, elapsed)
	if len(s.Durations) > MaxDurationSamples {
		s.Durations = append(s.Durations[:0:0], s.Durations[len(s.Durations)-MaxDurationSamples:]...)
	}
	s.AverageDuration = average(s.Durations)
}

// RecordFailure records a failed solve attempt for host.
func (m *Monitor) RecordFailure(host string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getOrCreate(host)
	s.FailureCount++
	s.ConsecutiveFailures++
	s.LastFailureAt = m.now()
}

// OptimalStrategy derives a strategy from host history. Unknown hosts get DEFAULT.
func (m *Monitor) OptimalStrategy(host string) strategy.Strategy {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hosts[host]
	switch {
	case !ok:
		return strategy.Default
	case s.ConsecutiveFailures >= aggressiveAfterFailures:
		return strategy.Aggressive
	case s.SuccessCount > fastAfterSuccesses && s.AverageDuration < fastMaxAverage:
		return strategy.Fast
	default:
		return strategy.Default
	}
}

// SuggestedWaitTime returns how long to wait before the next solve attempt for host:
// nothing after a success, 1s after one failure, then 2s per failure capped at 10s.
func (m *Monitor) SuggestedWaitTime(host string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hosts[host]
	if !ok {
		return 0
	}
	switch n := s.ConsecutiveFailures; {
	case n == 0:
		return 0
	case n == 1:
		return firstWait
	default:
		return min(time.Duration(n)*waitStep, maxWait)
	}
}

// PreviousSuccess returns the last successful identity for host, if both the
// user agent and cookies are known.
func (m *Monitor) PreviousSuccess(host string) (PreviousSuccess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hosts[host]
	if !ok || s.LastUserAgent == "" || s.LastCookies == nil {
		return PreviousSuccess{}, false
	}
	return PreviousSuccess{
		UserAgent: s.LastUserAgent,
		Cookies:   maps.Clone(s.LastCookies),
	}, true
}

// Stats returns a copy of the stats for host.
func (m *Monitor) Stats(host string) (HostStats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.hosts[host]
	if !ok {
		return HostStats{}, false
	}
	return s.clone(), true
}

// Snapshot returns copies of all host stats sorted by hostname.
func (m *Monitor) Snapshot() []HostStats {
	m.mu.Lock()
	out := make([]HostStats, 0, len(m.hosts))
	for _, s := range m.hosts {
		out = append(out, s.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Restore loads previously persisted stats, replacing any existing entry per host.
// Duration rings longer than MaxDurationSamples are truncated to the newest samples.
func (m *Monitor) Restore(stats []HostStats) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range stats {
		s := stats[i].clone()
		if s.Host == "" {
			continue
		}
		if len(s.Durations) > MaxDurationSamples {
			s.Durations = s.Durations[len(s.Durations)-MaxDurationSamples:]
		}
		s.AverageDuration = average(s.Durations)
		m.hosts[s.Host] = &s
	}
}

// Clear removes all host state.
func (m *Monitor) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hosts = make(map[string]*HostStats)
}

// Len returns the number of tracked hosts.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hosts)
}

func average(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range ds {
		total += d
	}
	return total / time.Duration(len(ds))
}

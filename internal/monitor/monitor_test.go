package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/strategy"
)

func TestMonitor_OptimalStrategy(t *testing.T) {
	tests := []struct {
		name      string
		successes []time.Duration
		failures  int
		want      strategy.Strategy
	}{
		{
			name: "fresh host",
			want: strategy.Default,
		},
		{
			name:     "three consecutive failures",
			failures: 3,
			want:     strategy.Aggressive,
		},
		{
			name:      "aggressive regardless of success count",
			successes: repeat(8, time.Second),
			failures:  4,
			want:      strategy.Aggressive,
		},
		{
			name:      "six fast successes",
			successes: repeat(6, 2*time.Second),
			want:      strategy.Fast,
		},
		{
			name:      "five successes is not enough",
			successes: repeat(5, 2*time.Second),
			want:      strategy.Default,
		},
		{
			name:      "slow successes",
			successes: repeat(6, 12*time.Second),
			want:      strategy.Default,
		},
		{
			name:      "two failures after fast successes",
			successes: repeat(6, time.Second),
			failures:  2,
			want:      strategy.Fast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			for _, d := range tt.successes {
				m.RecordSuccess("example.com", "ua", map[string]string{"cf_clearance": "x"}, d, "cloudflare")
			}
			for i := 0; i < tt.failures; i++ {
				m.RecordFailure("example.com")
			}

			if got := m.OptimalStrategy("example.com"); got != tt.want {
				t.Errorf("OptimalStrategy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitor_SuggestedWaitTime(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{5, 10 * time.Second},
		{9, 10 * time.Second},
	}

	for _, tt := range tests {
		m := New()
		m.RecordSuccess("example.com", "ua", nil, time.Second, "cloudflare")
		for i := 0; i < tt.failures; i++ {
			m.RecordFailure("example.com")
		}
		if got := m.SuggestedWaitTime("example.com"); got != tt.want {
			t.Errorf("SuggestedWaitTime() after %d failures = %v, want %v", tt.failures, got, tt.want)
		}
	}

	if got := New().SuggestedWaitTime("unknown.com"); got != 0 {
		t.Errorf("SuggestedWaitTime() for unknown host = %v, want 0", got)
	}
}

func TestMonitor_DurationRingBounded(t *testing.T) {
	m := New()
	for i := 1; i <= 15; i++ {
		m.RecordSuccess("example.com", "ua", nil, time.Duration(i)*time.Second, "cloudflare")
	}

	stats, ok := m.Stats("example.com")
	if !ok {
		t.Fatal("expected stats for example.com")
	}
	if len(stats.Durations) != MaxDurationSamples {
		t.Fatalf("len(Durations) = %d, want %d", len(stats.Durations), MaxDurationSamples)
	}
	for i, d := range stats.Durations {
		want := time.Duration(i+6) * time.Second
		if d != want {
			t.Errorf("Durations[%d] = %v, want %v", i, d, want)
		}
	}
	// mean of 6..15 seconds
	if want := 10500 * time.Millisecond; stats.AverageDuration != want {
		t.Errorf("AverageDuration = %v, want %v", stats.AverageDuration, want)
	}
	if stats.SuccessCount != 15 {
		t.Errorf("SuccessCount = %d, want 15", stats.SuccessCount)
	}
}

func TestMonitor_SuccessResetsConsecutiveFailures(t *testing.T) {
	m := New()
	m.RecordFailure("example.com")
	m.RecordFailure("example.com")
	m.RecordSuccess("example.com", "ua", map[string]string{"cf_clearance": "abc"}, time.Second, "cloudflare_js")

	stats, _ := m.Stats("example.com")
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", stats.ConsecutiveFailures)
	}
	if stats.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", stats.FailureCount)
	}
	if stats.LastChallengeType != "cloudflare_js" {
		t.Errorf("LastChallengeType = %q, want %q", stats.LastChallengeType, "cloudflare_js")
	}
}

func TestMonitor_PreviousSuccess(t *testing.T) {
	m := New()

	if _, ok := m.PreviousSuccess("example.com"); ok {
		t.Error("PreviousSuccess() for unknown host returned ok")
	}

	m.RecordFailure("example.com")
	if _, ok := m.PreviousSuccess("example.com"); ok {
		t.Error("PreviousSuccess() with no success returned ok")
	}

	cookies := map[string]string{"cf_clearance": "abc"}
	m.RecordSuccess("example.com", "Mozilla/5.0", cookies, time.Second, "cloudflare")
	cookies["cf_clearance"] = "mutated"

	got, ok := m.PreviousSuccess("example.com")
	if !ok {
		t.Fatal("PreviousSuccess() returned !ok after success")
	}
	if got.UserAgent != "Mozilla/5.0" {
		t.Errorf("UserAgent = %q, want %q", got.UserAgent, "Mozilla/5.0")
	}
	if got.Cookies["cf_clearance"] != "abc" {
		t.Errorf("Cookies[cf_clearance] = %q, want %q", got.Cookies["cf_clearance"], "abc")
	}
}

func TestMonitor_Clear(t *testing.T) {
	m := New()
	m.RecordFailure("a.com")
	m.RecordFailure("b.com")
	m.Clear()

	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
	if got := m.OptimalStrategy("a.com"); got != strategy.Default {
		t.Errorf("OptimalStrategy() after Clear = %v, want DEFAULT", got)
	}
}

func TestMonitor_ConcurrentUpdates(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.RecordSuccess("example.com", "ua", nil, time.Millisecond, "cloudflare")
		}()
		go func() {
			defer wg.Done()
			m.RecordFailure("example.com")
		}()
	}
	wg.Wait()

	stats, _ := m.Stats("example.com")
	if stats.SuccessCount != 100 {
		t.Errorf("SuccessCount = %d, want 100", stats.SuccessCount)
	}
	if stats.FailureCount != 100 {
		t.Errorf("FailureCount = %d, want 100", stats.FailureCount)
	}
}

func TestMonitor_SnapshotRestore(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := New(WithClock(func() time.Time { return now }))
	src.RecordSuccess("b.com", "ua-b", map[string]string{"k": "v"}, 3*time.Second, "cloudflare")
	src.RecordFailure("a.com")

	snap := src.Snapshot()
	if len(snap) != 2 || snap[0].Host != "a.com" {
		t.Fatalf("Snapshot() = %+v, want sorted a.com, b.com", snap)
	}

	dst := New()
	dst.Restore(snap)

	got, ok := dst.Stats("b.com")
	if !ok {
		t.Fatal("expected restored stats for b.com")
	}
	if got.SuccessCount != 1 || got.AverageDuration != 3*time.Second {
		t.Errorf("restored = %+v, want 1 success averaging 3s", got)
	}
	if !got.FirstSeen.Equal(now) {
		t.Errorf("FirstSeen = %v, want %v", got.FirstSeen, now)
	}
}

func repeat(n int, d time.Duration) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

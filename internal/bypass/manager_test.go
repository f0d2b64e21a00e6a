package bypass

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/cache"
	"github.com/jmylchreest/refyne-bypass/internal/config"
	"github.com/jmylchreest/refyne-bypass/internal/fingerprint"
	"github.com/jmylchreest/refyne-bypass/internal/monitor"
	"github.com/jmylchreest/refyne-bypass/internal/proxypool"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
	"github.com/jmylchreest/refyne-bypass/internal/strategy"
)

// scriptedSolver returns outcomes in order and records every call.
type scriptedSolver struct {
	mu       sync.Mutex
	outcomes []outcome
	calls    []solver.Params
}

type outcome struct {
	result *solver.Result
	err    error
}

func (s *scriptedSolver) Name() string { return "scripted" }

func (s *scriptedSolver) Solve(ctx context.Context, params solver.Params) (*solver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, params)
	if len(s.outcomes) == 0 {
		return nil, solver.ErrChallengeNotResolved
	}
	o := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return o.result, o.err
}

func (s *scriptedSolver) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// recordingDoer answers 200 and keeps the requests it saw.
type recordingDoer struct {
	requests []*http.Request
	err      error
}

func (d *recordingDoer) Do(req *http.Request) (*http.Response, error) {
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	manager  *Manager
	solver   *scriptedSolver
	sleeper  *recordingSleeper
	clock    *fakeClock
	monitor  *monitor.Monitor
	cache    *cache.Cache
	pool     *proxypool.Pool
	settings *config.SettingsStore
}

func newFixture(t *testing.T, settings config.Settings, outcomes ...outcome) *fixture {
	t.Helper()

	store := config.NewSettingsStore(settings)
	if got := store.Get(); got != settings {
		t.Fatalf("invalid test settings %+v", settings)
	}

	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := &fixture{
		solver:   &scriptedSolver{outcomes: outcomes},
		sleeper:  &recordingSleeper{},
		clock:    clock,
		monitor:  monitor.New(monitor.WithClock(clock.Now)),
		cache:    cache.New(cache.WithClock(clock.Now), cache.WithTTL(store.CacheTTL)),
		pool:     proxypool.New(),
		settings: store,
	}
	f.manager = NewManager(Options{
		Monitor:   f.monitor,
		Cache:     f.cache,
		Pool:      f.pool,
		Generator: fingerprint.NewSeededGenerator(1),
		Solver:    f.solver,
		Settings:  store,
		Sleep:     f.sleeper.Sleep,
		Now:       clock.Now,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func settingsWith(fn func(*config.Settings)) config.Settings {
	s := config.DefaultSettings()
	s.Strategy = string(strategy.Default)
	fn(&s)
	return s
}

func clearance(value string) outcome {
	return outcome{result: &solver.Result{
		Cookies: []*http.Cookie{{Name: solver.ClearanceCookie, Value: value}},
	}}
}

func timeout() outcome {
	return outcome{err: solver.NewError(solver.KindTimeout, "solve timed out", context.DeadlineExceeded)}
}

func newRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	return req
}

func TestAttemptBypass_EndToEnd(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), timeout(), timeout(), clearance("abc"))
	doer := &recordingDoer{}
	req := newRequest(t, "https://example.com/page?id=1")

	resp, err := f.manager.AttemptBypass(context.Background(), doer, req)
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if f.solver.Calls() != 3 {
		t.Errorf("solver calls = %d, want 3", f.solver.Calls())
	}
	if len(doer.requests) != 1 {
		t.Fatalf("replayed requests = %d, want 1", len(doer.requests))
	}
	if got := doer.requests[0].Header.Get("Cookie"); got != "cf_clearance=abc" {
		t.Errorf("Cookie = %q, want %q", got, "cf_clearance=abc")
	}

	stats, ok := f.monitor.Stats("example.com")
	if !ok {
		t.Fatal("no stats recorded for example.com")
	}
	if stats.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", stats.SuccessCount)
	}
	if stats.FailureCount != 2 {
		t.Errorf("FailureCount = %d, want 2", stats.FailureCount)
	}
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", stats.ConsecutiveFailures)
	}
	if stats.LastChallengeType != DefaultChallengeType {
		t.Errorf("LastChallengeType = %q, want %q", stats.LastChallengeType, DefaultChallengeType)
	}

	entry, ok := f.cache.Get("https://example.com/page?id=1")
	if !ok {
		t.Fatal("cache has no entry for requested URL")
	}
	if entry.Cookies[0].Value != "abc" {
		t.Errorf("cached cookie = %q, want %q", entry.Cookies[0].Value, "abc")
	}
	if entry.UserAgent != doer.requests[0].Header.Get("User-Agent") {
		t.Errorf("cached UA = %q, replayed UA = %q", entry.UserAgent, doer.requests[0].Header.Get("User-Agent"))
	}
}

func TestAttemptBypass_Exhaustion(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), timeout(), timeout(), timeout())
	doer := &recordingDoer{}

	_, err := f.manager.AttemptBypass(context.Background(), doer, newRequest(t, "https://example.com/"))
	if !errors.Is(err, ErrBypassExhausted) {
		t.Fatalf("AttemptBypass() error = %v, want ErrBypassExhausted", err)
	}
	if !errors.Is(err, solver.ErrTimeout) {
		t.Errorf("AttemptBypass() error should wrap last cause, got %v", err)
	}
	var be *BypassError
	if !errors.As(err, &be) {
		t.Fatalf("error %T is not *BypassError", err)
	}
	if be.Attempts != 3 || be.Host != "example.com" {
		t.Errorf("BypassError = %+v, want 3 attempts for example.com", be)
	}
	if got := err.Error(); got != "could not bypass protection for example.com" {
		t.Errorf("Error() = %q", got)
	}

	stats, _ := f.monitor.Stats("example.com")
	if stats.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3", stats.FailureCount)
	}
	if stats.ConsecutiveFailures != 3 {
		t.Errorf("ConsecutiveFailures = %d, want 3", stats.ConsecutiveFailures)
	}
	if f.cache.Len() != 0 {
		t.Errorf("cache Len() = %d, want 0", f.cache.Len())
	}
	if len(doer.requests) != 0 {
		t.Errorf("replayed requests = %d, want 0", len(doer.requests))
	}
}

func TestAttemptBypass_EmptyResultsGiveGenericError(t *testing.T) {
	empty := outcome{result: &solver.Result{}}
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.MaxRetries = 2 }), empty, outcome{})

	_, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	if !errors.Is(err, ErrBypassExhausted) {
		t.Fatalf("AttemptBypass() error = %v, want ErrBypassExhausted", err)
	}
	var be *BypassError
	if errors.As(err, &be) && be.Cause() != nil {
		t.Errorf("Cause() = %v, want nil", be.Cause())
	}
	if !errors.Is(err, errBypassFailed) {
		t.Errorf("error should carry the generic failure, got %v", err)
	}
}

func TestAttemptBypass_EmptyChainResultsGiveGenericError(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.MaxRetries = 2 }))
	empty := solverFunc(func(context.Context, solver.Params) (*solver.Result, error) {
		return &solver.Result{}, nil
	})
	f.manager.solver = solver.NewChain(empty, empty)

	_, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	var be *BypassError
	if !errors.As(err, &be) {
		t.Fatalf("AttemptBypass() error = %v, want *BypassError", err)
	}
	if be.Cause() != nil {
		t.Errorf("Cause() = %v, want nil", be.Cause())
	}
	if solver.KindOf(err) != "" {
		t.Errorf("KindOf() = %q, want no solver kind", solver.KindOf(err))
	}
}

func TestAttemptBypass_Backoff(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.MaxRetries = 4 }))

	_, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	if !errors.Is(err, ErrBypassExhausted) {
		t.Fatalf("AttemptBypass() error = %v, want ErrBypassExhausted", err)
	}

	want := []time.Duration{time.Second, 4 * time.Second, 9 * time.Second}
	if len(f.sleeper.waits) != len(want) {
		t.Fatalf("sleeps = %v, want %v", f.sleeper.waits, want)
	}
	for i := range want {
		if f.sleeper.waits[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, f.sleeper.waits[i], want[i])
		}
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 4 * time.Second},
		{3, 9 * time.Second},
		{5, 25 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestAttemptBypass_CacheHitSkipsSolver(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}))
	f.cache.Put("https://example.com/a", cache.Entry{
		Cookies:   []*http.Cookie{{Name: solver.ClearanceCookie, Value: "cached"}},
		CreatedAt: f.clock.Now(),
		UserAgent: "cached-agent",
	})
	doer := &recordingDoer{}

	resp, err := f.manager.AttemptBypass(context.Background(), doer, newRequest(t, "https://example.com/a"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if f.solver.Calls() != 0 {
		t.Errorf("solver calls = %d, want 0", f.solver.Calls())
	}
	if got := doer.requests[0].Header.Get("User-Agent"); got != "cached-agent" {
		t.Errorf("User-Agent = %q, want %q", got, "cached-agent")
	}
	if got := doer.requests[0].Header.Get("Cookie"); got != "cf_clearance=cached" {
		t.Errorf("Cookie = %q, want %q", got, "cf_clearance=cached")
	}
	if f.monitor.Len() != 0 {
		t.Errorf("monitor tracked %d hosts on cache hit, want 0", f.monitor.Len())
	}
}

func TestAttemptBypass_CacheExpiry(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), clearance("fresh"))
	f.cache.Put("https://example.com/a", cache.Entry{
		Cookies:   []*http.Cookie{{Name: solver.ClearanceCookie, Value: "stale"}},
		CreatedAt: f.clock.Now(),
		UserAgent: "old",
	})
	f.clock.Advance(31 * time.Minute)
	doer := &recordingDoer{}

	resp, err := f.manager.AttemptBypass(context.Background(), doer, newRequest(t, "https://example.com/a"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if f.solver.Calls() != 1 {
		t.Errorf("solver calls = %d, want 1", f.solver.Calls())
	}
	entry, ok := f.cache.Get("https://example.com/a")
	if !ok || entry.Cookies[0].Value != "fresh" {
		t.Errorf("cache entry = %+v, %v, want fresh clearance", entry, ok)
	}
}

func TestAttemptBypass_CacheDisabled(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.CacheEnabled = false }), clearance("abc"))
	f.cache.Put("https://example.com/", cache.Entry{CreatedAt: f.clock.Now()})

	resp, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if f.solver.Calls() != 1 {
		t.Errorf("solver calls = %d, want 1", f.solver.Calls())
	}
	entry, _ := f.cache.Get("https://example.com/")
	if len(entry.Cookies) != 0 {
		t.Error("cache written while disabled")
	}
}

func TestAttemptBypass_StrategyProfile(t *testing.T) {
	tests := []struct {
		name         string
		strategy     string
		aggressive   bool
		wantTimeout  time.Duration
		wantEvasions bool
	}{
		{"fast", "FAST", false, 15 * time.Second, false},
		{"default", "DEFAULT", false, 30 * time.Second, false},
		{"aggressive", "AGGRESSIVE", false, 45 * time.Second, true},
		{"evasion toggle", "DEFAULT", true, 30 * time.Second, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, settingsWith(func(s *config.Settings) {
				s.Strategy = tt.strategy
				s.AggressiveEvasions = tt.aggressive
			}), clearance("abc"))

			resp, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
			if err != nil {
				t.Fatalf("AttemptBypass() error = %v", err)
			}
			resp.Body.Close()

			p := f.solver.calls[0]
			if p.Timeout != tt.wantTimeout {
				t.Errorf("Timeout = %v, want %v", p.Timeout, tt.wantTimeout)
			}
			if p.Evasions != tt.wantEvasions {
				t.Errorf("Evasions = %v, want %v", p.Evasions, tt.wantEvasions)
			}
			if tt.wantEvasions && len(p.Scripts) == 0 {
				t.Error("evasion scripts not forwarded")
			}
		})
	}
}

func TestAttemptBypass_AdaptiveUsesMonitor(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.Strategy = "adaptive" }), clearance("abc"))
	for range 3 {
		f.monitor.RecordFailure("example.com")
	}

	resp, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if got := f.solver.calls[0].Timeout; got != strategy.Aggressive.Timeout() {
		t.Errorf("Timeout = %v, want %v", got, strategy.Aggressive.Timeout())
	}
	if len(f.sleeper.waits) != 1 || f.sleeper.waits[0] != 6*time.Second {
		t.Errorf("sleeps = %v, want [6s]", f.sleeper.waits)
	}
}

func TestAttemptBypass_FingerprintSelection(t *testing.T) {
	t.Run("fixed", func(t *testing.T) {
		f := newFixture(t, settingsWith(func(s *config.Settings) { s.RandomizeFingerprint = false }), clearance("abc"))
		resp, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
		if err != nil {
			t.Fatalf("AttemptBypass() error = %v", err)
		}
		resp.Body.Close()
		if got := f.solver.calls[0].UserAgent; got != fingerprint.DefaultUserAgent {
			t.Errorf("UserAgent = %q, want %q", got, fingerprint.DefaultUserAgent)
		}
	})

	t.Run("custom agent", func(t *testing.T) {
		f := newFixture(t, settingsWith(func(s *config.Settings) { s.CustomUserAgent = "my-agent/1.0" }), clearance("abc"))
		doer := &recordingDoer{}
		resp, err := f.manager.AttemptBypass(context.Background(), doer, newRequest(t, "https://example.com/"))
		if err != nil {
			t.Fatalf("AttemptBypass() error = %v", err)
		}
		resp.Body.Close()
		if got := f.solver.calls[0].UserAgent; got != "my-agent/1.0" {
			t.Errorf("UserAgent = %q, want %q", got, "my-agent/1.0")
		}
		if got := doer.requests[0].Header.Get("User-Agent"); got != "my-agent/1.0" {
			t.Errorf("replayed User-Agent = %q, want %q", got, "my-agent/1.0")
		}
	})
}

func TestAttemptBypass_ReplayMergesCookies(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), clearance("new"))
	req := newRequest(t, "https://example.com/")
	req.AddCookie(&http.Cookie{Name: "session", Value: "s1"})
	req.AddCookie(&http.Cookie{Name: solver.ClearanceCookie, Value: "old"})
	doer := &recordingDoer{}

	resp, err := f.manager.AttemptBypass(context.Background(), doer, req)
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if got := f.solver.calls[0].PreviousClearance; got != "old" {
		t.Errorf("PreviousClearance = %q, want %q", got, "old")
	}
	if got := doer.requests[0].Header.Get("Cookie"); got != "session=s1; cf_clearance=new" {
		t.Errorf("Cookie = %q, want %q", got, "session=s1; cf_clearance=new")
	}
	if got := req.Header.Get("Cookie"); got != "session=s1; cf_clearance=old" {
		t.Errorf("original request mutated: Cookie = %q", got)
	}
}

func TestAttemptBypass_ReplayTransportError(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), clearance("abc"))
	doer := &recordingDoer{err: errors.New("connection reset")}

	_, err := f.manager.AttemptBypass(context.Background(), doer, newRequest(t, "https://example.com/"))
	if !errors.Is(err, ErrTransport) {
		t.Errorf("AttemptBypass() error = %v, want ErrTransport", err)
	}
	if stats, _ := f.monitor.Stats("example.com"); stats.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", stats.SuccessCount)
	}
}

func TestAttemptBypass_Cancellation(t *testing.T) {
	t.Run("before first attempt", func(t *testing.T) {
		f := newFixture(t, settingsWith(func(s *config.Settings) {}), clearance("abc"))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.manager.AttemptBypass(ctx, &recordingDoer{}, newRequest(t, "https://example.com/"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AttemptBypass() error = %v, want context.Canceled", err)
		}
		if f.solver.Calls() != 0 {
			t.Errorf("solver calls = %d, want 0", f.solver.Calls())
		}
	})

	t.Run("during solve", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := newFixture(t, settingsWith(func(s *config.Settings) {}))
		f.manager.solver = solverFunc(func(context.Context, solver.Params) (*solver.Result, error) {
			cancel()
			return &solver.Result{Cookies: []*http.Cookie{{Name: solver.ClearanceCookie, Value: "late"}}}, nil
		})

		_, err := f.manager.AttemptBypass(ctx, &recordingDoer{}, newRequest(t, "https://example.com/"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AttemptBypass() error = %v, want context.Canceled", err)
		}
		if f.cache.Len() != 0 {
			t.Errorf("cache Len() = %d, want 0", f.cache.Len())
		}
		if _, ok := f.monitor.Stats("example.com"); ok {
			t.Error("monitor recorded state for a cancelled call")
		}
	})

	t.Run("during backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := newFixture(t, settingsWith(func(s *config.Settings) {}), timeout(), clearance("abc"))
		f.manager.sleep = func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}

		_, err := f.manager.AttemptBypass(ctx, &recordingDoer{}, newRequest(t, "https://example.com/"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("AttemptBypass() error = %v, want context.Canceled", err)
		}
		if f.solver.Calls() != 1 {
			t.Errorf("solver calls = %d, want 1", f.solver.Calls())
		}
	})
}

func TestAttemptBypass_ProxyRotation(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.ProxyEnabled = true }), timeout(), timeout(), timeout())
	seed := proxypool.Config{Type: proxypool.TypeSOCKS5, Host: "10.0.0.1", Port: 1080}
	f.pool.Add(seed.Type, seed.Host, seed.Port)

	_, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://example.com/"))
	if !errors.Is(err, ErrBypassExhausted) {
		t.Fatalf("AttemptBypass() error = %v, want ErrBypassExhausted", err)
	}
	for i, p := range f.solver.calls {
		if p.Proxy != "socks5://10.0.0.1:1080" {
			t.Errorf("call %d Proxy = %q, want socks5://10.0.0.1:1080", i, p.Proxy)
		}
	}
	if f.pool.Len() != 0 {
		t.Errorf("pool Len() = %d, want 0 after 3 failures", f.pool.Len())
	}
}

func TestAttemptBypass_ProxyReplay(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.ProxyEnabled = true }), clearance("abc"))
	f.pool.Add(proxypool.TypeHTTP, "10.0.0.2", 8080)

	proxied := &recordingDoer{}
	var used proxypool.Config
	f.manager.proxyDoer = func(c proxypool.Config) (Doer, error) {
		used = c
		return proxied, nil
	}
	direct := &recordingDoer{}

	resp, err := f.manager.AttemptBypass(context.Background(), direct, newRequest(t, "https://example.com/"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if used.Host != "10.0.0.2" {
		t.Errorf("proxy used = %+v, want 10.0.0.2", used)
	}
	if len(proxied.requests) != 1 || len(direct.requests) != 0 {
		t.Errorf("proxied = %d, direct = %d, want 1 and 0", len(proxied.requests), len(direct.requests))
	}
}

func TestAttemptBypass_CachedProxyReplay(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) { s.ProxyEnabled = true }), clearance("abc"))
	f.pool.Add(proxypool.TypeHTTP, "10.0.0.2", 8080)

	proxied := &recordingDoer{}
	var used []proxypool.Config
	f.manager.proxyDoer = func(c proxypool.Config) (Doer, error) {
		used = append(used, c)
		return proxied, nil
	}
	direct := &recordingDoer{}

	for range 2 {
		resp, err := f.manager.AttemptBypass(context.Background(), direct, newRequest(t, "https://example.com/"))
		if err != nil {
			t.Fatalf("AttemptBypass() error = %v", err)
		}
		resp.Body.Close()
	}

	if f.solver.Calls() != 1 {
		t.Errorf("solver calls = %d, want 1 (second request is a cache hit)", f.solver.Calls())
	}
	entry, ok := f.cache.Get("https://example.com/")
	if !ok || entry.Proxy == nil || entry.Proxy.Host != "10.0.0.2" {
		t.Fatalf("cache entry proxy = %+v, want 10.0.0.2", entry.Proxy)
	}
	if len(used) != 2 || used[1].Host != "10.0.0.2" {
		t.Errorf("proxy transports built = %+v, want two for 10.0.0.2", used)
	}
	if len(proxied.requests) != 2 || len(direct.requests) != 0 {
		t.Errorf("proxied = %d, direct = %d, want 2 and 0", len(proxied.requests), len(direct.requests))
	}
}

func TestAttemptBypass_MixedCaseHost(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}), clearance("abc"))

	resp, err := f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://Example.COM/x"))
	if err != nil {
		t.Fatalf("AttemptBypass() error = %v", err)
	}
	resp.Body.Close()

	if _, ok := f.monitor.Stats("example.com"); !ok {
		t.Error("no stats under example.com")
	}
	if _, ok := f.monitor.Stats("Example.COM"); ok {
		t.Error("stats recorded under Example.COM, want lowercase host only")
	}
	if _, ok := f.cache.Get("https://example.com/x"); !ok {
		t.Error("cache has no entry under the lowercase URL")
	}

	// a later request for the same host in another case hits the cache
	resp, err = f.manager.AttemptBypass(context.Background(), &recordingDoer{}, newRequest(t, "https://EXAMPLE.com/x"))
	if err != nil {
		t.Fatalf("second AttemptBypass() error = %v", err)
	}
	resp.Body.Close()
	if f.solver.Calls() != 1 {
		t.Errorf("solver calls = %d, want 1", f.solver.Calls())
	}
}

func TestAttemptBypass_ChallengeTypeFallback(t *testing.T) {
	typed := outcome{result: &solver.Result{
		Cookies:       []*http.Cookie{{Name: solver.ClearanceCookie, Value: "abc"}},
		ChallengeType: "cloudflare_turnstile",
	}}
	tests := []struct {
		name    string
		outcome outcome
		ctxType string
		want    string
	}{
		{"solver type wins", typed, "cloudflare_js", "cloudflare_turnstile"},
		{"classified type used", clearance("abc"), "cloudflare_js", "cloudflare_js"},
		{"generic default", clearance("abc"), "", DefaultChallengeType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, settingsWith(func(s *config.Settings) {}), tt.outcome)
			ctx := context.Background()
			if tt.ctxType != "" {
				ctx = WithChallengeType(ctx, tt.ctxType)
			}

			resp, err := f.manager.AttemptBypass(ctx, &recordingDoer{}, newRequest(t, "https://example.com/"))
			if err != nil {
				t.Fatalf("AttemptBypass() error = %v", err)
			}
			resp.Body.Close()

			stats, _ := f.monitor.Stats("example.com")
			if stats.LastChallengeType != tt.want {
				t.Errorf("LastChallengeType = %q, want %q", stats.LastChallengeType, tt.want)
			}
		})
	}
}

func TestManager_Clear(t *testing.T) {
	f := newFixture(t, settingsWith(func(s *config.Settings) {}))
	f.cache.Put("k", cache.Entry{CreatedAt: f.clock.Now()})
	f.monitor.RecordFailure("example.com")

	f.manager.Clear()

	if f.cache.Len() != 0 || f.monitor.Len() != 0 {
		t.Errorf("after Clear: cache = %d, monitor = %d, want 0 and 0", f.cache.Len(), f.monitor.Len())
	}
}

type solverFunc func(context.Context, solver.Params) (*solver.Result, error)

func (f solverFunc) Name() string { return "func" }

func (f solverFunc) Solve(ctx context.Context, p solver.Params) (*solver.Result, error) {
	return f(ctx, p)
}

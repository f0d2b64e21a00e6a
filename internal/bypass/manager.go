// Package bypass orchestrates challenge bypass attempts for blocked requests.
package bypass

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/cache"
	"github.com/jmylchreest/refyne-bypass/internal/config"
	"github.com/jmylchreest/refyne-bypass/internal/fingerprint"
	"github.com/jmylchreest/refyne-bypass/internal/monitor"
	"github.com/jmylchreest/refyne-bypass/internal/proxypool"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
)

// DefaultChallengeType is recorded when the solver does not classify the challenge.
const DefaultChallengeType = "cloudflare"

// Doer executes an HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// DoerFunc adapts a function to Doer.
type DoerFunc func(req *http.Request) (*http.Response, error)

// Do calls f(req).
func (f DoerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

type challengeTypeKey struct{}

// WithChallengeType returns a copy of ctx carrying the caller's classification
// of the challenge page. AttemptBypass records it when the solver reports none.
func WithChallengeType(ctx context.Context, challengeType string) context.Context {
	return context.WithValue(ctx, challengeTypeKey{}, challengeType)
}

// ChallengeTypeFrom returns the classification stored by WithChallengeType.
func ChallengeTypeFrom(ctx context.Context) string {
	t, _ := ctx.Value(challengeTypeKey{}).(string)
	return t
}

// Options holds the Manager's collaborators.
type Options struct {
	Monitor   *monitor.Monitor
	Cache     *cache.Cache
	Pool      *proxypool.Pool
	Generator *fingerprint.Generator
	Solver    solver.Solver
	Settings  *config.SettingsStore

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Now defaults to time.Now.
	Now func() time.Time
	// ProxyDoer builds a Doer that egresses through a proxy, used to replay
	// requests solved through that proxy. When nil, replays use the caller's Doer.
	ProxyDoer func(proxypool.Config) (Doer, error)

	Logger *slog.Logger
}

// Manager decides how to retry challenged requests and records the outcomes.
type Manager struct {
	monitor   *monitor.Monitor
	cache     *cache.Cache
	pool      *proxypool.Pool
	generator *fingerprint.Generator
	solver    solver.Solver
	settings  *config.SettingsStore
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
	proxyDoer func(proxypool.Config) (Doer, error)
	logger    *slog.Logger
}

// NewManager creates a Manager. Missing stores are created empty.
func NewManager(opts Options) *Manager {
	m := &Manager{
		monitor:   opts.Monitor,
		cache:     opts.Cache,
		pool:      opts.Pool,
		generator: opts.Generator,
		solver:    opts.Solver,
		settings:  opts.Settings,
		sleep:     opts.Sleep,
		now:       opts.Now,
		proxyDoer: opts.ProxyDoer,
		logger:    opts.Logger,
	}
	if m.monitor == nil {
		m.monitor = monitor.New()
	}
	if m.settings == nil {
		m.settings = config.NewSettingsStore(config.DefaultSettings())
	}
	if m.cache == nil {
		m.cache = cache.New(cache.WithTTL(m.settings.CacheTTL))
	}
	if m.pool == nil {
		m.pool = proxypool.New()
	}
	if m.generator == nil {
		m.generator = fingerprint.NewGenerator(nil)
	}
	if m.solver == nil {
		m.solver = solver.NewChain()
	}
	if m.sleep == nil {
		m.sleep = sleepContext
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Monitor returns the host monitor.
func (m *Manager) Monitor() *monitor.Monitor { return m.monitor }

// Cache returns the bypass cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Pool returns the proxy pool.
func (m *Manager) Pool() *proxypool.Pool { return m.pool }

// Settings returns the settings store.
func (m *Manager) Settings() *config.SettingsStore { return m.settings }

// Clear empties the cache and resets all host statistics.
func (m *Manager) Clear() {
	m.cache.Clear()
	m.monitor.Clear()
}

// Backoff returns the wait after failed attempt n (1-based): 1s × n².
func Backoff(attempt int) time.Duration {
	return time.Duration(attempt*attempt) * time.Second
}

// AttemptBypass retries req through the solver after its response was classified as
// challenged. The returned response is req replayed through doer with the solved
// cookies and user agent attached.
func (m *Manager) AttemptBypass(ctx context.Context, doer Doer, req *http.Request) (*http.Response, error) {
	settings := m.settings.Get()
	key := cache.Key(req.URL)
	host := strings.ToLower(req.URL.Hostname())
	logger := m.logger.With("host", host)

	if settings.CacheEnabled {
		if entry, ok := m.cache.Get(key); ok {
			logger.Debug("bypass cache hit", "url", key)
			return m.replay(ctx, m.egress(doer, entry.Proxy, logger), req, entry.UserAgent, entry.Cookies)
		}
	}

	var fp fingerprint.Fingerprint
	if settings.RandomizeFingerprint {
		fp = m.generator.Generate()
	} else {
		fp = m.generator.Default()
	}
	userAgent := fp.UserAgent()
	if settings.CustomUserAgent != "" {
		userAgent = settings.CustomUserAgent
	}

	maxRetries := min(max(settings.MaxRetries, config.MinRetries), config.MaxRetries)

	st := settings.StrategyOverride()
	if st.IsAdaptive() {
		st = m.monitor.OptimalStrategy(host)
		if wait := m.monitor.SuggestedWaitTime(host); wait > 0 {
			logger.Debug("waiting before bypass", "wait", wait)
			if err := m.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	evasions := st.ExtraEvasions() || settings.AggressiveEvasions
	var scripts []string
	if evasions {
		scripts = []string{m.generator.RendererEvasionScript()}
	}

	var previousClearance string
	if c, err := req.Cookie(solver.ClearanceCookie); err == nil {
		previousClearance = c.Value
	}

	headers := req.Header.Clone()
	for k, vs := range fp.Headers() {
		if headers.Get(k) == "" {
			headers[k] = vs
		}
	}
	headers.Set("User-Agent", userAgent)

	logger.Info("attempting bypass", "strategy", st, "max_retries", maxRetries, "evasions", evasions)

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var px proxypool.Config
		var usedProxy bool
		if settings.ProxyEnabled {
			px, usedProxy = m.pool.Next()
		}

		params := solver.Params{
			URL:               req.URL.String(),
			Headers:           headers,
			UserAgent:         userAgent,
			Timeout:           st.Timeout(),
			Evasions:          evasions,
			Scripts:           scripts,
			PreviousClearance: previousClearance,
		}
		if usedProxy {
			params.Proxy = px.URL()
		}

		start := m.now()
		attemptCtx, cancel := context.WithTimeout(ctx, st.Timeout())
		result, err := m.solver.Solve(attemptCtx, params)
		cancel()

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		if err == nil && result != nil && len(result.Cookies) > 0 {
			elapsed := result.Duration
			if elapsed <= 0 {
				elapsed = m.now().Sub(start)
			}
			if result.UserAgent != "" {
				userAgent = result.UserAgent
			}
			challengeType := result.ChallengeType
			if challengeType == "" {
				challengeType = ChallengeTypeFrom(ctx)
			}
			if challengeType == "" {
				challengeType = DefaultChallengeType
			}

			var egress *proxypool.Config
			if usedProxy {
				egress = &px
			}
			if settings.CacheEnabled {
				m.cache.Put(key, cache.Entry{
					Cookies:   result.Cookies,
					CreatedAt: m.cache.Now(),
					UserAgent: userAgent,
					Proxy:     egress,
				})
			}
			m.monitor.RecordSuccess(host, userAgent, cookieValues(result.Cookies), elapsed, challengeType)
			logger.Info("bypass succeeded", "attempt", attempt, "duration", elapsed, "solver", result.SolverName)

			return m.replay(ctx, m.egress(doer, egress, logger), req, userAgent, result.Cookies)
		}

		if err != nil {
			lastErr = err
			if solver.KindOf(err) == "" {
				lastErr = solver.FromContext(err, fmt.Sprintf("solve exceeded %s", st.Timeout()))
			}
		}
		m.monitor.RecordFailure(host)
		if usedProxy {
			m.pool.MarkFailed(px)
		}
		logger.Warn("bypass attempt failed", "attempt", attempt, "error", err)

		if attempt < maxRetries {
			if err := m.sleep(ctx, Backoff(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, &BypassError{Host: host, Attempts: maxRetries, Err: lastErr}
}

// egress returns the Doer that sends replays through px, or doer for a direct
// clearance or when no proxy transport can be built.
func (m *Manager) egress(doer Doer, px *proxypool.Config, logger *slog.Logger) Doer {
	if px == nil || m.proxyDoer == nil {
		return doer
	}
	d, err := m.proxyDoer(*px)
	if err != nil {
		logger.Warn("proxy transport unavailable, replaying directly", "proxy", px.String(), "error", err)
		return doer
	}
	return d
}

// replay executes a copy of req carrying userAgent and cookies, replacing any
// existing cookies with the same names.
func (m *Manager) replay(ctx context.Context, doer Doer, req *http.Request, userAgent string, cookies []*http.Cookie) (*http.Response, error) {
	out := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: rewinding body: %w", ErrTransport, err)
		}
		out.Body = body
	}

	solved := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		solved[c.Name] = true
	}
	existing := req.Cookies()
	out.Header.Del("Cookie")
	for _, c := range existing {
		if !solved[c.Name] {
			out.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	for _, c := range cookies {
		out.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	if userAgent != "" {
		out.Header.Set("User-Agent", userAgent)
	}

	resp, err := doer.Do(out)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return resp, nil
}

func cookieValues(cookies []*http.Cookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

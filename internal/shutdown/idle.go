// Package shutdown provides idle detection for scale-to-zero deployments.
package shutdown

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckInterval is how often the monitor evaluates idleness.
const DefaultCheckInterval = 10 * time.Second

// IdleMonitor tracks server activity and signals shutdown when idle.
// Use ShutdownChan() to receive the shutdown signal.
type IdleMonitor struct {
	idleTimeout     time.Duration
	checkInterval   time.Duration
	lastRequest     atomic.Int64 // unix nanos
	activeRequests  atomic.Int64
	logger          *slog.Logger
	stopCh          chan struct{}
	stopOnce        sync.Once
	shutdownCh      chan struct{}
	shutdownOnce    sync.Once
	wg              sync.WaitGroup
	isHealthCheckFn func(*http.Request) bool
	busy            func() bool
	now             func() time.Time
}

// IdleMonitorConfig configures the idle monitor.
type IdleMonitorConfig struct {
	// Timeout is the duration of inactivity before triggering shutdown.
	// Zero or negative disables monitoring.
	Timeout time.Duration

	// CheckInterval defaults to DefaultCheckInterval.
	CheckInterval time.Duration

	Logger *slog.Logger

	// IsHealthCheck identifies requests that do not count as activity.
	// Defaults to DefaultIsHealthCheck.
	IsHealthCheck func(*http.Request) bool

	// Busy reports work outside HTTP requests, such as browsers still solving.
	Busy func() bool

	// Now defaults to time.Now.
	Now func() time.Time
}

// NewIdleMonitor creates a new idle monitor.
func NewIdleMonitor(cfg IdleMonitorConfig) *IdleMonitor {
	m := &IdleMonitor{
		idleTimeout:     cfg.Timeout,
		checkInterval:   cfg.CheckInterval,
		logger:          cfg.Logger,
		stopCh:          make(chan struct{}),
		shutdownCh:      make(chan struct{}),
		isHealthCheckFn: cfg.IsHealthCheck,
		busy:            cfg.Busy,
		now:             cfg.Now,
	}
	if m.checkInterval <= 0 {
		m.checkInterval = DefaultCheckInterval
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.isHealthCheckFn == nil {
		m.isHealthCheckFn = DefaultIsHealthCheck
	}
	if m.busy == nil {
		m.busy = func() bool { return false }
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.touch()
	return m
}

// Start begins monitoring. It is a no-op when the monitor is disabled.
func (m *IdleMonitor) Start() {
	if !m.IsEnabled() {
		m.logger.Info("idle monitoring disabled (set IDLE_TIMEOUT to enable)")
		return
	}

	m.logger.Info("idle monitoring started", "timeout", m.idleTimeout)

	m.wg.Add(1)
	go m.run()
}

// IsEnabled returns true if idle monitoring is enabled (timeout > 0).
func (m *IdleMonitor) IsEnabled() bool {
	return m.idleTimeout > 0
}

// Stop stops the idle monitor. It is safe to call more than once.
func (m *IdleMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *IdleMonitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.check() {
				return
			}
		}
	}
}

// check signals shutdown and returns true once the server has been idle past
// the timeout with nothing in flight.
func (m *IdleMonitor) check() bool {
	idleTime := m.IdleTime()
	active := m.activeRequests.Load()

	if idleTime > m.idleTimeout && active == 0 && !m.busy() {
		m.logger.Info("idle timeout reached, signaling graceful shutdown",
			"idle_time", idleTime.Round(time.Second),
			"timeout", m.idleTimeout,
		)
		m.shutdownOnce.Do(func() { close(m.shutdownCh) })
		return true
	}

	if idleTime > m.idleTimeout/2 {
		m.logger.Debug("idle check",
			"idle_time", idleTime.Round(time.Second),
			"active_requests", active,
			"timeout", m.idleTimeout,
		)
	}
	return false
}

func (m *IdleMonitor) touch() {
	m.lastRequest.Store(m.now().UnixNano())
}

// TrackRequest marks that a request has started.
// Returns a function to call when the request completes.
func (m *IdleMonitor) TrackRequest(r *http.Request) func() {
	if m.isHealthCheckFn(r) {
		return func() {}
	}

	m.activeRequests.Add(1)
	m.touch()

	return func() {
		m.activeRequests.Add(-1)
		m.touch()
	}
}

// Middleware returns HTTP middleware that tracks requests.
func (m *IdleMonitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := m.TrackRequest(r)
		defer done()
		next.ServeHTTP(w, r)
	})
}

// ShutdownChan returns a channel that is closed when idle shutdown is triggered.
func (m *IdleMonitor) ShutdownChan() <-chan struct{} {
	return m.shutdownCh
}

// ActiveRequests returns the current number of active requests.
func (m *IdleMonitor) ActiveRequests() int64 {
	return m.activeRequests.Load()
}

// LastRequestTime returns the time of the last non-health-check request.
func (m *IdleMonitor) LastRequestTime() time.Time {
	return time.Unix(0, m.lastRequest.Load())
}

// IdleTime returns how long the server has been idle.
func (m *IdleMonitor) IdleTime() time.Duration {
	return m.now().Sub(m.LastRequestTime())
}

// DefaultIsHealthCheck returns true for platform health checks.
func DefaultIsHealthCheck(r *http.Request) bool {
	ua := r.Header.Get("User-Agent")
	if strings.Contains(ua, "HealthCheck") {
		return true
	}
	switch r.URL.Path {
	case "/health", "/healthz", "/livez", "/readyz":
		return true
	}
	return false
}

// Package browser runs challenge solves in headless Chromium via go-rod.
package browser

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/refyne-bypass/internal/config"
)

var (
	// ErrPoolClosed is returned when trying to use a closed pool.
	ErrPoolClosed = errors.New("browser pool is closed")
)

// ManagedBrowser wraps a rod.Browser with management metadata.
type ManagedBrowser struct {
	ID           string
	Browser      *rod.Browser
	InUse        bool
	CreatedAt    time.Time
	LastUsedAt   time.Time
	RequestCount int
	Proxy        string
}

// PoolConfig bounds the pool and configures launches.
type PoolConfig struct {
	Size        int
	MaxAge      time.Duration
	MaxRequests int
	IdleTimeout time.Duration
	ChromePath  string
	Headless    bool
}

// PoolConfigFrom extracts the browser settings from the process config.
func PoolConfigFrom(cfg *config.Config) PoolConfig {
	return PoolConfig{
		Size:        cfg.BrowserPoolSize,
		MaxAge:      cfg.BrowserMaxAge,
		MaxRequests: cfg.BrowserMaxRequests,
		IdleTimeout: cfg.BrowserIdleTimeout,
		ChromePath:  cfg.ChromePath,
		Headless:    cfg.Headless,
	}
}

// LaunchFunc starts a browser, optionally egressing through proxy.
type LaunchFunc func(ctx context.Context, cfg PoolConfig, proxy string) (*rod.Browser, error)

// Pool manages a bounded set of reusable browsers. Proxied browsers are launched
// outside the pool and closed after one use.
type Pool struct {
	mu       sync.Mutex
	browsers map[string]*ManagedBrowser
	waiting  []chan *ManagedBrowser
	cfg      PoolConfig
	logger   *slog.Logger
	closed   bool

	launch LaunchFunc
	ping   func(*ManagedBrowser) bool
	now    func() time.Time
}

// NewPool creates a new browser pool.
func NewPool(cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		browsers: make(map[string]*ManagedBrowser),
		cfg:      cfg,
		logger:   logger,
		launch:   launchChromium,
		ping:     pingBrowser,
		now:      time.Now,
	}
}

// Warmup ensures Chromium is available so the first solve does not pay for the download.
func (p *Pool) Warmup(ctx context.Context) error {
	if p.cfg.ChromePath != "" {
		p.logger.Info("using custom Chrome path", "path", p.cfg.ChromePath)
		return nil
	}
	p.logger.Info("ensuring Chromium is available...")
	path, err := launcher.NewBrowser().Get()
	if err != nil {
		return err
	}
	p.logger.Info("Chromium ready", "path", path)
	return nil
}

// Acquire gets a browser from the pool, launching one if there is capacity.
// Blocks while the pool is full.
func (p *Pool) Acquire(ctx context.Context) (*ManagedBrowser, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	for id, b := range p.browsers {
		if b.InUse {
			continue
		}
		if !p.isHealthy(b) {
			p.closeBrowser(b)
			delete(p.browsers, id)
			continue
		}
		b.InUse = true
		b.LastUsedAt = p.now()
		p.mu.Unlock()
		return b, nil
	}

	if len(p.browsers) < p.cfg.Size {
		b, err := p.create(ctx, "")
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		p.browsers[b.ID] = b
		p.mu.Unlock()
		return b, nil
	}

	waitChan := make(chan *ManagedBrowser, 1)
	p.waiting = append(p.waiting, waitChan)
	p.mu.Unlock()

	select {
	case b, ok := <-waitChan:
		if !ok {
			return nil, ErrPoolClosed
		}
		return b, nil
	case <-ctx.Done():
		p.mu.Lock()
		queued := false
		for i, ch := range p.waiting {
			if ch == waitChan {
				p.waiting = append(p.waiting[:i], p.waiting[i+1:]...)
				queued = true
				break
			}
		}
		p.mu.Unlock()
		// Once dequeued, a browser or a close is already on its way.
		if !queued {
			if b, ok := <-waitChan; ok && b != nil {
				p.Release(b)
			}
		}
		return nil, ctx.Err()
	}
}

// AcquireWithProxy launches a dedicated browser that egresses through proxy.
// It must be returned with Release, which closes it.
func (p *Pool) AcquireWithProxy(ctx context.Context, proxy string) (*ManagedBrowser, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}
	return p.create(ctx, proxy)
}

// Release returns a browser to the pool.
func (p *Pool) Release(b *ManagedBrowser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b.Proxy != "" {
		p.closeBrowser(b)
		return
	}
	if p.closed {
		p.closeBrowser(b)
		return
	}

	b.InUse = false
	b.RequestCount++
	b.LastUsedAt = p.now()

	if p.needsRecycle(b) {
		p.logger.Info("recycling browser", "id", b.ID, "age", p.now().Sub(b.CreatedAt), "requests", b.RequestCount)
		p.closeBrowser(b)
		delete(p.browsers, b.ID)
		// The freed slot goes to the next waiter, who launches a fresh browser.
		if len(p.waiting) > 0 {
			waitChan := p.waiting[0]
			p.waiting = p.waiting[1:]
			go p.handOff(waitChan)
		}
		return
	}

	if len(p.waiting) > 0 {
		waitChan := p.waiting[0]
		p.waiting = p.waiting[1:]
		b.InUse = true
		waitChan <- b
	}
}

func (p *Pool) handOff(waitChan chan *ManagedBrowser) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(waitChan)
		return
	}
	b, err := p.create(ctx, "")
	if err != nil {
		p.logger.Error("failed to create replacement browser", "error", err)
		close(waitChan)
		return
	}
	p.browsers[b.ID] = b
	waitChan <- b
}

// Close shuts down all browsers and closes the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for _, b := range p.browsers {
		p.closeBrowser(b)
	}
	p.browsers = make(map[string]*ManagedBrowser)

	for _, ch := range p.waiting {
		close(ch)
	}
	p.waiting = nil
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Total     int `json:"total"`
	InUse     int `json:"inUse"`
	Available int `json:"available"`
	MaxSize   int `json:"maxSize"`
	Waiting   int `json:"waiting"`
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := PoolStats{
		Total:   len(p.browsers),
		MaxSize: p.cfg.Size,
		Waiting: len(p.waiting),
	}
	for _, b := range p.browsers {
		if b.InUse {
			stats.InUse++
		} else {
			stats.Available++
		}
	}
	return stats
}

// create must be called with mu held unless proxy is set.
func (p *Pool) create(ctx context.Context, proxy string) (*ManagedBrowser, error) {
	br, err := p.launch(ctx, p.cfg, proxy)
	if err != nil {
		return nil, err
	}
	id := ulid.Make().String()
	p.logger.Info("browser created", "id", id, "proxied", proxy != "")

	now := p.now()
	return &ManagedBrowser{
		ID:         id,
		Browser:    br,
		InUse:      true,
		CreatedAt:  now,
		LastUsedAt: now,
		Proxy:      proxy,
	}, nil
}

func (p *Pool) isHealthy(b *ManagedBrowser) bool {
	if p.needsRecycle(b) {
		return false
	}
	if p.cfg.IdleTimeout > 0 && p.now().Sub(b.LastUsedAt) > p.cfg.IdleTimeout {
		return false
	}
	return p.ping(b)
}

func (p *Pool) needsRecycle(b *ManagedBrowser) bool {
	if p.cfg.MaxAge > 0 && p.now().Sub(b.CreatedAt) > p.cfg.MaxAge {
		return true
	}
	if p.cfg.MaxRequests > 0 && b.RequestCount >= p.cfg.MaxRequests {
		return true
	}
	return false
}

func (p *Pool) closeBrowser(b *ManagedBrowser) {
	if b.Browser != nil {
		if err := b.Browser.Close(); err != nil {
			p.logger.Warn("error closing browser", "id", b.ID, "error", err)
		}
	}
	p.logger.Info("browser closed", "id", b.ID)
}

// StartCleanup periodically closes browsers idle longer than IdleTimeout.
func (p *Pool) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.cfg.IdleTimeout <= 0 {
		return
	}
	for id, b := range p.browsers {
		if !b.InUse && p.now().Sub(b.LastUsedAt) > p.cfg.IdleTimeout {
			p.logger.Info("cleaning up idle browser", "id", id, "idle_time", p.now().Sub(b.LastUsedAt))
			p.closeBrowser(b)
			delete(p.browsers, id)
		}
	}
}

func launchChromium(ctx context.Context, cfg PoolConfig, proxy string) (*rod.Browser, error) {
	l := launcher.New().Context(ctx)
	if cfg.ChromePath != "" {
		l = l.Bin(cfg.ChromePath)
	}

	l = l.
		Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("no-sandbox").
		Set("disable-infobars").
		Set("disable-extensions").
		Set("disable-background-networking").
		Set("disable-renderer-backgrounding").
		Set("window-size", "1920,1080")
	if proxy != "" {
		l = l.Proxy(proxy)
	}

	u, err := l.Launch()
	if err != nil {
		return nil, err
	}

	br := rod.New().Context(ctx).ControlURL(u)
	if err := br.Connect(); err != nil {
		return nil, err
	}
	// Detach from the launch context so the browser outlives the request that created it.
	return br.Context(context.Background()), nil
}

func pingBrowser(b *ManagedBrowser) (ok bool) {
	if b.Browser == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	_, err := b.Browser.Pages()
	return err == nil
}

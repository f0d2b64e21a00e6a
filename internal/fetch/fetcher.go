// Package fetch retrieves pages through the challenge-aware transport.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/refyne-bypass/internal/fingerprint"
	"github.com/jmylchreest/refyne-bypass/internal/protection"
	"github.com/jmylchreest/refyne-bypass/internal/transport"
)

const defaultTimeout = 30 * time.Second

// Options tune a single fetch.
type Options struct {
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
	Cookies   []*http.Cookie
}

// Result is a fetched page.
type Result struct {
	ID          string
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Links       []string
	Bypassed    bool
	Challenge   protection.Detection
	FetchedAt   time.Time
	Duration    time.Duration
}

// Config holds configuration for creating a Fetcher.
type Config struct {
	// Transport is normally a *transport.Interceptor.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Fetcher is a colly-based page fetcher.
type Fetcher struct {
	transport http.RoundTripper
	detector  *protection.Detector
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		transport: cfg.Transport,
		detector:  protection.NewDetector(),
		logger:    cfg.Logger,
	}
}

// Fetch retrieves url. Non-2xx responses are returned as results, not errors.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*Result, error) {
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = fingerprint.DefaultUserAgent
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	c.WithTransport(f.transport)
	c.SetRequestTimeout(timeout)
	c.ParseHTTPErrorResponse = true

	if len(opts.Cookies) > 0 {
		if err := c.SetCookies(url, opts.Cookies); err != nil {
			f.logger.Warn("failed to set cookies", "error", err)
		}
	}

	result := &Result{ID: ulid.Make().String()}
	start := time.Now()

	c.OnRequest(func(r *colly.Request) {
		for k, v := range opts.Headers {
			r.Headers.Set(k, v)
		}
	})

	c.OnResponse(func(r *colly.Response) {
		result.URL = r.Request.URL.String()
		result.StatusCode = r.StatusCode
		result.Body = r.Body
		if r.Headers != nil {
			result.Headers = r.Headers.Clone()
			result.ContentType = r.Headers.Get("Content-Type")
			result.Bypassed = transport.Bypassed(*r.Headers)
			result.Headers.Del(transport.BypassedHeader)
		}
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if href == "" || href[0] == '#' {
			return
		}
		if abs := e.Request.AbsoluteURL(href); abs != "" {
			result.Links = append(result.Links, abs)
		}
	})

	if err := c.Visit(url); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}

	result.FetchedAt = time.Now()
	result.Duration = result.FetchedAt.Sub(start)
	result.Challenge = f.detector.Detect(result.StatusCode, result.Headers, result.Body)
	if result.Challenge.Challenged {
		f.logger.Info("challenge persisted after bypass",
			"url", url,
			"type", result.Challenge.Type,
			"confidence", result.Challenge.Confidence,
		)
	}
	return result, nil
}

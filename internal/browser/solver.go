package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-rod/rod/lib/proto"

	"github.com/jmylchreest/refyne-bypass/internal/challenge"
	"github.com/jmylchreest/refyne-bypass/internal/protection"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
)

// skipHeaders are request headers the renderer sets itself.
var skipHeaders = map[string]bool{
	"Cookie":            true,
	"Host":              true,
	"Content-Length":    true,
	"Connection":        true,
	"User-Agent":        true,
	"Accept-Encoding":   true,
	"Transfer-Encoding": true,
}

// RodSolver solves challenges by loading the page in a pooled headless browser
// and waiting for Cloudflare to issue a fresh clearance cookie.
type RodSolver struct {
	pool     *Pool
	detector *challenge.Detector
	logger   *slog.Logger
}

// NewRodSolver creates a solver backed by pool.
func NewRodSolver(pool *Pool, logger *slog.Logger) *RodSolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodSolver{
		pool:     pool,
		detector: challenge.NewDetector(),
		logger:   logger,
	}
}

// Name returns "rod".
func (s *RodSolver) Name() string {
	return "rod"
}

// Solve implements solver.Solver.
func (s *RodSolver) Solve(ctx context.Context, params solver.Params) (*solver.Result, error) {
	start := time.Now()
	if params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, params.Timeout)
		defer cancel()
	}

	var mb *ManagedBrowser
	var err error
	if params.Proxy != "" {
		mb, err = s.pool.AcquireWithProxy(ctx, params.Proxy)
	} else {
		mb, err = s.pool.Acquire(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, solver.FromContext(ctx.Err(), "waiting for browser")
		}
		return nil, solver.NewError(solver.KindRendererUnavailable, "acquiring browser", err)
	}
	defer s.pool.Release(mb)

	acceptLanguage := params.Headers.Get("Accept-Language")
	page, err := CreateStealthPage(mb.Browser, PageScripts(acceptLanguage, params.Evasions, params.Scripts)...)
	if err != nil {
		return nil, solver.NewError(solver.KindRendererUnavailable, "creating page", err)
	}
	defer page.Close()
	page = page.Context(ctx)

	if params.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      params.UserAgent,
			AcceptLanguage: acceptLanguage,
		}); err != nil {
			s.logger.Warn("failed to set user agent", "error", err)
		}
	}
	if extra := extraHeaders(params.Headers); len(extra) > 0 {
		if _, err := page.SetExtraHeaders(extra); err != nil {
			s.logger.Warn("failed to set extra headers", "error", err)
		}
	}

	if err := page.Navigate(params.URL); err != nil {
		return nil, s.mapError(ctx, params, "navigating", err)
	}
	if err := page.WaitLoad(); err != nil && ctx.Err() != nil {
		return nil, s.mapError(ctx, params, "waiting for load", err)
	}

	challengeType, err := s.detector.Detect(page)
	if err != nil {
		return nil, s.mapError(ctx, params, "inspecting page", err)
	}

	var cookies []*http.Cookie
	if challengeType == protection.TypeNone {
		// Nothing left to solve; succeed only if the load itself issued a new clearance.
		var ok bool
		cookies, ok, err = challenge.CheckClearance(page, params.URL, params.PreviousClearance)
		if err != nil {
			return nil, s.mapError(ctx, params, "reading cookies", err)
		}
		if !ok {
			return nil, solver.NewError(solver.KindChallengeNotResolved, "page loaded without a new clearance", nil)
		}
	} else {
		s.logger.Debug("waiting for challenge to resolve", "type", challengeType, "url", params.URL)
		cookies, err = s.detector.WaitForClearance(ctx, page, params.URL, params.PreviousClearance)
		if err != nil {
			return nil, s.mapError(ctx, params, "waiting for clearance", err)
		}
	}

	userAgent := params.UserAgent
	if res, err := page.Eval(`() => navigator.userAgent`); err == nil {
		if ua := res.Value.Str(); ua != "" {
			userAgent = ua
		}
	}

	return &solver.Result{
		Cookies:       cookies,
		UserAgent:     userAgent,
		Duration:      time.Since(start),
		ChallengeType: string(challengeType),
		SolverName:    s.Name(),
	}, nil
}

func (s *RodSolver) mapError(ctx context.Context, params solver.Params, op string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return solver.NewError(solver.KindTimeout, fmt.Sprintf("%s: no clearance after %s", op, params.Timeout), err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return solver.NewError(solver.KindChallengeNotResolved, op, err)
	}
}

// extraHeaders flattens h into rod's key/value list, skipping headers the
// renderer manages.
func extraHeaders(h http.Header) []string {
	var out []string
	for k, vs := range h {
		if skipHeaders[http.CanonicalHeaderKey(k)] || len(vs) == 0 {
			continue
		}
		out = append(out, k, vs[0])
	}
	return out
}

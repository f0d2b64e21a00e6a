// Package solver defines the challenge-solving capability consumed by the bypass manager.
package solver

import (
	"context"
	"net/http"
	"time"
)

// ClearanceCookie is the cookie Cloudflare issues once a challenge is passed.
const ClearanceCookie = "cf_clearance"

// Solver solves an interstitial challenge for a URL and yields the resulting cookies.
type Solver interface {
	// Name returns the solver's name (e.g., "rod", "flaresolverr").
	Name() string

	// Solve loads URL, waits for the challenge to clear and returns the cookies issued.
	// Implementations must honour ctx and Params.Timeout.
	Solve(ctx context.Context, params Params) (*Result, error)
}

// Params describes one solve attempt.
type Params struct {
	// URL is the challenged page.
	URL string

	// Headers are the original request headers to replay on navigation.
	Headers http.Header

	// UserAgent is the identity hint the solver should present.
	UserAgent string

	// Timeout bounds the whole attempt.
	Timeout time.Duration

	// Evasions enables the extra evasion scripts.
	Evasions bool

	// Scripts are additional opaque scripts to run before page scripts.
	Scripts []string

	// Proxy is an optional proxy URL such as socks5://127.0.0.1:9050.
	Proxy string

	// PreviousClearance is the cf_clearance value held before solving, if any.
	// A solve only succeeds when a different value is issued.
	PreviousClearance string
}

// Result is the outcome of a successful solve.
type Result struct {
	Cookies       []*http.Cookie
	UserAgent     string
	Duration      time.Duration
	ChallengeType string
	SolverName    string
}

// Clearance returns the cf_clearance cookie from r, if present.
func (r *Result) Clearance() (*http.Cookie, bool) {
	if r == nil {
		return nil, false
	}
	for _, c := range r.Cookies {
		if c.Name == ClearanceCookie {
			return c, true
		}
	}
	return nil, false
}

// Chain is a solver that tries multiple solvers in order.
type Chain struct {
	solvers []Solver
}

// NewChain creates a new solver chain.
func NewChain(solvers ...Solver) *Chain {
	return &Chain{solvers: solvers}
}

// Name returns "chain".
func (c *Chain) Name() string {
	return "chain"
}

// Solve tries each solver in order until one yields cookies. It stops early if ctx
// is done. When every solver came back empty without an error it returns (nil, nil);
// an empty chain returns ErrNoSolverAvailable.
func (c *Chain) Solve(ctx context.Context, params Params) (*Result, error) {
	if len(c.solvers) == 0 {
		return nil, ErrNoSolverAvailable
	}

	var lastErr error
	for _, s := range c.solvers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := s.Solve(ctx, params)
		if err != nil {
			lastErr = err
			continue
		}
		if result == nil || len(result.Cookies) == 0 {
			continue
		}
		if result.SolverName == "" {
			result.SolverName = s.Name()
		}
		return result, nil
	}
	return nil, lastErr
}

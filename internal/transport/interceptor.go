// Package transport provides an http.RoundTripper that hands challenged responses
// to the bypass manager.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/bypass"
	"github.com/jmylchreest/refyne-bypass/internal/protection"
)

// maxChallengeBody bounds how much of a challenged body is kept for degradation.
const maxChallengeBody = 2 << 20

// Bypasser is the part of bypass.Manager the interceptor needs.
type Bypasser interface {
	AttemptBypass(ctx context.Context, doer bypass.Doer, req *http.Request) (*http.Response, error)
}

// BypassedHeader is set on responses produced by a successful bypass whose
// replay was no longer challenged.
const BypassedHeader = "X-Refyne-Bypassed"

// Bypassed reports whether h belongs to a response produced by a bypass.
func Bypassed(h http.Header) bool {
	return h.Get(BypassedHeader) == "true"
}

// Interceptor wraps a base RoundTripper.
type Interceptor struct {
	base     http.RoundTripper
	bypasser Bypasser
	logger   *slog.Logger
}

// NewInterceptor wraps base, or http.DefaultTransport when base is nil.
func NewInterceptor(base http.RoundTripper, bypasser Bypasser, logger *slog.Logger) *Interceptor {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Interceptor{base: base, bypasser: bypasser, logger: logger}
}

// RoundTrip performs req. Challenged responses are retried through the bypasser;
// if that fails the original response is returned with its body intact.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		req = req.Clone(req.Context())
		if err := bufferBody(req); err != nil {
			return nil, err
		}
	}

	resp, err := i.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if !protection.IsChallenged(resp.StatusCode, resp.Header) {
		return resp, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading challenge body: %w", err)
	}

	challengeType := protection.ClassifyChallenge(body)
	logger := i.logger.With("host", req.URL.Hostname(), "status", resp.StatusCode)
	logger.Info("challenge detected", "type", challengeType)

	ctx := bypass.WithChallengeType(req.Context(), string(challengeType))
	retry := req.Clone(ctx)
	if req.GetBody != nil {
		if retry.Body, err = req.GetBody(); err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
	}

	out, err := i.bypasser.AttemptBypass(ctx, doer{i.base}, retry)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		logger.Warn("bypass failed, returning challenge response", "error", err)
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		return resp, nil
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if protection.IsChallenged(out.StatusCode, out.Header) {
		logger.Warn("replayed request still challenged", "status", out.StatusCode)
		return out, nil
	}
	out.Header.Set(BypassedHeader, "true")
	return out, nil
}

// doer executes requests on a RoundTripper without following redirects or
// re-entering the interceptor.
type doer struct {
	rt http.RoundTripper
}

func (d doer) Do(req *http.Request) (*http.Response, error) {
	return d.rt.RoundTrip(req)
}

func bufferBody(req *http.Request) error {
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("buffering request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

// NewClient returns an http.Client using the interceptor over base, with a cookie jar.
func NewClient(base http.RoundTripper, bypasser Bypasser, timeout time.Duration, logger *slog.Logger) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: NewInterceptor(base, bypasser, logger),
		Jar:       jar,
		Timeout:   timeout,
	}
}

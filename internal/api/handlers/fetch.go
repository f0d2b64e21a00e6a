package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/url"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-bypass/internal/fetch"
	"github.com/jmylchreest/refyne-bypass/internal/logging"
	"github.com/jmylchreest/refyne-bypass/internal/models"
)

// Fetcher retrieves pages through the bypass transport.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error)
}

// FetchInput is a fetch request.
type FetchInput struct {
	Body models.FetchRequest
}

// FetchOutput is a fetched page.
type FetchOutput struct {
	Body models.FetchResponse
}

// FetchHandler handles fetch requests.
type FetchHandler struct {
	fetcher Fetcher
	logger  *slog.Logger
}

// NewFetchHandler creates a fetch handler.
func NewFetchHandler(fetcher Fetcher, logger *slog.Logger) *FetchHandler {
	return &FetchHandler{fetcher: fetcher, logger: logger}
}

// Handle fetches the requested page. A page still challenged after the bypass
// attempt is returned as a normal result with its challenge details.
func (h *FetchHandler) Handle(ctx context.Context, input *FetchInput) (*FetchOutput, error) {
	u, err := url.Parse(input.Body.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, huma.Error422UnprocessableEntity("url must be an absolute http(s) URL")
	}
	ctx = logging.WithHost(ctx, u.Hostname())
	logger := logging.FromContext(ctx, h.logger)

	res, err := h.fetcher.Fetch(ctx, u.String(), input.Body.Options())
	if err != nil {
		logger.Warn("fetch failed", "url", u.String(), "error", err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, huma.Error504GatewayTimeout("fetch timed out")
		}
		if errors.Is(err, context.Canceled) {
			return nil, huma.Error503ServiceUnavailable("fetch cancelled")
		}
		return nil, huma.Error502BadGateway("fetch failed", err)
	}

	logger.Info("fetch complete",
		"status", res.StatusCode,
		"bypassed", res.Bypassed,
		"challenged", res.Challenge.Challenged,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return &FetchOutput{Body: models.FetchResponseFrom(res)}, nil
}

package flaresolverr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/refyne-bypass/internal/signing"
	"github.com/jmylchreest/refyne-bypass/internal/solver"
)

// DefaultTimeout bounds a solve when Params.Timeout is unset.
const DefaultTimeout = 60 * time.Second

// Client solves challenges through a FlareSolverr-compatible service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *signing.Signer
	serviceID  string
	logger     *slog.Logger
}

// ClientConfig holds configuration for the remote solver client.
type ClientConfig struct {
	BaseURL string
	// Secret enables X-Refyne-* request signing when non-empty.
	Secret string
	// ServiceID is sent as the signed user ID.
	ServiceID  string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a new remote solver client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	serviceID := cfg.ServiceID
	if serviceID == "" {
		serviceID = "refyne-bypass"
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		signer:     signing.NewSigner(cfg.Secret),
		serviceID:  serviceID,
		logger:     logger,
	}
}

// Cookie is a cookie as reported by the service.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// ProxyConfig represents proxy configuration.
type ProxyConfig struct {
	URL string `json:"url"`
}

// Request is the body of a POST /v1 call.
type Request struct {
	Cmd        string       `json:"cmd"`
	URL        string       `json:"url,omitempty"`
	MaxTimeout int64        `json:"maxTimeout,omitempty"`
	UserAgent  string       `json:"userAgent,omitempty"`
	Cookies    []Cookie     `json:"cookies,omitempty"`
	Proxy      *ProxyConfig `json:"proxy,omitempty"`
}

// Solution contains the solved page data.
type Solution struct {
	URL       string   `json:"url"`
	Status    int      `json:"status"`
	Cookies   []Cookie `json:"cookies"`
	UserAgent string   `json:"userAgent"`
}

// Response is the service reply.
type Response struct {
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	Solution      *Solution `json:"solution,omitempty"`
	Version       string    `json:"version"`
	ChallengeType string    `json:"challengeType,omitempty"`
}

// HealthResponse is the response from the service health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Name returns "flaresolverr".
func (c *Client) Name() string {
	return "flaresolverr"
}

// Health checks the service health and returns version info.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}

	return &health, nil
}

// Solve implements solver.Solver.
func (c *Client) Solve(ctx context.Context, params solver.Params) (*solver.Result, error) {
	start := time.Now()
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{
		Cmd:        "request.get",
		URL:        params.URL,
		MaxTimeout: timeout.Milliseconds(),
		UserAgent:  params.UserAgent,
	}
	if params.Proxy != "" {
		req.Proxy = &ProxyConfig{URL: params.Proxy}
	}

	resp, err := c.request(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Status != "ok" || resp.Solution == nil {
		return nil, solver.NewError(solver.KindChallengeNotResolved,
			fmt.Sprintf("solver service returned %q", resp.Status), errors.New(resp.Message))
	}

	cookies := convertCookies(resp.Solution.Cookies)
	result := &solver.Result{
		Cookies:       cookies,
		UserAgent:     resp.Solution.UserAgent,
		Duration:      time.Since(start),
		ChallengeType: resp.ChallengeType,
		SolverName:    c.Name(),
	}
	clearance, ok := result.Clearance()
	if !ok || clearance.Value == "" || clearance.Value == params.PreviousClearance {
		return nil, solver.NewError(solver.KindChallengeNotResolved, "no new clearance issued", nil)
	}
	if result.UserAgent == "" {
		result.UserAgent = params.UserAgent
	}
	return result, nil
}

func (c *Client) request(ctx context.Context, req Request) (*Response, error) {
	startTime := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1", bytes.NewReader(body))
	if err != nil {
		return nil, solver.NewError(solver.KindRendererUnavailable, "building solver request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.signer.Enabled() {
		c.signer.Sign(c.serviceID, "service", []string{"bypass"}, "", body).Apply(httpReq.Header)
	}

	c.logger.Debug("solver request", "cmd", req.Cmd, "url", req.URL, "proxy", req.Proxy != nil)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Warn("solver request failed",
			"url", req.URL,
			"error", err,
			"duration_ms", time.Since(startTime).Milliseconds(),
		)
		return nil, c.mapTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.mapTransportError(ctx, err)
	}

	var solveResp Response
	if err := json.Unmarshal(respBody, &solveResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, solver.NewError(solver.KindRendererUnavailable,
				fmt.Sprintf("solver service returned status %d", resp.StatusCode), nil)
		}
		return nil, solver.NewError(solver.KindChallengeNotResolved, "decoding solver response", err)
	}
	if resp.StatusCode != http.StatusOK && solveResp.Status == "" {
		solveResp.Status = "error"
	}

	c.logger.Info("solver response",
		"url", req.URL,
		"status", solveResp.Status,
		"challenge_type", solveResp.ChallengeType,
		"solver_version", solveResp.Version,
		"duration_ms", time.Since(startTime).Milliseconds(),
	)

	return &solveResp, nil
}

func (c *Client) mapTransportError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return solver.NewError(solver.KindTimeout, "solver service did not answer in time", err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return solver.NewError(solver.KindRendererUnavailable, "contacting solver service", err)
	}
}

func convertCookies(cookies []Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		switch strings.ToLower(c.SameSite) {
		case "strict":
			hc.SameSite = http.SameSiteStrictMode
		case "lax":
			hc.SameSite = http.SameSiteLaxMode
		case "none":
			hc.SameSite = http.SameSiteNoneMode
		}
		out = append(out, hc)
	}
	return out
}

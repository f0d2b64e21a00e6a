// Package handlers implements the bypass service's HTTP operations.
package handlers

import (
	"context"

	"github.com/jmylchreest/refyne-bypass/internal/browser"
	"github.com/jmylchreest/refyne-bypass/internal/bypass"
	"github.com/jmylchreest/refyne-bypass/internal/version"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string             `json:"status"`
	Version     string             `json:"version"`
	Solver      string             `json:"solver"`
	Hosts       int                `json:"hosts"`
	CachedHosts int                `json:"cachedHosts"`
	Proxies     int                `json:"proxies"`
	Browsers    *browser.PoolStats `json:"browsers,omitempty"`
}

// HealthOutput is the output wrapper for Huma.
type HealthOutput struct {
	Body HealthResponse
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	manager *bypass.Manager
	pool    *browser.Pool
	solver  string
}

// NewHealthHandler creates a new health handler. pool is nil when solving is remote.
func NewHealthHandler(manager *bypass.Manager, pool *browser.Pool, solverName string) *HealthHandler {
	return &HealthHandler{manager: manager, pool: pool, solver: solverName}
}

// Handle returns the health status.
func (h *HealthHandler) Handle(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	resp := HealthResponse{
		Status:      "healthy",
		Version:     version.Get().Short(),
		Solver:      h.solver,
		Hosts:       h.manager.Monitor().Len(),
		CachedHosts: h.manager.Cache().Len(),
		Proxies:     h.manager.Pool().Len(),
	}
	if h.pool != nil {
		stats := h.pool.Stats()
		resp.Browsers = &stats
	}
	return &HealthOutput{Body: resp}, nil
}

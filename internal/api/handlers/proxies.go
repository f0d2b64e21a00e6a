package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-bypass/internal/models"
	"github.com/jmylchreest/refyne-bypass/internal/proxypool"
)

// ProxiesOutput lists the proxy pool.
type ProxiesOutput struct {
	Body struct {
		Proxies []models.ProxyView `json:"proxies"`
	}
}

// AddProxyInput adds one proxy.
type AddProxyInput struct {
	Body models.AddProxyRequest
}

// ProxiesHandler manages the proxy pool.
type ProxiesHandler struct {
	pool *proxypool.Pool
}

// NewProxiesHandler creates a proxies handler.
func NewProxiesHandler(pool *proxypool.Pool) *ProxiesHandler {
	return &ProxiesHandler{pool: pool}
}

// List returns the pooled proxies.
func (h *ProxiesHandler) List(ctx context.Context, _ *struct{}) (*ProxiesOutput, error) {
	out := &ProxiesOutput{}
	out.Body.Proxies = []models.ProxyView{}
	for _, c := range h.pool.List() {
		out.Body.Proxies = append(out.Body.Proxies, models.ProxyFrom(c))
	}
	return out, nil
}

// Add appends a proxy. Adding a proxy already in the pool is a conflict.
func (h *ProxiesHandler) Add(ctx context.Context, input *AddProxyInput) (*ProxiesOutput, error) {
	t, err := proxypool.ParseType(input.Body.Type)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	if !h.pool.Add(t, input.Body.Host, input.Body.Port) {
		return nil, huma.Error409Conflict("proxy already in pool")
	}
	return h.List(ctx, nil)
}

package handlers

import (
	"context"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-bypass/internal/bypass"
	"github.com/jmylchreest/refyne-bypass/internal/models"
	"github.com/jmylchreest/refyne-bypass/internal/monitor"
)

// StatsStore is persisted host statistics that a clear must also wipe.
// ClearWith runs reset and the deletion without a snapshot write in between.
type StatsStore interface {
	ClearWith(ctx context.Context, reset func()) error
}

// HostsOutput lists host statistics.
type HostsOutput struct {
	Body struct {
		Hosts []models.HostView `json:"hosts"`
	}
}

// HostInput selects one host.
type HostInput struct {
	Host string `path:"host" doc:"Hostname, e.g. shop.example.com"`
}

// HostOutput is one host's statistics.
type HostOutput struct {
	Body models.HostView
}

// ClearOutput reports what a clear removed.
type ClearOutput struct {
	Body struct {
		ClearedHosts   int `json:"clearedHosts"`
		ClearedEntries int `json:"clearedCacheEntries"`
	}
}

// HostsHandler exposes host monitor statistics and the clear control.
type HostsHandler struct {
	manager *bypass.Manager
	store   StatsStore
}

// NewHostsHandler creates a hosts handler. store may be nil.
func NewHostsHandler(manager *bypass.Manager, store StatsStore) *HostsHandler {
	return &HostsHandler{manager: manager, store: store}
}

func (h *HostsHandler) view(s monitor.HostStats) models.HostView {
	m := h.manager.Monitor()
	return models.HostFrom(s, m.OptimalStrategy(s.Host), m.SuggestedWaitTime(s.Host))
}

// List returns every tracked host.
func (h *HostsHandler) List(ctx context.Context, _ *struct{}) (*HostsOutput, error) {
	out := &HostsOutput{}
	out.Body.Hosts = []models.HostView{}
	for _, s := range h.manager.Monitor().Snapshot() {
		out.Body.Hosts = append(out.Body.Hosts, h.view(s))
	}
	return out, nil
}

// Get returns one host's statistics.
func (h *HostsHandler) Get(ctx context.Context, input *HostInput) (*HostOutput, error) {
	s, ok := h.manager.Monitor().Stats(strings.ToLower(input.Host))
	if !ok {
		return nil, huma.Error404NotFound("no statistics for host " + input.Host)
	}
	return &HostOutput{Body: h.view(s)}, nil
}

// Clear wipes the bypass cache and all host statistics, persisted ones included.
func (h *HostsHandler) Clear(ctx context.Context, _ *struct{}) (*ClearOutput, error) {
	out := &ClearOutput{}
	out.Body.ClearedHosts = h.manager.Monitor().Len()
	out.Body.ClearedEntries = h.manager.Cache().Len()

	if h.store == nil {
		h.manager.Clear()
		return out, nil
	}
	if err := h.store.ClearWith(ctx, h.manager.Clear); err != nil {
		return nil, huma.Error500InternalServerError("clearing persisted host statistics", err)
	}
	return out, nil
}

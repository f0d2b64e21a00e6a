package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-bypass/internal/config"
	"github.com/jmylchreest/refyne-bypass/internal/models"
)

// SettingsOutput wraps the current settings.
type SettingsOutput struct {
	Body models.SettingsBody
}

// SettingsInput replaces the settings.
type SettingsInput struct {
	Body models.SettingsBody
}

// SettingsHandler reads and replaces the runtime settings.
type SettingsHandler struct {
	store  *config.SettingsStore
	logger *slog.Logger
}

// NewSettingsHandler creates a settings handler.
func NewSettingsHandler(store *config.SettingsStore, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{store: store, logger: logger}
}

// Get returns the current settings.
func (h *SettingsHandler) Get(ctx context.Context, _ *struct{}) (*SettingsOutput, error) {
	return &SettingsOutput{Body: models.SettingsFrom(h.store.Get())}, nil
}

// Put validates and stores new settings. The change applies to the next bypass.
func (h *SettingsHandler) Put(ctx context.Context, input *SettingsInput) (*SettingsOutput, error) {
	next, err := input.Body.Settings()
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	stored, err := h.store.Set(next)
	if err != nil {
		return nil, huma.Error422UnprocessableEntity(err.Error())
	}
	h.logger.Info("settings updated",
		"strategy", stored.Strategy,
		"max_retries", stored.MaxRetries,
		"cache_enabled", stored.CacheEnabled,
		"cache_ttl", stored.CacheTTL,
		"proxy_enabled", stored.ProxyEnabled,
	)
	return &SettingsOutput{Body: models.SettingsFrom(stored)}, nil
}

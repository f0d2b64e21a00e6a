package handlers

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/refyne-bypass/internal/http/mw"
)

// AdminScope guards the operations that change service state.
const AdminScope = "bypass:admin"

// Handlers groups every operation handler.
type Handlers struct {
	Health   *HealthHandler
	Settings *SettingsHandler
	Hosts    *HostsHandler
	Proxies  *ProxiesHandler
	Fetch    *FetchHandler
}

// RegisterPublic registers the unauthenticated operations.
func RegisterPublic(api huma.API, h Handlers) {
	mw.PublicGet(api, "/health", h.Health.Handle,
		mw.WithOperationID("health"),
		mw.WithSummary("Health check"),
		mw.WithDescription("Returns health status, solver, cache and pool statistics"),
		mw.WithTags("Health"))
}

// RegisterProtected registers the operations behind the auth middleware.
func RegisterProtected(api huma.API, h Handlers) {
	api.UseMiddleware(mw.HumaScopes(api))

	mw.ProtectedGet(api, "/v1/settings", h.Settings.Get,
		mw.WithOperationID("getSettings"),
		mw.WithSummary("Get bypass settings"),
		mw.WithTags("Settings"))
	mw.ProtectedPut(api, "/v1/settings", h.Settings.Put,
		mw.WithOperationID("putSettings"),
		mw.WithSummary("Replace bypass settings"),
		mw.WithScope(AdminScope),
		mw.WithTags("Settings"))

	mw.ProtectedPost(api, "/v1/clear", h.Hosts.Clear,
		mw.WithOperationID("clear"),
		mw.WithSummary("Clear cache and host statistics"),
		mw.WithScope(AdminScope),
		mw.WithTags("Hosts"))
	mw.ProtectedGet(api, "/v1/hosts", h.Hosts.List,
		mw.WithOperationID("listHosts"),
		mw.WithSummary("List host statistics"),
		mw.WithTags("Hosts"))
	mw.ProtectedGet(api, "/v1/hosts/{host}", h.Hosts.Get,
		mw.WithOperationID("getHost"),
		mw.WithSummary("Get one host's statistics"),
		mw.WithTags("Hosts"))

	mw.ProtectedGet(api, "/v1/proxies", h.Proxies.List,
		mw.WithOperationID("listProxies"),
		mw.WithSummary("List pooled proxies"),
		mw.WithTags("Proxies"))
	mw.ProtectedPost(api, "/v1/proxies", h.Proxies.Add,
		mw.WithOperationID("addProxy"),
		mw.WithSummary("Add a proxy to the pool"),
		mw.WithScope(AdminScope),
		mw.WithTags("Proxies"))

	mw.ProtectedPost(api, "/v1/fetch", h.Fetch.Handle,
		mw.WithOperationID("fetch"),
		mw.WithSummary("Fetch a page through the bypass layer"),
		mw.WithTags("Fetch"))
}

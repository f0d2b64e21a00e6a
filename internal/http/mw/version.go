package mw

import (
	"net/http"

	"github.com/jmylchreest/refyne-bypass/internal/version"
)

// VersionHeader carries the service version on every response.
const VersionHeader = "X-Bypass-Version"

// APIVersion returns middleware that adds VersionHeader to all responses.
func APIVersion() func(http.Handler) http.Handler {
	v := version.Get().Short()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(VersionHeader, v)
			next.ServeHTTP(w, r)
		})
	}
}

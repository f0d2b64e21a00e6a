package mw

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimitByCaller limits requests per minute per authenticated caller,
// falling back to the client IP for anonymous requests. Apply after Auth.
// A limit of 0 disables limiting.
func RateLimitByCaller(requestsPerMinute int) func(http.Handler) http.Handler {
	if requestsPerMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(callerKey),
	)
}

func callerKey(r *http.Request) (string, error) {
	claims := GetUserClaims(r.Context())
	if claims == nil || claims.Anonymous || claims.UserID == "" {
		return httprate.KeyByIP(r)
	}
	return "caller:" + claims.UserID, nil
}


// Package mw contains HTTP middleware for the bypass service.
package mw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmylchreest/refyne-bypass/internal/auth"
	"github.com/jmylchreest/refyne-bypass/internal/logging"
	"github.com/jmylchreest/refyne-bypass/internal/signing"
)

// maxSignedBody bounds how much of a request body is hashed for signature checks.
const maxSignedBody = 1 << 20

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserClaimsKey is the context key for caller claims.
	UserClaimsKey ContextKey = "user_claims"
)

// UserClaims represents the authenticated caller from either auth source.
type UserClaims struct {
	UserID string
	Tier   string
	// Scopes come from the token scope claim or the signed features header.
	Scopes []string
	// Anonymous is set when ALLOW_UNAUTHENTICATED let the request through.
	Anonymous bool
}

// HasScope checks if the caller has a specific scope.
// Supports wildcard patterns with a trailing asterisk on either side (e.g. "bypass:*").
func (c *UserClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	if c.Anonymous {
		return true
	}
	for _, s := range c.Scopes {
		if s == scope || s == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, "*"); ok && strings.HasPrefix(scope, prefix) {
			return true
		}
		if prefix, ok := strings.CutSuffix(scope, "*"); ok && strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// GetUserClaims retrieves caller claims from context.
func GetUserClaims(ctx context.Context) *UserClaims {
	claims, ok := ctx.Value(UserClaimsKey).(*UserClaims)
	if !ok {
		return nil
	}
	return claims
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Signer validates X-Refyne-* signed headers when it has a secret.
	Signer *signing.Signer

	// Verifier validates HS256 bearer tokens when set.
	Verifier *auth.Verifier

	// RequiredScope must be granted by the caller (e.g. "bypass").
	RequiredScope string

	// AllowUnauthenticated lets requests without credentials through as anonymous.
	AllowUnauthenticated bool

	Logger *slog.Logger
}

// Errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMissingAuth      = errors.New("missing credentials")
)

// Auth returns authentication middleware. Signed headers are tried first, then
// a bearer token. Presented credentials that fail verification are always
// rejected, even when unauthenticated access is allowed.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := authenticate(cfg, r)
			switch {
			case errors.Is(err, ErrMissingAuth) && cfg.AllowUnauthenticated:
				claims = &UserClaims{UserID: "anonymous", Anonymous: true}
			case err != nil:
				logger.Debug("authentication failed", "error", err, "path", r.URL.Path)
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			if cfg.RequiredScope != "" && !claims.HasScope(cfg.RequiredScope) {
				writeError(w, http.StatusForbidden, "insufficient_scope", "missing scope "+cfg.RequiredScope)
				return
			}

			ctx := context.WithValue(r.Context(), UserClaimsKey, claims)
			ctx = logging.WithCaller(ctx, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(cfg AuthConfig, r *http.Request) (*UserClaims, error) {
	if cfg.Signer.Enabled() && r.Header.Get(signing.HeaderSignature) != "" {
		return validateSignedHeaders(r, cfg.Signer)
	}

	authHeader := r.Header.Get("Authorization")
	if cfg.Verifier != nil && authHeader != "" {
		token := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := cfg.Verifier.VerifyToken(token)
		if err != nil {
			return nil, err
		}
		return &UserClaims{
			UserID: claims.Subject,
			Tier:   claims.Tier,
			Scopes: claims.Scopes(),
		}, nil
	}

	return nil, ErrMissingAuth
}

// validateSignedHeaders checks the X-Refyne-* headers against the request body.
// The body is restored for the next handler.
func validateSignedHeaders(r *http.Request, signer *signing.Signer) (*UserClaims, error) {
	sh := signing.HeadersFrom(r.Header)
	if sh.Timestamp == "" || sh.UserID == "" {
		return nil, ErrInvalidSignature
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	if !signer.VerifyHeaders(sh, body) {
		return nil, ErrInvalidSignature
	}

	var scopes []string
	for f := range strings.SplitSeq(sh.Features, ",") {
		if f = strings.TrimSpace(f); f != "" {
			scopes = append(scopes, f)
		}
	}

	return &UserClaims{
		UserID: sh.UserID,
		Tier:   sh.Tier,
		Scopes: scopes,
	}, nil
}

// RequireScope returns middleware that requires a specific scope.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := GetUserClaims(r.Context())
			if claims == nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if !claims.HasScope(scope) {
				writeError(w, http.StatusForbidden, "insufficient_scope", "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

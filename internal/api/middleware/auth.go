package middleware

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/darrentmorgan/singura-sub016/pkg/contracts"
	pkgmw "github.com/darrentmorgan/singura-sub016/pkg/middleware"
)

// AuthMiddleware authenticates requests through the pluggable
// AuthProviderChain and stores the resulting Identity in context.
//
// It layers on top of APIKeyAuth: that middleware gates access, this one
// establishes WHO is calling so handlers and audit logs can attribute
// actions. An identity scoped to an organization overrides whatever the
// OrgExtractor picked up from headers.
type AuthMiddleware struct {
	chain       contracts.AuthProviderChain
	requireAuth bool
}

// NewAuthMiddleware creates the auth middleware.
//
// If requireAuth is true, unauthenticated requests to non-public paths
// are rejected. Config: SINGURA_REQUIRE_AUTH env var (default: false
// for OSS).
func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	requireAuth := os.Getenv("SINGURA_REQUIRE_AUTH") == "true"
	return &AuthMiddleware{
		chain:       chain,
		requireAuth: requireAuth,
	}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Public paths — skip auth
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// Walk the provider chain
		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			respondAuthError(w, "authentication_failed", err.Error())
			return
		}

		// No identity and auth is required → reject
		if identity == nil && am.requireAuth {
			respondAuthError(w, "authentication_required",
				"This endpoint requires authentication. Set Authorization: Bearer <key>, X-API-Key, or X-Service-Token header.")
			return
		}

		// Store identity in context (nil is fine — means anonymous)
		ctx := r.Context()
		if identity != nil {
			ctx = pkgmw.SetIdentity(ctx, identity)

			// An org-scoped credential pins the request to its org
			if identity.Organization != "" {
				ctx = pkgmw.SetOrg(ctx, identity.Organization)
			}
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func respondAuthError(w http.ResponseWriter, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="singura"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}

package middleware

import (
	"net/http"

	pkgmw "github.com/darrentmorgan/singura-sub016/pkg/middleware"
)

// OrgExtractor resolves the requesting organization slug and stores it
// in the request context. Resolution order:
//  1. X-Org-Slug header
//  2. org query parameter
//  3. "default"
//
// The slug is advisory at this layer: handlers resolve it against the
// store, and an authenticated identity carrying an org scope overrides
// it downstream. The Pro repo swaps this for subdomain + JWT-claim
// resolution.
func OrgExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org := r.Header.Get("X-Org-Slug")
		if org == "" {
			org = r.URL.Query().Get("org")
		}
		if org == "" {
			org = "default"
		}

		ctx := pkgmw.SetOrg(r.Context(), org)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

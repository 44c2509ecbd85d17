// Package middleware provides shared middleware helpers for the Singura control plane.
//
// This package lives in pkg/ (not internal/) so that the enterprise repo
// can use GetOrg() and SetOrg() in its own middleware.
package middleware

import "context"

type contextKey string

const orgKey contextKey = "org"

// GetOrg extracts the organization slug from the context.
// Returns "default" if no organization is set.
func GetOrg(ctx context.Context) string {
	if v, ok := ctx.Value(orgKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// SetOrg stores the organization slug in the context.
func SetOrg(ctx context.Context, org string) context.Context {
	return context.WithValue(ctx, orgKey, org)
}

// Package auth resolves the calling user from requests. Identity is
// established by a fronting proxy and forwarded in a trusted header.
package auth

import (
	"context"
	"net/http"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Subject string
}

type contextKey struct{}

// Middleware extracts the principal from the configured header and rejects
// requests without one.
func Middleware(header string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := r.Header.Get(header)
		if subject == "" {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextKey{}, Principal{Subject: subject})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext returns the principal stored by Middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}

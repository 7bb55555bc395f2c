package main

import (
	"net/http"
	"strings"
)

// requireAuth guards mutating endpoints with the shared bearer token.
func (app *application) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretToken := app.config.API.AuthToken
		if secretToken == "" {
			errorResponse(w, http.StatusInternalServerError, "authentication is not configured")
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			errorResponse(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			errorResponse(w, http.StatusUnauthorized, "Invalid Authorization header format")
			return
		}

		if parts[1] != strings.TrimSpace(secretToken) {
			errorResponse(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

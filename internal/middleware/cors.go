// Package middleware holds cross-cutting chi middleware, grounded on the
// teacher's setupCORS (cmd/api/main.go).
package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS builds the chi CORS middleware allowing origins, matching the
// handshake's own origin allowlist (internal/handlers/ws.go).
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin"},
		ExposedHeaders:   []string{"Content-Length"},
		MaxAge:           300,
	}).Handler
}

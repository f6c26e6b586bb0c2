package middleware

import (
	"net/http"

	"kptv-player/work/logger"
)

// CORS lets browser front-ends on other origins drive the API and answers
// preflight requests directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-User-Gesture")

		if r.Method == http.MethodOptions {
			logger.Debug("{middleware/cors - CORS} Preflight for %s", r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

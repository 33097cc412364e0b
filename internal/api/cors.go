package api

import (
	"net/http"
)

// readOnlyCORS exposes entity attributes, series and files to browser
// dashboards served from origins. Only reads are granted: a cross-origin
// push to /ops gets no CORS headers and is blocked by the browser.
// With no origins the middleware is a pass-through.
func readOnlyCORS(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		if len(allowed) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" || !(allowed[origin] || allowed["*"]) {
				next.ServeHTTP(w, r)
				return
			}

			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
			method := r.Method
			if preflight {
				method = r.Header.Get("Access-Control-Request-Method")
			}
			w.Header().Add("Vary", "Origin")
			if method == http.MethodGet || method == http.MethodHead {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, X-Total-Count, Content-Disposition")
			}
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

package app

import (
	"net/http"
	"net/url"

	"github.com/caesar-terminal/tickerdesk/internal/config"
)

// CORS sets the cross-origin headers for allowed origins. Same-origin
// requests always pass. A preflight from a foreign origin gets 403; other
// foreign requests pass without CORS headers and the browser blocks them.
func CORS(origins config.Origins) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if origin != "" && !sameOrigin(origin, r) {
				if !origins.Allows(origin) {
					if preflight {
						http.Error(w, "CORS: origin not allowed", http.StatusForbidden)
						return
					}
					next.ServeHTTP(w, r)
					return
				}
				h := w.Header()
				if origins.Any {
					h.Set("Access-Control-Allow-Origin", config.Wildcard)
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
					h.Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if preflight {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func sameOrigin(origin string, r *http.Request) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

package mw

import (
	"net/http"
	"strings"

	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/config"
)

const (
	corsMethods = "GET, PUT, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, " + VersionHeader
	corsExposed = "X-Request-ID, Retry-After, " + VersionHeader
)

// CORS answers preflights for allowlisted origins and decorates their
// actual requests. Other origins get no CORS headers; browsers then block
// the response themselves.
func CORS(cfg config.Config, next http.Handler) http.Handler {
	allowed := func(origin string) bool {
		_, ok := cfg.CORSAllowedOrigins[origin]
		return origin != "" && ok
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
		if !allowed(origin) {
			if preflight {
				writeError(w, r, http.StatusForbidden, &apierror.Error{
					Type:    apierror.ErrPermission,
					Message: "cors preflight not allowed",
					Param:   "Origin",
				})
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Add("Vary", "Origin")
		if preflight {
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.Set("Access-Control-Expose-Headers", corsExposed)
		next.ServeHTTP(w, r)
	})
}

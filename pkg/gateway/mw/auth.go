package mw

import (
	"errors"
	"net/http"

	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/principal"
)

// Auth resolves the bearer key of REST requests into a principal and
// attaches it to the context for the rate limiter.
func Auth(cfg config.Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		key, _ := principal.Bearer(r)
		p, err := principal.Authenticate(r, key, cfg)
		switch {
		case err == nil:
			next.ServeHTTP(w, r.WithContext(principal.With(r.Context(), p)))
		case errors.Is(err, principal.ErrMissingKey):
			writeError(w, r, http.StatusUnauthorized, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "missing bearer token",
				Param:   "Authorization",
			})
		case errors.Is(err, principal.ErrInvalidKey):
			writeError(w, r, http.StatusUnauthorized, &apierror.Error{
				Type:    apierror.ErrAuthentication,
				Message: "invalid api key",
			})
		default:
			writeError(w, r, http.StatusInternalServerError, &apierror.Error{
				Type:    apierror.ErrAPI,
				Message: "invalid auth_mode",
			})
		}
	})
}

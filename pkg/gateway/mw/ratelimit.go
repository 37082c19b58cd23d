package mw

import (
	"errors"
	"net/http"
	"time"

	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/principal"
	"github.com/alignify/alignify/pkg/gateway/ratelimit"
)

// RateLimit admits REST requests against the caller's token bucket and
// in-flight cap. Live sessions are admitted by the live handler per profile.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r) {
			next.ServeHTTP(w, r)
			return
		}
		slot, err := limiter.AdmitRequest(principal.Of(r, cfg).Key, time.Now())
		if err != nil {
			apiErr := &apierror.Error{Type: apierror.ErrRateLimit, Message: "rate limit exceeded"}
			var rejected *ratelimit.RejectedError
			if errors.As(err, &rejected) {
				apiErr.Message = rejected.Err.Error()
				if rejected.RetryAfter > 0 {
					retryAfter := rejected.RetryAfter
					apiErr.RetryAfter = &retryAfter
				}
			}
			writeError(w, r, http.StatusTooManyRequests, apiErr)
			return
		}
		defer slot.Release()
		next.ServeHTTP(w, r)
	})
}

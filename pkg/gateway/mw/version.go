package mw

import (
	"net/http"
	"strings"

	"github.com/alignify/alignify/pkg/gateway/apierror"
)

const (
	VersionHeader = "X-Alignify-Version"
	APIVersion1   = "1"
)

// APIVersion stamps /v1 responses with the version served and rejects
// requests pinned to any other. A missing header means the current version.
func APIVersion(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if exempt(r) || (path != "/v1" && !strings.HasPrefix(path, "/v1/")) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set(VersionHeader, APIVersion1)
		for _, v := range r.Header.Values(VersionHeader) {
			for part := range strings.SplitSeq(v, ",") {
				if part = strings.TrimSpace(part); part != "" && part != APIVersion1 {
					writeError(w, r, http.StatusBadRequest, &apierror.Error{
						Type:    apierror.ErrInvalidRequest,
						Message: "unsupported API version " + part,
						Param:   VersionHeader,
						Code:    "unsupported_version",
					})
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

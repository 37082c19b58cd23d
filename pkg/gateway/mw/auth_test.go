package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/principal"
)

func authConfig(mode config.AuthMode) config.Config {
	return config.Config{AuthMode: mode, APIKeys: map[string]struct{}{"al_sk_test": {}}}
}

func TestAuth(t *testing.T) {
	tests := []struct {
		name     string
		mode     config.AuthMode
		path     string
		bearer   string
		upgrade  bool
		wantCode int
		wantKind principal.Kind
	}{
		{name: "required without key", mode: config.AuthModeRequired, path: "/v1/calibration/dana", wantCode: http.StatusUnauthorized},
		{name: "required with unknown key", mode: config.AuthModeRequired, path: "/v1/calibration/dana", bearer: "nope", wantCode: http.StatusUnauthorized},
		{name: "required with key", mode: config.AuthModeRequired, path: "/v1/calibration/dana", bearer: "al_sk_test", wantCode: http.StatusOK, wantKind: principal.KindAPIKey},
		{name: "optional without key", mode: config.AuthModeOptional, path: "/v1/routines", wantCode: http.StatusOK, wantKind: principal.KindClientIP},
		{name: "optional with unknown key", mode: config.AuthModeOptional, path: "/v1/routines", bearer: "nope", wantCode: http.StatusUnauthorized},
		{name: "disabled ignores key", mode: config.AuthModeDisabled, path: "/v1/routines", bearer: "nope", wantCode: http.StatusOK, wantKind: principal.KindClientIP},
		{name: "health endpoints are public", mode: config.AuthModeRequired, path: "/readyz", wantCode: http.StatusOK},
		{name: "live upgrade checked by handler", mode: config.AuthModeRequired, path: "/v1/live", upgrade: true, wantCode: http.StatusOK},
		{name: "bad mode", mode: config.AuthMode("sometimes"), path: "/v1/routines", wantCode: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got principal.Principal
			h := Auth(authConfig(tc.mode), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got, _ = principal.From(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tc.bearer)
			}
			if tc.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.wantCode {
				t.Fatalf("status=%d want %d body=%q", rr.Code, tc.wantCode, rr.Body.String())
			}
			if got.Kind != tc.wantKind {
				t.Fatalf("principal=%+v want kind %q", got, tc.wantKind)
			}
		})
	}
}

func TestAuth_MissingTokenNamesHeader(t *testing.T) {
	h := Auth(authConfig(config.AuthModeRequired), http.NotFoundHandler())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d", rr.Code)
	}
	if body := rr.Body.String(); !contains(body, `"param":"Authorization"`) || !contains(body, "authentication_error") {
		t.Fatalf("body=%q", body)
	}
}

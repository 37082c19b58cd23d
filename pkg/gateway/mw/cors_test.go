package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alignify/alignify/pkg/gateway/config"
)

func corsHandler() http.Handler {
	cfg := config.Config{CORSAllowedOrigins: map[string]struct{}{"https://studio.example": {}}}
	return CORS(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
}

func TestCORS_Preflight(t *testing.T) {
	for origin, want := range map[string]int{
		"https://studio.example": http.StatusNoContent,
		"https://evil.example":   http.StatusForbidden,
		"":                       http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodOptions, "/v1/calibration/dana", nil)
		req.Header.Set("Access-Control-Request-Method", http.MethodPut)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rr := httptest.NewRecorder()
		corsHandler().ServeHTTP(rr, req)
		if rr.Code != want {
			t.Fatalf("origin %q: status=%d want %d", origin, rr.Code, want)
		}
		if want != http.StatusNoContent {
			if rr.Header().Get("Access-Control-Allow-Origin") != "" {
				t.Fatalf("origin %q got allow header", origin)
			}
			continue
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != origin || !contains(rr.Header().Get("Access-Control-Allow-Methods"), "PUT") {
			t.Fatalf("headers=%v", rr.Header())
		}
		if !contains(rr.Header().Get("Access-Control-Allow-Headers"), VersionHeader) {
			t.Fatalf("allow headers=%q", rr.Header().Get("Access-Control-Allow-Headers"))
		}
	}
}

func TestCORS_ActualRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/routines", nil)
	req.Header.Set("Origin", "https://studio.example")
	rr := httptest.NewRecorder()
	corsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("status=%d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://studio.example" || !contains(rr.Header().Get("Access-Control-Expose-Headers"), "Retry-After") {
		t.Fatalf("headers=%v", rr.Header())
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/routines", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	corsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot || rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("status=%d headers=%v", rr.Code, rr.Header())
	}

	// A plain OPTIONS without a requested method is not a preflight.
	req = httptest.NewRequest(http.MethodOptions, "/v1/routines", nil)
	rr = httptest.NewRecorder()
	corsHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusTeapot {
		t.Fatalf("plain options status=%d", rr.Code)
	}
}

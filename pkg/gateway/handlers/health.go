package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/live/sessions"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler fails on misconfiguration or unreachable calibration storage
// (500) and while the gateway drains (503).
type ReadyHandler struct {
	Config     config.Config
	Sessions   *sessions.Tracker
	Repository calibration.Repository
}

type readyResponse struct {
	OK                 bool     `json:"ok"`
	Draining           bool     `json:"draining,omitempty"`
	LiveSessions       int      `json:"live_sessions"`
	AuthMode           string   `json:"auth_mode"`
	CalibrationBackend string   `json:"calibration_backend"`
	SpeechEnabled      bool     `json:"speech_enabled"`
	Issues             []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{
		Draining:           h.Sessions.Draining(),
		LiveSessions:       h.Sessions.Count(),
		AuthMode:           string(h.Config.AuthMode),
		CalibrationBackend: string(h.Config.CalibrationBackend),
		SpeechEnabled:      h.Config.SpeechEnabled(),
		Issues:             h.configIssues(),
	}
	if issue := h.storageIssue(r.Context()); issue != "" {
		resp.Issues = append(resp.Issues, issue)
	}

	status := http.StatusOK
	switch {
	case len(resp.Issues) > 0:
		status = http.StatusInternalServerError
	case resp.Draining:
		status = http.StatusServiceUnavailable
	default:
		resp.OK = true
	}
	writeJSON(w, status, resp)
}

func (h ReadyHandler) configIssues() []string {
	cfg := h.Config
	var issues []string
	switch cfg.AuthMode {
	case config.AuthModeRequired:
		if len(cfg.APIKeys) == 0 {
			issues = append(issues, "auth_mode=required but no api keys configured")
		}
	case config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if cfg.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	if cfg.LiveTickInterval <= 0 {
		issues = append(issues, "live tick interval must be > 0")
	}
	if cfg.LiveMaxSessionDuration <= 0 {
		issues = append(issues, "live max session duration must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 || cfg.ReadTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}
	return issues
}

func (h ReadyHandler) storageIssue(ctx context.Context) string {
	if h.Repository == nil {
		return "calibration repository not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := h.Repository.Profiles(ctx); err != nil {
		return "calibration storage unavailable"
	}
	return ""
}

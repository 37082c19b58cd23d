package handlers

import (
	"net/http"

	"github.com/alignify/alignify/pkg/gateway/live/sessions"
	"github.com/alignify/alignify/pkg/gateway/mw"
)

// SessionsHandler reports the live sessions on this process
// (GET /v1/sessions).
type SessionsHandler struct {
	LiveSessions *sessions.Tracker
}

func (h SessionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, reqID, http.MethodGet)
		return
	}
	list := h.LiveSessions.List()
	if list == nil {
		list = []sessions.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list, "count": len(list)})
}

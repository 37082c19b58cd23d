package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/alignify/alignify/pkg/gateway/apierror"
)

// writeError maps err to the standard envelope and status.
func writeError(w http.ResponseWriter, reqID string, err error) {
	apiErr, status := apierror.FromError(err, reqID)
	apierror.WriteJSON(w, status, apiErr)
}

func writeAPIError(w http.ResponseWriter, reqID string, apiErr *apierror.Error, status int) {
	if apiErr != nil && apiErr.RequestID == "" {
		apiErr.RequestID = reqID
	}
	apierror.WriteJSON(w, status, apiErr)
}

func methodNotAllowed(w http.ResponseWriter, reqID string, allow string) {
	w.Header().Set("Allow", allow)
	writeAPIError(w, reqID, &apierror.Error{
		Type:    apierror.ErrInvalidRequest,
		Message: "method not allowed",
		Code:    "method_not_allowed",
	}, http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

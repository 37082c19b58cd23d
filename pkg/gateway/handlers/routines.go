package handlers

import (
	"net/http"

	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/mw"
	"github.com/alignify/alignify/pkg/routine"
)

type routineSummary struct {
	Name            string   `json:"name"`
	Title           string   `json:"title"`
	Poses           []string `json:"poses"`
	HoldSeconds     float64  `json:"hold_seconds"`
	Mirrored        bool     `json:"mirrored"`
	HorizontalBasis string   `json:"horizontal_basis"`
}

// RoutinesHandler lists the routines a live session may ask for
// (GET /v1/routines) or describes one (GET /v1/routines/{name}).
type RoutinesHandler struct {
	Routines *routine.Catalog
}

func (h RoutinesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		methodNotAllowed(w, reqID, http.MethodGet)
		return
	}
	if h.Routines == nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrUnavailable, Message: "no routines configured"}, http.StatusServiceUnavailable)
		return
	}

	if name := r.PathValue("name"); name != "" {
		summary, err := h.summary(name)
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	names := h.Routines.Names()
	out := make([]routineSummary, 0, len(names))
	for _, name := range names {
		summary, err := h.summary(name)
		if err != nil {
			writeError(w, reqID, err)
			return
		}
		out = append(out, summary)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h RoutinesHandler) summary(name string) (routineSummary, error) {
	cfg, err := h.Routines.Get(name)
	if err != nil {
		return routineSummary{}, err
	}
	return routineSummary{
		Name:            name,
		Title:           cfg.Title,
		Poses:           cfg.PoseSequence,
		HoldSeconds:     cfg.HoldDuration.Seconds(),
		Mirrored:        cfg.Mirrored,
		HorizontalBasis: string(cfg.Horizontal),
	}, nil
}

package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/gateway/apierror"
	"github.com/alignify/alignify/pkg/gateway/config"
	"github.com/alignify/alignify/pkg/gateway/metrics"
	"github.com/alignify/alignify/pkg/gateway/mw"
	"github.com/alignify/alignify/pkg/pose"
)

// CalibrationHandler serves stored calibrations:
//
//	GET    /v1/calibration
//	GET    /v1/calibration/{profile}
//	PUT    /v1/calibration/{profile}
//	GET    /v1/calibration/{profile}/{pose}
//	PUT    /v1/calibration/{profile}/{pose}
//	DELETE /v1/calibration/{profile}/{pose}
//
// A profile PUT replaces every pose of the profile, like a finished
// calibration pass does. A pose PUT replaces that one pose and keeps the rest.
type CalibrationHandler struct {
	Config     config.Config
	Repository calibration.Repository
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	// Now stamps poses stored through a pose PUT. Nil uses time.Now.
	Now func() time.Time
}

type calibrationSaved struct {
	Profile string   `json:"profile"`
	Poses   []string `json:"poses"`
}

func (h CalibrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if h.Repository == nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrUnavailable, Message: "calibration storage is not configured"}, http.StatusServiceUnavailable)
		return
	}

	profile := r.PathValue("profile")
	poseID := r.PathValue("pose")
	switch {
	case profile == "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, reqID, http.MethodGet)
			return
		}
		h.listProfiles(w, r, reqID)
	case poseID == "":
		switch r.Method {
		case http.MethodGet:
			h.getProfile(w, r, reqID, profile)
		case http.MethodPut:
			h.putProfile(w, r, reqID, profile)
		default:
			methodNotAllowed(w, reqID, "GET, PUT")
		}
	default:
		switch r.Method {
		case http.MethodGet:
			h.getPose(w, r, reqID, profile, poseID)
		case http.MethodPut:
			h.putPose(w, r, reqID, profile, poseID)
		case http.MethodDelete:
			h.deletePose(w, r, reqID, profile, poseID)
		default:
			methodNotAllowed(w, reqID, "GET, PUT, DELETE")
		}
	}
}

func (h CalibrationHandler) listProfiles(w http.ResponseWriter, r *http.Request, reqID string) {
	profiles, err := h.Repository.Profiles(r.Context())
	if err != nil {
		h.fail(w, reqID, "profiles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

func (h CalibrationHandler) getProfile(w http.ResponseWriter, r *http.Request, reqID, profile string) {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	refs, err := h.Repository.Load(r.Context(), profile)
	if err != nil {
		h.fail(w, reqID, "load", err)
		return
	}
	writeJSON(w, http.StatusOK, calibration.Encode(refs))
}

func (h CalibrationHandler) putProfile(w http.ResponseWriter, r *http.Request, reqID, profile string) {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	body, ok := h.readBody(w, r, reqID)
	if !ok {
		return
	}
	refs, err := calibration.Unmarshal(body)
	if err != nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: err.Error()}, http.StatusBadRequest)
		return
	}
	if len(refs) == 0 {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "calibration has no poses", Param: "poses"}, http.StatusBadRequest)
		return
	}
	// Store.Load applies the same checks a live session would.
	if err := calibration.NewStore().Load(refs); err != nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: err.Error(), Param: "poses"}, http.StatusBadRequest)
		return
	}
	if err := h.Repository.Save(r.Context(), profile, refs); err != nil {
		h.fail(w, reqID, "save", err)
		return
	}
	writeJSON(w, http.StatusOK, calibrationSaved{Profile: profile, Poses: calibration.PoseIDs(refs)})
}

// putPose stores one pose. The body is that pose's joint map, with positions
// as [x, y, z] arrays or {"x","y","z"} objects.
func (h CalibrationHandler) putPose(w http.ResponseWriter, r *http.Request, reqID, profile, poseID string) {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	body, ok := h.readBody(w, r, reqID)
	if !ok {
		return
	}
	var kp pose.Keypoints
	if err := json.Unmarshal(body, &kp); err != nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: fmt.Sprintf("decode pose %q: %v", poseID, err)}, http.StatusBadRequest)
		return
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	ref := calibration.Reference{PoseID: poseID, Keypoints: kp, CapturedAt: now().UTC()}
	if err := calibration.NewStore().Load(map[string]calibration.Reference{poseID: ref}); err != nil {
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: err.Error(), Param: "keypoints"}, http.StatusBadRequest)
		return
	}

	refs, err := h.Repository.Load(r.Context(), profile)
	switch {
	case errors.Is(err, calibration.ErrNotFound):
		refs = make(map[string]calibration.Reference, 1)
	case err != nil:
		h.fail(w, reqID, "load", err)
		return
	}
	refs[poseID] = ref
	if err := h.Repository.Save(r.Context(), profile, refs); err != nil {
		h.fail(w, reqID, "save", err)
		return
	}
	writeJSON(w, http.StatusOK, calibrationSaved{Profile: profile, Poses: calibration.PoseIDs(refs)})
}

func (h CalibrationHandler) readBody(w http.ResponseWriter, r *http.Request, reqID string) ([]byte, bool) {
	maxBytes := h.Config.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "request body too large", Code: "body_too_large"}, http.StatusRequestEntityTooLarge)
			return nil, false
		}
		writeAPIError(w, reqID, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "failed to read request body"}, http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (h CalibrationHandler) getPose(w http.ResponseWriter, r *http.Request, reqID, profile, poseID string) {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	refs, err := h.Repository.Load(r.Context(), profile)
	if err != nil {
		h.fail(w, reqID, "load", err)
		return
	}
	ref, ok := refs[poseID]
	if !ok {
		writeError(w, reqID, fmt.Errorf("pose %q in profile %q: %w", poseID, profile, calibration.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, calibration.Encode(map[string]calibration.Reference{poseID: ref}))
}

func (h CalibrationHandler) deletePose(w http.ResponseWriter, r *http.Request, reqID, profile, poseID string) {
	profile, err := calibration.CheckProfile(profile)
	if err != nil {
		writeError(w, reqID, err)
		return
	}
	if err := h.Repository.Delete(r.Context(), profile, poseID); err != nil {
		h.fail(w, reqID, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h CalibrationHandler) fail(w http.ResponseWriter, reqID, op string, err error) {
	if errors.Is(err, calibration.ErrPersistence) {
		h.Metrics.RecordPersistenceFailure(op)
		if h.Logger != nil {
			h.Logger.Error("calibration storage", "op", op, "request_id", reqID, "error", err)
		}
	}
	writeError(w, reqID, err)
}

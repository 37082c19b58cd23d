package apierror

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/routine"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_Overloaded_Is529(t *testing.T) {
	ce, status := FromError(&Error{Type: ErrOverloaded, Message: "overloaded"}, "req_test")
	if status != 529 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != ErrOverloaded || ce.RequestID != "req_test" {
		t.Fatalf("err=%+v", ce)
	}
}

func TestFromError_CalibrationErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    ErrorType
	}{
		{fmt.Errorf("profile %q: %w", "dana", calibration.ErrNotFound), 404, ErrNotFound},
		{fmt.Errorf("%w: %q", calibration.ErrInvalidProfile, "../x"), 400, ErrInvalidRequest},
		{fmt.Errorf("%w: disk full", calibration.ErrPersistence), 503, ErrUnavailable},
		{fmt.Errorf("%w %q", routine.ErrUnknownRoutine, "noon"), 404, ErrNotFound},
		{fmt.Errorf("boom"), 500, ErrAPI},
	}
	for _, tc := range cases {
		ce, status := FromError(tc.err, "req_1")
		if status != tc.status || ce.Type != tc.typ {
			t.Fatalf("%v: status=%d type=%q, want %d %q", tc.err, status, ce.Type, tc.status, tc.typ)
		}
	}

	ce, _ := FromError(fmt.Errorf("%w: /var/lib/secret: disk full", calibration.ErrPersistence), "")
	if ce.Message != "calibration storage unavailable" || ce.Code != "persistence_failed" {
		t.Fatalf("persistence error leaked details: %+v", ce)
	}
}

func TestWriteJSON_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, 404, &Error{Type: ErrNotFound, Message: "not found", RequestID: "req_2"})
	if rr.Code != 404 {
		t.Fatalf("status=%d", rr.Code)
	}
	var env Envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error == nil || env.Error.Type != ErrNotFound || env.Error.RequestID != "req_2" {
		t.Fatalf("envelope=%+v", env.Error)
	}
}

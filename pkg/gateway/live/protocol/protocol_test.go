package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alignify/alignify/pkg/align"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/pose"
)

func TestDecodeClientMessage_Hello(t *testing.T) {
	raw := []byte(`{
		"type":"hello",
		"protocol_version":"1",
		"profile":" dana ",
		"routine":"default",
		"reuse_calibration":true,
		"speech":true
	}`)

	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	hello, ok := msg.(ClientHello)
	if !ok {
		t.Fatalf("decoded type = %T, want ClientHello", msg)
	}
	if hello.ProtocolVersion != "1" || hello.Profile != "dana" || hello.Routine != "default" {
		t.Fatalf("hello=%+v", hello)
	}
	if !hello.ReuseCalibration || !hello.Speech || hello.Mirrored != nil {
		t.Fatalf("flags=%+v", hello)
	}
}

func TestDecodeClientMessage_HelloMissingRequired(t *testing.T) {
	cases := map[string]string{
		"protocol_version": `{"type":"hello","profile":"dana"}`,
		"profile":          `{"type":"hello","protocol_version":"1"}`,
	}
	for param, raw := range cases {
		_, err := DecodeClientMessage([]byte(raw))
		var decErr *DecodeError
		if !errors.As(err, &decErr) {
			t.Fatalf("%s: err = %v", param, err)
		}
		if decErr.Code != "bad_request" || decErr.Param != param {
			t.Fatalf("%s: code=%q param=%q", param, decErr.Code, decErr.Param)
		}
	}
}

func TestDecodeClientMessage_HelloRejectsPathProfile(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"hello","protocol_version":"1","profile":"../etc"}`))
	var decErr *DecodeError
	if !errors.As(err, &decErr) || decErr.Param != "profile" {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeClientMessage_Keypoints(t *testing.T) {
	raw := []byte(`{"type":"keypoints","t":1.5,"keypoints":{"LEFT_SHOULDER":[0.4,0.3,0],"12":{"x":0.6,"y":0.3,"z":0}}}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	kp, ok := msg.(ClientKeypoints)
	if !ok {
		t.Fatalf("decoded type = %T", msg)
	}
	if kp.T == nil || *kp.T != 1.5 {
		t.Fatalf("t=%v", kp.T)
	}
	frame := kp.Frame()
	if !frame.Detected() {
		t.Fatalf("frame not detected")
	}
	if got := frame.Keypoints()[pose.RightShoulder]; got.X != 0.6 {
		t.Fatalf("right shoulder=%+v", got)
	}
}

func TestDecodeClientMessage_EmptyKeypointsIsNotDetected(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"keypoints","keypoints":{}}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if msg.(ClientKeypoints).Frame().Detected() {
		t.Fatalf("empty frame reported as detected")
	}
}

func TestDecodeClientMessage_KeypointsRejectsUnknownJoint(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"keypoints","keypoints":{"TAIL":[0,0,0]}}`))
	var decErr *DecodeError
	if !errors.As(err, &decErr) || decErr.Code != "bad_request" {
		t.Fatalf("err = %v", err)
	}
}

func TestDecodeClientMessage_Control(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"control","op":"Recalibrate"}`))
	if err != nil {
		t.Fatalf("DecodeClientMessage() error = %v", err)
	}
	if got := msg.(ClientControl).Op; got != coach.CommandRecalibrate {
		t.Fatalf("op=%q", got)
	}
}

func TestDecodeClientMessage_UnsupportedControlOp(t *testing.T) {
	raw := []byte(`{"type":"control","op":"reboot"}`)
	_, err := DecodeClientMessage(raw)
	if err == nil {
		t.Fatalf("expected error")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "unsupported" {
		t.Fatalf("code=%q", decErr.Code)
	}
}

func TestDecodeClientMessage_BadEnvelope(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"type":"audio_frame"}`} {
		if _, err := DecodeClientMessage([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", raw)
		}
	}
}

func TestClientHelloRedaction(t *testing.T) {
	h := ClientHello{
		Type:            "hello",
		ProtocolVersion: "1",
		Profile:         "dana",
		Auth:            &HelloAuth{APIKey: "al_sk_secret"},
	}

	blob, err := json.Marshal(h.RedactedForLog())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(blob), "secret") {
		t.Fatalf("redacted payload leaked secret: %s", string(blob))
	}
	if !strings.Contains(string(blob), `"has_api_key":true`) {
		t.Fatalf("expected has_api_key in redacted payload: %s", string(blob))
	}
}

func TestFeedbackFrame(t *testing.T) {
	got := FeedbackFrame(coach.FeedbackEvent{
		PoseIndex: 1,
		PoseID:    "Warrior 2",
		Group:     "hands",
		Axis:      align.AxisVertical,
		Direction: align.Up,
		Message:   "Move your hands up",
		Severity:  0.25,
		Level:     coach.LevelMajor,
		Accuracy:  72,
	})
	blob, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, want := range []string{`"type":"feedback"`, `"direction":"up"`, `"severity":0.25`, `"level":"major"`, `"accuracy":72`} {
		if !strings.Contains(string(blob), want) {
			t.Fatalf("frame %s missing %s", blob, want)
		}
	}
}

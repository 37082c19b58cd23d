package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/pose"
)

const ProtocolVersion1 = "1"

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloAuth struct {
	APIKey string `json:"api_key,omitempty"`
}

type ClientHello struct {
	Type             string      `json:"type"`
	ProtocolVersion  string      `json:"protocol_version"`
	Client           HelloClient `json:"client,omitempty"`
	Auth             *HelloAuth  `json:"auth,omitempty"`
	Profile          string      `json:"profile"`
	Routine          string      `json:"routine,omitempty"`
	ReuseCalibration bool        `json:"reuse_calibration,omitempty"`
	Speech           bool        `json:"speech,omitempty"`
	// Mirrored overrides the routine's camera mirroring when set.
	Mirrored *bool `json:"mirrored,omitempty"`
}

// RedactedForLog drops the API key.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":              h.Type,
		"protocol_version":  h.ProtocolVersion,
		"client":            h.Client,
		"profile":           h.Profile,
		"routine":           h.Routine,
		"reuse_calibration": h.ReuseCalibration,
		"speech":            h.Speech,
		"has_api_key":       h.Auth != nil && strings.TrimSpace(h.Auth.APIKey) != "",
	}
}

// ClientKeypoints carries one frame from the client's pose extractor. An
// empty keypoint map means no person was detected.
type ClientKeypoints struct {
	Type      string         `json:"type"`
	T         *float64       `json:"t,omitempty"`
	Keypoints pose.Keypoints `json:"keypoints"`
}

func (m ClientKeypoints) Frame() pose.Frame {
	if len(m.Keypoints) == 0 {
		return pose.NotDetected()
	}
	return pose.Detected(m.Keypoints)
}

type ClientControl struct {
	Type string        `json:"type"`
	Op   coach.Command `json:"op"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "keypoints":
		var msg ClientKeypoints
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid keypoints frame: "+err.Error(), "keypoints")
		}
		if msg.T != nil && *msg.T < 0 {
			return nil, badRequest("keypoints.t must be >= 0", "t")
		}
		return msg, nil
	case "control":
		var raw struct {
			Op string `json:"op"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, badRequest("invalid control", "")
		}
		if strings.TrimSpace(raw.Op) == "" {
			return nil, badRequest("control.op is required", "op")
		}
		cmd, err := coach.ParseCommand(raw.Op)
		if err != nil {
			return nil, unsupported("unsupported control operation", "op")
		}
		return ClientControl{Type: typ, Op: cmd}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks required fields and normalizes the profile name.
func ValidateHello(msg *ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	msg.Profile = strings.TrimSpace(msg.Profile)
	if msg.Profile == "" {
		return badRequest("hello.profile is required", "profile")
	}
	if strings.ContainsAny(msg.Profile, `/\`) || strings.HasPrefix(msg.Profile, ".") {
		return badRequest("hello.profile must be a plain name", "profile")
	}
	msg.Routine = strings.TrimSpace(msg.Routine)
	return nil
}

type HelloAckLimits struct {
	MaxJSONMessageBytes int64 `json:"max_json_message_bytes"`
	MaxKeypointFPS      int   `json:"max_keypoint_fps,omitempty"`
	MaxKeypointBPS      int64 `json:"max_keypoint_bps,omitempty"`
	InboundBurstSeconds int   `json:"inbound_burst_seconds,omitempty"`
	TickIntervalMS      int64 `json:"tick_interval_ms"`
	MaxSessionMS        int64 `json:"max_session_ms"`
}

type ServerHelloAck struct {
	Type             string          `json:"type"`
	ProtocolVersion  string          `json:"protocol_version"`
	SessionID        string          `json:"session_id"`
	Profile          string          `json:"profile"`
	Routine          string          `json:"routine"`
	Title            string          `json:"title,omitempty"`
	Poses            []string        `json:"poses"`
	ReuseCalibration bool            `json:"reuse_calibration"`
	Speech           bool            `json:"speech"`
	Limits           *HelloAckLimits `json:"limits,omitempty"`
}

type ServerPhase struct {
	Type      string `json:"type"`
	Phase     string `json:"phase"`
	PoseIndex int    `json:"pose_index"`
	PoseID    string `json:"pose_id,omitempty"`
}

type ServerAnnouncement struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerFeedback struct {
	Type      string  `json:"type"`
	PoseIndex int     `json:"pose_index"`
	PoseID    string  `json:"pose_id"`
	Group     string  `json:"group"`
	Axis      string  `json:"axis"`
	Direction string  `json:"direction"`
	Message   string  `json:"message"`
	Severity  float64 `json:"severity"`
	Level     string  `json:"level"`
	Accuracy  int     `json:"accuracy"`
}

type ServerProgress struct {
	Type       string `json:"type"`
	Calibrated int    `json:"calibrated"`
	Total      int    `json:"total"`
}

type ServerHold struct {
	Type             string `json:"type"`
	PoseIndex        int    `json:"pose_index"`
	RemainingSeconds int    `json:"remaining_s"`
	Accuracy         int    `json:"accuracy"`
}

type ServerCompleted struct {
	Type string `json:"type"`
}

type ServerCalibrationSaved struct {
	Type    string   `json:"type"`
	Profile string   `json:"profile"`
	Poses   []string `json:"poses"`
}

type ServerSpeechAudio struct {
	Type     string `json:"type"`
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Format   string `json:"format"`
	AudioB64 string `json:"audio_b64"`
}

type ServerError struct {
	Type      string         `json:"type"`
	Scope     string         `json:"scope,omitempty"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Close     bool           `json:"close,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func FeedbackFrame(fb coach.FeedbackEvent) ServerFeedback {
	return ServerFeedback{
		Type:      "feedback",
		PoseIndex: fb.PoseIndex,
		PoseID:    fb.PoseID,
		Group:     fb.Group,
		Axis:      string(fb.Axis),
		Direction: string(fb.Direction),
		Message:   fb.Message,
		Severity:  fb.Severity,
		Level:     string(fb.Level),
		Accuracy:  fb.Accuracy,
	}
}

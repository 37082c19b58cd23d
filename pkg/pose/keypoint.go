package pose

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoPoseDetected reports a frame (or capture attempt) without any body
// keypoints. It is transient: the next frame may well contain a pose.
var ErrNoPoseDetected = errors.New("no pose detected")

// Keypoint is a normalized landmark position. X and Y are in [0,1] relative to
// the image frame; Z is relative depth.
type Keypoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// UnmarshalJSON accepts {"x":..,"y":..,"z":..} or an [x, y] / [x, y, z]
// array.
func (k *Keypoint) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var xyz []float64
		if err := json.Unmarshal(data, &xyz); err != nil {
			return err
		}
		if len(xyz) < 2 || len(xyz) > 3 {
			return fmt.Errorf("keypoint array must have 2 or 3 values, got %d", len(xyz))
		}
		*k = Keypoint{X: xyz[0], Y: xyz[1]}
		if len(xyz) == 3 {
			k.Z = xyz[2]
		}
		return nil
	}
	type plain Keypoint
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*k = Keypoint(p)
	return nil
}

// Keypoints maps landmarks to positions. Values are treated as immutable once
// handed to a Frame or a calibration store.
type Keypoints map[Joint]Keypoint

func (k Keypoints) Clone() Keypoints {
	if k == nil {
		return nil
	}
	out := make(Keypoints, len(k))
	for j, p := range k {
		out[j] = p
	}
	return out
}

// Has reports whether every joint is present.
func (k Keypoints) Has(joints ...Joint) bool {
	for _, j := range joints {
		if _, ok := k[j]; !ok {
			return false
		}
	}
	return true
}

// Frame is one reading from a keypoint source: either a detected body or
// nothing.
type Frame struct {
	keypoints Keypoints
}

// Detected wraps a keypoint set. An empty set yields a not-detected frame.
func Detected(kp Keypoints) Frame {
	if len(kp) == 0 {
		return Frame{}
	}
	return Frame{keypoints: kp}
}

func NotDetected() Frame {
	return Frame{}
}

func (f Frame) Detected() bool {
	return len(f.keypoints) > 0
}

// Keypoints returns the detected set, or nil for a not-detected frame.
func (f Frame) Keypoints() Keypoints {
	return f.keypoints
}

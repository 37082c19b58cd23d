// Package pose defines the keypoint vocabulary shared by the evaluator, the
// calibration store and the session state machine.
package pose

import (
	"fmt"
	"strconv"
	"strings"
)

// Joint identifies one of the 33 canonical body landmarks. The numeric value
// matches the landmark index emitted by MediaPipe-style pose extractors.
type Joint int

const (
	Nose Joint = iota
	LeftEyeInner
	LeftEye
	LeftEyeOuter
	RightEyeInner
	RightEye
	RightEyeOuter
	LeftEar
	RightEar
	MouthLeft
	MouthRight
	LeftShoulder
	RightShoulder
	LeftElbow
	RightElbow
	LeftWrist
	RightWrist
	LeftPinky
	RightPinky
	LeftIndex
	RightIndex
	LeftThumb
	RightThumb
	LeftHip
	RightHip
	LeftKnee
	RightKnee
	LeftAnkle
	RightAnkle
	LeftHeel
	RightHeel
	LeftFootIndex
	RightFootIndex

	jointCount
)

var jointNames = [jointCount]string{
	"NOSE",
	"LEFT_EYE_INNER",
	"LEFT_EYE",
	"LEFT_EYE_OUTER",
	"RIGHT_EYE_INNER",
	"RIGHT_EYE",
	"RIGHT_EYE_OUTER",
	"LEFT_EAR",
	"RIGHT_EAR",
	"MOUTH_LEFT",
	"MOUTH_RIGHT",
	"LEFT_SHOULDER",
	"RIGHT_SHOULDER",
	"LEFT_ELBOW",
	"RIGHT_ELBOW",
	"LEFT_WRIST",
	"RIGHT_WRIST",
	"LEFT_PINKY",
	"RIGHT_PINKY",
	"LEFT_INDEX",
	"RIGHT_INDEX",
	"LEFT_THUMB",
	"RIGHT_THUMB",
	"LEFT_HIP",
	"RIGHT_HIP",
	"LEFT_KNEE",
	"RIGHT_KNEE",
	"LEFT_ANKLE",
	"RIGHT_ANKLE",
	"LEFT_HEEL",
	"RIGHT_HEEL",
	"LEFT_FOOT_INDEX",
	"RIGHT_FOOT_INDEX",
}

var jointsByName = func() map[string]Joint {
	m := make(map[string]Joint, jointCount)
	for i, name := range jointNames {
		m[name] = Joint(i)
	}
	return m
}()

// JointCount is the number of known landmarks.
const JointCount = int(jointCount)

func (j Joint) Valid() bool {
	return j >= 0 && j < jointCount
}

func (j Joint) String() string {
	if !j.Valid() {
		return "Joint(" + strconv.Itoa(int(j)) + ")"
	}
	return jointNames[j]
}

// MarshalText encodes the joint by its canonical name so maps keyed by Joint
// serialize as {"LEFT_WRIST": ...}.
func (j Joint) MarshalText() ([]byte, error) {
	if !j.Valid() {
		return nil, fmt.Errorf("invalid joint %d", int(j))
	}
	return []byte(jointNames[j]), nil
}

func (j *Joint) UnmarshalText(text []byte) error {
	parsed, err := ParseJoint(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// ParseJoint accepts a canonical landmark name (case-insensitive, "-" or " "
// allowed in place of "_") or a decimal landmark index.
func ParseJoint(s string) (Joint, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty joint name")
	}
	if idx, err := strconv.Atoi(raw); err == nil {
		return JointFromIndex(idx)
	}
	name := strings.ToUpper(raw)
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	if j, ok := jointsByName[name]; ok {
		return j, nil
	}
	return 0, fmt.Errorf("unknown joint %q", s)
}

func JointFromIndex(i int) (Joint, error) {
	j := Joint(i)
	if !j.Valid() {
		return 0, fmt.Errorf("joint index %d out of range [0,%d)", i, JointCount)
	}
	return j, nil
}

// Joints returns every known landmark in index order.
func Joints() []Joint {
	out := make([]Joint, 0, jointCount)
	for j := range jointCount {
		out = append(out, j)
	}
	return out
}

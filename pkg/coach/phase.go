package coach

import "fmt"

type Phase int

const (
	PhaseWarmup Phase = iota
	PhaseCalibration
	PhaseCalibrationCapture
	PhaseCalibrationDelay
	PhaseCalibrationComplete
	PhaseCountdown
	PhaseActivePose
	PhaseHoldAchieved
	PhaseTransition
	PhaseCompleted
)

var phaseNames = [...]string{
	PhaseWarmup:              "warmup",
	PhaseCalibration:         "calibration",
	PhaseCalibrationCapture:  "calibration_capture",
	PhaseCalibrationDelay:    "calibration_delay",
	PhaseCalibrationComplete: "calibration_complete",
	PhaseCountdown:           "countdown",
	PhaseActivePose:          "active_pose",
	PhaseHoldAchieved:        "hold_achieved",
	PhaseTransition:          "transition",
	PhaseCompleted:           "completed",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// Evaluating reports whether frames in this phase are compared against the
// current pose's reference.
func (p Phase) Evaluating() bool {
	return p == PhaseActivePose || p == PhaseHoldAchieved
}

// Calibrating reports whether the phase belongs to the calibration pass.
func (p Phase) Calibrating() bool {
	switch p {
	case PhaseCalibration, PhaseCalibrationCapture, PhaseCalibrationDelay:
		return true
	}
	return false
}

package coach

import (
	"time"

	"github.com/alignify/alignify/pkg/align"
	"github.com/alignify/alignify/pkg/calibration"
)

type EventKind string

const (
	EventPhaseChanged     EventKind = "phase_changed"
	EventAnnouncement     EventKind = "announcement"
	EventFeedback         EventKind = "feedback"
	EventProgress         EventKind = "progress"
	EventHoldProgress     EventKind = "hold_progress"
	EventCalibrationReady EventKind = "calibration_ready"
	EventCompleted        EventKind = "completed"
)

// Event is one observable outcome of a tick or command. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind      EventKind
	At        time.Time
	Phase     Phase
	PoseIndex int
	PoseID    string

	// Text is the spoken/displayed line for EventAnnouncement.
	Text string

	Feedback *FeedbackEvent

	// Calibrated and Total describe EventProgress.
	Calibrated int
	Total      int

	// HoldRemaining and Accuracy describe EventHoldProgress.
	HoldRemaining time.Duration
	Accuracy      int

	// Calibration is the exported store for EventCalibrationReady.
	Calibration map[string]calibration.Reference
}

// Level buckets a correction's severity for display and metrics.
type Level string

const (
	LevelMinor Level = "minor"
	LevelMajor Level = "major"
)

// FeedbackEvent is a single corrective instruction for the current pose.
type FeedbackEvent struct {
	PoseIndex int
	PoseID    string
	Group     string
	Axis      align.Axis
	Direction align.Direction
	Message   string
	// Severity is the positional error along Axis, in normalized
	// coordinates.
	Severity float64
	Level    Level
	// Accuracy is the whole-body similarity percentage, 0 when no scored
	// joint was comparable.
	Accuracy int
}

// levelOf reports major once a deviation reaches twice its threshold.
func levelOf(c align.Correction, opts align.Options) Level {
	limit := opts.XThreshold
	if c.Axis == align.AxisVertical {
		limit = opts.YThreshold
	}
	if c.Magnitude >= 2*limit {
		return LevelMajor
	}
	return LevelMinor
}

package coach

import (
	"time"

	"github.com/alignify/alignify/pkg/calibration"
)

// Sink receives session events. Implementations run on their own goroutine
// when fed through a dispatcher and may block without stalling the session.
type Sink interface {
	OnPhaseChange(phase Phase, poseIndex int)
	OnFeedback(fb FeedbackEvent)
	OnProgress(calibrated, total int)
	OnCompleted()
	OnAnnouncement(text string)
	OnCalibrationReady(refs map[string]calibration.Reference)
	OnHoldProgress(poseIndex int, remaining time.Duration, accuracy int)
}

// NopSink ignores every event. Embed it to implement only the callbacks a
// sink cares about.
type NopSink struct{}

func (NopSink) OnPhaseChange(Phase, int) {}
func (NopSink) OnFeedback(FeedbackEvent) {}
func (NopSink) OnProgress(int, int) {}
func (NopSink) OnCompleted() {}
func (NopSink) OnAnnouncement(string) {}
func (NopSink) OnCalibrationReady(map[string]calibration.Reference) {}
func (NopSink) OnHoldProgress(int, time.Duration, int) {}

// Deliver routes ev to the matching Sink callback.
func Deliver(s Sink, ev Event) {
	switch ev.Kind {
	case EventPhaseChanged:
		s.OnPhaseChange(ev.Phase, ev.PoseIndex)
	case EventAnnouncement:
		s.OnAnnouncement(ev.Text)
	case EventFeedback:
		if ev.Feedback != nil {
			s.OnFeedback(*ev.Feedback)
		}
	case EventProgress:
		s.OnProgress(ev.Calibrated, ev.Total)
	case EventHoldProgress:
		s.OnHoldProgress(ev.PoseIndex, ev.HoldRemaining, ev.Accuracy)
	case EventCalibrationReady:
		s.OnCalibrationReady(ev.Calibration)
	case EventCompleted:
		s.OnCompleted()
	}
}

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"time"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/coach"
	"github.com/alignify/alignify/pkg/gateway/live/protocol"
	"github.com/alignify/alignify/pkg/speech"
)

// wsSink turns session events into server frames. Phase changes and
// completion must reach the client; the rest may be dropped under
// backpressure since a newer one follows shortly.
type wsSink struct {
	s *LiveSession
}

func (w *wsSink) send(v any, required bool) {
	err := w.s.sendJSON(v)
	if err == nil {
		return
	}
	if errors.Is(err, errBackpressure) {
		if required {
			w.s.signalSlowConsumer()
		}
		return
	}
	w.s.logger.Warn("encode server frame", "error", err)
}

func (w *wsSink) OnPhaseChange(phase coach.Phase, poseIndex int) {
	frame := protocol.ServerPhase{Type: "phase", Phase: phase.String(), PoseIndex: poseIndex}
	if poseIndex >= 0 && poseIndex < len(w.s.routine.PoseSequence) {
		frame.PoseID = w.s.routine.PoseSequence[poseIndex]
	}
	w.send(frame, true)
}

func (w *wsSink) OnAnnouncement(text string) {
	w.send(protocol.ServerAnnouncement{Type: "announcement", Text: text}, false)
}

func (w *wsSink) OnFeedback(fb coach.FeedbackEvent) {
	w.send(protocol.FeedbackFrame(fb), false)
}

func (w *wsSink) OnProgress(calibrated, total int) {
	w.send(protocol.ServerProgress{Type: "progress", Calibrated: calibrated, Total: total}, true)
}

func (w *wsSink) OnHoldProgress(poseIndex int, remaining time.Duration, accuracy int) {
	w.send(protocol.ServerHold{
		Type:             "hold",
		PoseIndex:        poseIndex,
		RemainingSeconds: int((remaining + time.Second - 1) / time.Second),
		Accuracy:         accuracy,
	}, false)
}

func (w *wsSink) OnCalibrationReady(map[string]calibration.Reference) {}

func (w *wsSink) OnCompleted() {
	w.send(protocol.ServerCompleted{Type: "completed"}, true)
}

// persistSink saves a finished calibration pass under the session profile.
// A failed save is reported to the client and leaves the session running on
// its in-memory references.
type persistSink struct {
	coach.NopSink
	s *LiveSession
}

func (p *persistSink) OnCalibrationReady(refs map[string]calibration.Reference) {
	s := p.s
	if s.repo == nil || len(refs) == 0 {
		return
	}
	// Not tied to the session context: a pass finished just before the
	// client disconnects is still saved.
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PersistTimeout)
	defer cancel()
	if err := s.repo.Save(ctx, s.hello.Profile, refs); err != nil {
		s.metrics.RecordPersistenceFailure("save")
		s.logger.Warn("calibration save failed", "error", err)
		_ = s.sendWarning("persistence_failed", "calibration could not be saved")
		return
	}
	s.logger.Info("calibration saved", "poses", len(refs))
	_ = s.sendJSON(protocol.ServerCalibrationSaved{
		Type:    "calibration_saved",
		Profile: s.hello.Profile,
		Poses:   calibration.PoseIDs(refs),
	})
}

func speechFrame(u speech.Utterance) protocol.ServerSpeechAudio {
	return protocol.ServerSpeechAudio{
		Type:     "speech_audio",
		Kind:     string(u.Kind),
		Text:     u.Text,
		Format:   u.Format,
		AudioB64: base64.StdEncoding.EncodeToString(u.Audio),
	}
}

// Package coach runs a guided pose session: warm-up, per-pose calibration,
// then timed holds with corrective feedback against the calibrated poses.
package coach

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alignify/alignify/pkg/align"
	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/pose"
)

// Machine is the session state machine. Tick, Advance and the commands must
// be called from one goroutine; Snapshot is safe from any goroutine.
type Machine struct {
	cfg    Config
	opts   align.Options
	store  *calibration.Store
	logger *slog.Logger

	phase          Phase
	enteredAt      time.Time
	poseIndex      int
	calWait        time.Duration
	holdSince      time.Time
	lastFeedbackAt time.Time
	lastHoldSecond int64
	lastFeedback   *FeedbackEvent

	status atomic.Pointer[Status]
}

// Option configures a Machine in New.
type Option func(*Machine)

// WithLogger sets the logger for phase and capture debug lines. Nil keeps
// slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// New builds a machine in Warmup. A nil store gets a fresh one.
func New(cfg Config, store *calibration.Store, opts ...Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	if store == nil {
		store = calibration.NewStore()
	}
	m := &Machine{
		cfg:    cfg,
		opts:   cfg.alignOptions(),
		store:  store,
		logger: slog.Default(),
		phase:  PhaseWarmup,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.publishStatus()
	return m, nil
}

func (m *Machine) Config() Config { return m.cfg }
func (m *Machine) Store() *calibration.Store { return m.store }
func (m *Machine) Phase() Phase { return m.phase }
func (m *Machine) PoseIndex() int { return m.poseIndex }
func (m *Machine) poseID(i int) string { return m.cfg.PoseSequence[i] }
func (m *Machine) poseCount() int { return len(m.cfg.PoseSequence) }
func (m *Machine) elapsed(now time.Time) time.Duration { return now.Sub(m.enteredAt) }

// Begin starts the warm-up clock and returns the opening events.
func (m *Machine) Begin(now time.Time) []Event {
	var out events
	m.enter(&out, now, PhaseWarmup, 0)
	out.announce(m, now, fmt.Sprintf("Welcome to %s. Get ready for a warm-up.", m.cfg.Title))
	m.publishStatus()
	return out
}

// Tick processes one delivered frame at now.
func (m *Machine) Tick(now time.Time, frame pose.Frame) []Event {
	var out events
	m.step(&out, now, &frame)
	m.publishStatus()
	return out
}

// Advance processes a clock-only tick. Phases that wait on a frame do
// nothing.
func (m *Machine) Advance(now time.Time) []Event {
	var out events
	m.step(&out, now, nil)
	m.publishStatus()
	return out
}

func (m *Machine) step(out *events, now time.Time, frame *pose.Frame) {
	switch m.phase {
	case PhaseWarmup:
		if m.elapsed(now) < m.cfg.WarmupDuration {
			return
		}
		if m.cfg.ReuseCalibration && m.store.Has(m.cfg.PoseSequence...) {
			m.poseIndex = m.poseCount() - 1
			out.progress(m, now, m.poseCount())
			m.completeCalibration(out, now, false)
			return
		}
		m.startCalibration(out, now, "Warm-up complete. Let's begin calibration. Please mimic the pose shown on the screen.")

	case PhaseCalibration:
		if m.elapsed(now) < m.calWait {
			return
		}
		m.enter(out, now, PhaseCalibrationCapture, m.poseIndex)
		if frame != nil {
			m.capture(out, now, *frame)
		}

	case PhaseCalibrationCapture:
		if frame != nil {
			m.capture(out, now, *frame)
		}

	case PhaseCalibrationDelay:
		if m.elapsed(now) < m.cfg.CalibrationDelay {
			return
		}
		next := m.poseIndex + 1
		if next < m.poseCount() {
			m.calWait = m.cfg.CalibrationSettle
			m.enter(out, now, PhaseCalibration, next)
			out.announce(m, now, fmt.Sprintf("Get ready for %s.", m.poseID(next)))
			return
		}
		m.completeCalibration(out, now, true)

	case PhaseCountdown:
		if m.elapsed(now) < m.cfg.CountdownDuration {
			return
		}
		m.holdSince = time.Time{}
		m.enter(out, now, PhaseActivePose, 0)
		out.announce(m, now, "Let's begin your yoga session!")

	case PhaseActivePose, PhaseHoldAchieved:
		if frame != nil {
			m.evaluate(out, now, *frame)
		}

	case PhaseTransition:
		if m.elapsed(now) < m.cfg.TransitionDelay {
			return
		}
		next := m.poseIndex + 1
		if next < m.poseCount() {
			m.holdSince = time.Time{}
			m.enter(out, now, PhaseActivePose, next)
			out.announce(m, now, fmt.Sprintf("Next pose: %s", m.poseID(next)))
			return
		}
		m.finish(out, now, fmt.Sprintf("Congratulations! You've completed the %s routine!", m.cfg.Title))

	case PhaseCalibrationComplete, PhaseCompleted:
	}
}

func (m *Machine) startCalibration(out *events, now time.Time, text string) {
	m.calWait = m.cfg.CalibrationLeadIn + m.cfg.CalibrationSettle
	m.enter(out, now, PhaseCalibration, 0)
	out.announce(m, now, text)
	out.progress(m, now, 0)
}

func (m *Machine) capture(out *events, now time.Time, frame pose.Frame) {
	id := m.poseID(m.poseIndex)
	if err := m.store.Capture(id, frame.Keypoints(), now); err != nil {
		m.logger.Debug("calibration capture failed", "pose_index", m.poseIndex, "pose_id", id, "error", err)
		m.calWait = m.cfg.CalibrationSettle
		m.enter(out, now, PhaseCalibration, m.poseIndex)
		out.announce(m, now, fmt.Sprintf("Pose not detected for %s. Please try again.", id))
		return
	}
	m.enter(out, now, PhaseCalibrationDelay, m.poseIndex)
	out.announce(m, now, fmt.Sprintf("%s calibrated.", id))
	out.progress(m, now, m.poseIndex+1)
}

func (m *Machine) completeCalibration(out *events, now time.Time, export bool) {
	m.enter(out, now, PhaseCalibrationComplete, m.poseIndex)
	out.announce(m, now, "Calibration complete. Press Start Session when you're ready.")
	if export {
		out.add(m, Event{Kind: EventCalibrationReady, At: now, Calibration: m.store.ExportAll()})
	}
}

func (m *Machine) finish(out *events, now time.Time, text string) {
	m.holdSince = time.Time{}
	m.enter(out, now, PhaseCompleted, m.poseIndex)
	out.announce(m, now, text)
	out.add(m, Event{Kind: EventCompleted, At: now})
}

// evaluate handles a frame in ActivePose or HoldAchieved. Frames without a
// detected pose, without a reference, or without any comparable group are
// treated as no signal and change nothing.
func (m *Machine) evaluate(out *events, now time.Time, frame pose.Frame) {
	if !frame.Detected() {
		return
	}
	id := m.poseID(m.poseIndex)
	ref, ok := m.store.Get(id)
	if !ok {
		m.logger.Warn("no calibration reference for active pose", "pose_index", m.poseIndex, "pose_id", id)
		return
	}
	user := frame.Keypoints()
	report := align.Assess(user, ref.Keypoints, m.cfg.Groups, m.opts)
	if report.Compared == 0 {
		return
	}
	accuracy, _ := align.Accuracy(user, ref.Keypoints)

	if report.HasCorrection {
		if m.phase == PhaseHoldAchieved {
			m.enter(out, now, PhaseActivePose, m.poseIndex)
		}
		m.holdSince = time.Time{}
		if !m.lastFeedbackAt.IsZero() && now.Sub(m.lastFeedbackAt) < m.cfg.FeedbackMinInterval {
			return
		}
		c := report.Correction
		fb := FeedbackEvent{
			PoseIndex: m.poseIndex,
			PoseID:    id,
			Group:     c.Group,
			Axis:      c.Axis,
			Direction: c.Direction,
			Message:   c.Message(),
			Severity:  c.Magnitude,
			Level:     levelOf(c, m.opts),
			Accuracy:  accuracy,
		}
		m.lastFeedbackAt = now
		m.lastFeedback = &fb
		out.add(m, Event{Kind: EventFeedback, At: now, Feedback: &fb})
		return
	}

	if m.phase == PhaseActivePose {
		m.holdSince = now
		m.lastHoldSecond = -1
		m.enter(out, now, PhaseHoldAchieved, m.poseIndex)
		out.announce(m, now, "Perfect! Hold this pose.")
	}
	held := now.Sub(m.holdSince)
	if held >= m.cfg.HoldDuration {
		m.holdSince = time.Time{}
		m.enter(out, now, PhaseTransition, m.poseIndex)
		out.announce(m, now, fmt.Sprintf("Good job on %s.", id))
		return
	}
	remaining := m.cfg.HoldDuration - held
	if sec := int64((remaining + time.Second - 1) / time.Second); sec != m.lastHoldSecond {
		m.lastHoldSecond = sec
		out.add(m, Event{Kind: EventHoldProgress, At: now, HoldRemaining: remaining, Accuracy: accuracy})
	}
}

func (m *Machine) enter(out *events, now time.Time, phase Phase, poseIndex int) {
	m.phase = phase
	m.poseIndex = poseIndex
	m.enteredAt = now
	out.add(m, Event{Kind: EventPhaseChanged, At: now})
	m.logger.Debug("session phase changed", "phase", phase.String(), "pose_index", poseIndex)
}

// events collects a tick's output, stamping the phase and pose at the time
// each event is added.
type events []Event

func (e *events) add(m *Machine, ev Event) {
	ev.Phase = m.phase
	ev.PoseIndex = m.poseIndex
	ev.PoseID = m.poseID(m.poseIndex)
	*e = append(*e, ev)
}

func (e *events) announce(m *Machine, now time.Time, text string) {
	e.add(m, Event{Kind: EventAnnouncement, At: now, Text: text})
}

func (e *events) progress(m *Machine, now time.Time, calibrated int) {
	e.add(m, Event{Kind: EventProgress, At: now, Calibrated: calibrated, Total: m.poseCount()})
}

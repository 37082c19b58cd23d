package coach

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCommand is wrapped by *CommandError when a command arrives in a
// phase that does not accept it. The machine state is left unchanged.
var ErrInvalidCommand = errors.New("command not accepted in current phase")

type Command string

const (
	CommandStart       Command = "start"
	CommandRecalibrate Command = "recalibrate"
	CommandEndSession  Command = "end_session"
)

func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandStart, CommandRecalibrate, CommandEndSession:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

type CommandError struct {
	Command Command
	Phase   Phase
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s not accepted in phase %s", ErrInvalidCommand, e.Command, e.Phase)
}

func (e *CommandError) Unwrap() error { return ErrInvalidCommand }

var acceptedIn = map[Command][]Phase{
	CommandStart:       {PhaseCalibrationComplete},
	CommandRecalibrate: {PhaseCalibrationComplete, PhaseActivePose, PhaseHoldAchieved, PhaseTransition, PhaseCompleted},
	CommandEndSession:  {PhaseCountdown, PhaseActivePose, PhaseHoldAchieved, PhaseTransition},
}

// Accepts reports whether cmd is valid in the current phase.
func (m *Machine) Accepts(cmd Command) bool {
	for _, p := range acceptedIn[cmd] {
		if p == m.phase {
			return true
		}
	}
	return false
}

// Apply runs cmd at now.
func (m *Machine) Apply(now time.Time, cmd Command) ([]Event, error) {
	switch cmd {
	case CommandStart:
		return m.Start(now)
	case CommandRecalibrate:
		return m.Recalibrate(now)
	case CommandEndSession:
		return m.EndSession(now)
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}

// Start begins the countdown to the guided session.
func (m *Machine) Start(now time.Time) ([]Event, error) {
	if !m.Accepts(CommandStart) {
		return nil, &CommandError{Command: CommandStart, Phase: m.phase}
	}
	var out events
	m.enter(&out, now, PhaseCountdown, 0)
	out.announce(m, now, "Calibration complete. Get ready for your guided yoga session!")
	m.publishStatus()
	return out, nil
}

// Recalibrate clears the calibration store and restarts calibration at the
// first pose.
func (m *Machine) Recalibrate(now time.Time) ([]Event, error) {
	if !m.Accepts(CommandRecalibrate) {
		return nil, &CommandError{Command: CommandRecalibrate, Phase: m.phase}
	}
	m.store.Reset()
	m.holdSince = time.Time{}
	m.lastFeedbackAt = time.Time{}
	m.lastFeedback = nil
	var out events
	m.startCalibration(&out, now, "Let's recalibrate. Please mimic the pose shown on the screen.")
	m.publishStatus()
	return out, nil
}

// EndSession stops a running session early.
func (m *Machine) EndSession(now time.Time) ([]Event, error) {
	if !m.Accepts(CommandEndSession) {
		return nil, &CommandError{Command: CommandEndSession, Phase: m.phase}
	}
	var out events
	m.finish(&out, now, "Session ended. Great work today!")
	m.publishStatus()
	return out, nil
}

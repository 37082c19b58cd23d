package coach

import "time"

// Status is a point-in-time copy of the machine's state.
type Status struct {
	Phase          Phase
	PoseIndex      int
	PoseID         string
	PoseCount      int
	Calibrated     int
	PhaseEnteredAt time.Time
	// HoldSince is zero unless the phase is HoldAchieved.
	HoldSince      time.Time
	LastFeedbackAt time.Time
	LastFeedback   *FeedbackEvent
}

// Snapshot returns the state as of the last completed tick or command.
func (m *Machine) Snapshot() Status {
	if s := m.status.Load(); s != nil {
		return *s
	}
	return Status{}
}

func (m *Machine) publishStatus() {
	calibrated := 0
	for _, id := range m.cfg.PoseSequence {
		if m.store.Has(id) {
			calibrated++
		}
	}
	s := &Status{
		Phase:          m.phase,
		PoseIndex:      m.poseIndex,
		PoseID:         m.poseID(m.poseIndex),
		PoseCount:      m.poseCount(),
		Calibrated:     calibrated,
		PhaseEnteredAt: m.enteredAt,
		HoldSince:      m.holdSince,
		LastFeedbackAt: m.lastFeedbackAt,
	}
	if m.lastFeedback != nil {
		fb := *m.lastFeedback
		s.LastFeedback = &fb
	}
	m.status.Store(s)
}

// Package calibration holds the reference keypoints captured for each pose.
package calibration

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alignify/alignify/pkg/pose"
)

var (
	// ErrCaptureFailed is returned by Capture when there is nothing to store.
	// It always wraps pose.ErrNoPoseDetected.
	ErrCaptureFailed = errors.New("calibration capture failed")

	// ErrPersistence marks failures of a Repository. It never implies that the
	// in-memory store changed.
	ErrPersistence = errors.New("calibration persistence failure")

	ErrNotFound = errors.New("calibration not found")

	ErrInvalidProfile = errors.New("invalid calibration profile")
)

// Reference is the captured baseline for one pose.
type Reference struct {
	PoseID     string
	Keypoints  pose.Keypoints
	CapturedAt time.Time
}

func (r Reference) clone() Reference {
	r.Keypoints = r.Keypoints.Clone()
	return r
}

// Store keeps at most one Reference per pose id. Every write swaps in a new
// immutable snapshot, so readers on other goroutines never observe a partial
// capture.
type Store struct {
	refs atomic.Pointer[map[string]Reference]
}

func NewStore() *Store {
	s := &Store{}
	empty := map[string]Reference{}
	s.refs.Store(&empty)
	return s
}

func (s *Store) snapshot() map[string]Reference {
	if p := s.refs.Load(); p != nil {
		return *p
	}
	return nil
}

// Capture stores kp as the reference for poseID, replacing any previous one.
// An empty set leaves the store untouched.
func (s *Store) Capture(poseID string, kp pose.Keypoints, at time.Time) error {
	poseID = strings.TrimSpace(poseID)
	if poseID == "" {
		return fmt.Errorf("%w: pose id is required", ErrCaptureFailed)
	}
	if len(kp) == 0 {
		return fmt.Errorf("%w: %s: %w", ErrCaptureFailed, poseID, pose.ErrNoPoseDetected)
	}
	ref := Reference{PoseID: poseID, Keypoints: kp.Clone(), CapturedAt: at}
	for {
		old := s.refs.Load()
		next := make(map[string]Reference, len(*old)+1)
		maps.Copy(next, *old)
		next[poseID] = ref
		if s.refs.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

func (s *Store) Get(poseID string) (Reference, bool) {
	ref, ok := s.snapshot()[poseID]
	if !ok {
		return Reference{}, false
	}
	return ref.clone(), true
}

func (s *Store) Reset() {
	empty := map[string]Reference{}
	s.refs.Store(&empty)
}

func (s *Store) Len() int {
	return len(s.snapshot())
}

// Has reports whether every pose id has a reference.
func (s *Store) Has(poseIDs ...string) bool {
	snap := s.snapshot()
	for _, id := range poseIDs {
		if _, ok := snap[id]; !ok {
			return false
		}
	}
	return true
}

// ExportAll returns a deep copy of every stored reference.
func (s *Store) ExportAll() map[string]Reference {
	snap := s.snapshot()
	out := make(map[string]Reference, len(snap))
	for id, ref := range snap {
		out[id] = ref.clone()
	}
	return out
}

// Load replaces the whole store with refs. Entries with an empty keypoint set
// are rejected so the one-non-empty-reference-per-pose rule holds.
func (s *Store) Load(refs map[string]Reference) error {
	next := make(map[string]Reference, len(refs))
	for id, ref := range refs {
		if len(ref.Keypoints) == 0 {
			return fmt.Errorf("%w: %s: %w", ErrCaptureFailed, id, pose.ErrNoPoseDetected)
		}
		ref = ref.clone()
		ref.PoseID = id
		next[id] = ref
	}
	s.refs.Store(&next)
	return nil
}

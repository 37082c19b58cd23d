// Package sessions is the gateway's registry of live coaching sessions. It
// backs the sessions listing, refuses new sessions while the gateway drains,
// and warns then cancels the remaining ones on shutdown.
package sessions

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot describes one live session for the sessions listing.
type Snapshot struct {
	SessionID    string    `json:"session_id"`
	Profile      string    `json:"profile"`
	Routine      string    `json:"routine"`
	StartedAt    time.Time `json:"started_at"`
	Phase        string    `json:"phase"`
	PoseIndex    int       `json:"pose_index"`
	PoseID       string    `json:"pose_id"`
	PoseCount    int       `json:"pose_count"`
	Calibrated   int       `json:"calibrated"`
	LastFeedback string    `json:"last_feedback,omitempty"`
}

// Handle is how the tracker reaches a running session. Nil funcs are skipped.
type Handle struct {
	Cancel   func()
	Warn     func(code, message string) error
	Snapshot func() Snapshot
}

type Tracker struct {
	draining atomic.Bool

	mu   sync.Mutex
	live map[string]*entry
	open sync.WaitGroup
}

type entry struct {
	Handle
	closed sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*entry)}
}

// Register adds a running session and returns the func that removes it. A
// second registration under the same id replaces the first.
func (t *Tracker) Register(sessionID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	e := &entry{Handle: h}
	t.open.Add(1)

	t.mu.Lock()
	if t.live == nil {
		t.live = make(map[string]*entry)
	}
	prev := t.live[sessionID]
	t.live[sessionID] = e
	t.mu.Unlock()

	if prev != nil {
		t.remove(sessionID, prev)
	}
	return func() { t.remove(sessionID, e) }
}

func (t *Tracker) remove(sessionID string, e *entry) {
	e.closed.Do(func() {
		t.mu.Lock()
		if t.live[sessionID] == e {
			delete(t.live, sessionID)
		}
		t.mu.Unlock()
		t.open.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Draining reports whether Drain was called. Readiness fails and new live
// sessions are refused from then on.
func (t *Tracker) Draining() bool {
	return t != nil && t.draining.Load()
}

// Drain marks the gateway as draining and sends every live session a
// warning frame. It returns the number of sessions warned.
func (t *Tracker) Drain(code, message string) (warned int) {
	if t == nil {
		return 0
	}
	t.draining.Store(true)
	for _, h := range t.handles() {
		if h.Warn == nil {
			continue
		}
		// Best effort: a session whose writer is gone still counts.
		_ = h.Warn(code, message)
		warned++
	}
	return warned
}

// CancelAll stops every live session at its next tick boundary.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Cancel == nil {
			continue
		}
		h.Cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered or ctx ends.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		t.open.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// List returns the snapshot of every session that exposes one, oldest first.
func (t *Tracker) List() []Snapshot {
	out := []Snapshot{}
	if t == nil {
		return out
	}
	for _, h := range t.handles() {
		if h.Snapshot != nil {
			out = append(out, h.Snapshot())
		}
	}
	slices.SortFunc(out, func(a, b Snapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// handles copies the registered handles so callbacks run without the lock.
func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.live))
	for _, e := range t.live {
		out = append(out, e.Handle)
	}
	return out
}

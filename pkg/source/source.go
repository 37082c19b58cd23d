// Package source delivers keypoint frames to a session loop.
package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alignify/alignify/pkg/pose"
)

var ErrClosed = errors.New("keypoint source closed")

// Source yields one frame per call and never blocks indefinitely.
type Source interface {
	Next(ctx context.Context) (pose.Frame, error)
}

// Latest is a single-slot mailbox between a producer (a socket reader, an
// extractor) and the session loop. A pushed frame replaces an unconsumed
// older one; frames that are delivered keep their push order.
type Latest struct {
	wait time.Duration

	mu        sync.Mutex
	slot      chan pose.Frame
	done      chan struct{}
	closeOnce sync.Once
	replaced  atomic.Int64
}

// NewLatest returns a mailbox whose Next waits at most wait before falling
// back to a not-detected frame.
func NewLatest(wait time.Duration) *Latest {
	if wait <= 0 {
		wait = 100 * time.Millisecond
	}
	return &Latest{
		wait: wait,
		slot: make(chan pose.Frame, 1),
		done: make(chan struct{}),
	}
}

// Push stores f, dropping any frame not yet consumed. It reports whether an
// older frame was replaced.
func (l *Latest) Push(f pose.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.slot <- f:
		return false
	default:
	}
	replaced := false
	select {
	case <-l.slot:
		replaced = true
		l.replaced.Add(1)
	default:
	}
	l.slot <- f
	return replaced
}

// Frames exposes the slot for select-based consumers.
func (l *Latest) Frames() <-chan pose.Frame {
	return l.slot
}

// Replaced counts frames overwritten before they were consumed.
func (l *Latest) Replaced() int64 {
	return l.replaced.Load()
}

// Poll waits up to the configured bound for a frame. ok is false when the
// wait expired with nothing delivered.
func (l *Latest) Poll(ctx context.Context) (f pose.Frame, ok bool, err error) {
	select {
	case f := <-l.slot:
		return f, true, nil
	default:
	}
	timer := time.NewTimer(l.wait)
	defer timer.Stop()
	select {
	case f := <-l.slot:
		return f, true, nil
	case <-ctx.Done():
		return pose.NotDetected(), false, ctx.Err()
	case <-l.done:
		return pose.NotDetected(), false, ErrClosed
	case <-timer.C:
		return pose.NotDetected(), false, nil
	}
}

// Next is Poll for callers that treat an expired wait as a not-detected frame.
func (l *Latest) Next(ctx context.Context) (pose.Frame, error) {
	f, _, err := l.Poll(ctx)
	return f, err
}

// Close wakes pending Poll calls with ErrClosed. It is safe to call twice.
func (l *Latest) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

// Package ratelimit admits REST requests and live coaching sessions.
//
// Requests are metered per principal by a token bucket and a concurrency cap.
// Live sessions hold a slot against three limits at once: the gateway-wide
// session cap, the principal's session cap, and the calibration profile,
// which only one live session may drive at a time.
package ratelimit

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrRequestRate     = errors.New("request rate exceeded")
	ErrTooManyInFlight = errors.New("too many concurrent requests")
	ErrGatewayFull     = errors.New("too many active live sessions")
	ErrSessionLimit    = errors.New("too many live sessions for this principal")
	ErrProfileBusy     = errors.New("profile already has a live session")
)

// RejectedError carries the limit that refused admission and how long the
// caller should wait before retrying, in whole seconds.
type RejectedError struct {
	Err        error
	RetryAfter int
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %ds)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RejectedError) Unwrap() error { return e.Err }

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests   int
	MaxSessions             int
	MaxSessionsPerPrincipal int

	// Idle principals are forgotten once the table holds MaxEntries.
	MaxEntries int
	IdleTTL    time.Duration
}

type Limiter struct {
	cfg Config

	mu       sync.Mutex
	callers  map[string]*caller
	sessions int
	profiles map[string]struct{}
}

type caller struct {
	bucket   *rate.Limiter
	inFlight int
	sessions int
	lastSeen time.Time
}

func (c *caller) idle() bool { return c.inFlight == 0 && c.sessions == 0 }

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:      cfg,
		callers:  make(map[string]*caller),
		profiles: make(map[string]struct{}),
	}
}

// Slot is an admitted request or session. Release may be called more than
// once.
type Slot struct {
	once    sync.Once
	release func()
}

func (s *Slot) Release() {
	if s == nil || s.release == nil {
		return
	}
	s.once.Do(s.release)
}

// AdmitRequest meters one REST request for principal.
func (l *Limiter) AdmitRequest(principal string, now time.Time) (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.callerLocked(principal, now)
	if c.bucket != nil {
		r := c.bucket.ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			return nil, &RejectedError{Err: ErrRequestRate, RetryAfter: retrySeconds(delay)}
		}
	}
	if limit := l.cfg.MaxConcurrentRequests; limit > 0 && c.inFlight >= limit {
		return nil, &RejectedError{Err: ErrTooManyInFlight, RetryAfter: 1}
	}
	c.inFlight++
	return &Slot{release: func() {
		l.mu.Lock()
		c.inFlight--
		l.mu.Unlock()
	}}, nil
}

// AdmitSession reserves a live session slot for principal coaching profile.
// The slot must be released when the session ends.
func (l *Limiter) AdmitSession(principal, profile string, now time.Time) (*Slot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit := l.cfg.MaxSessions; limit > 0 && l.sessions >= limit {
		return nil, &RejectedError{Err: ErrGatewayFull, RetryAfter: 1}
	}
	c := l.callerLocked(principal, now)
	if limit := l.cfg.MaxSessionsPerPrincipal; limit > 0 && c.sessions >= limit {
		return nil, &RejectedError{Err: ErrSessionLimit, RetryAfter: 1}
	}
	if profile != "" {
		if _, busy := l.profiles[profile]; busy {
			return nil, &RejectedError{Err: ErrProfileBusy}
		}
		l.profiles[profile] = struct{}{}
	}
	c.sessions++
	l.sessions++
	return &Slot{release: func() {
		l.mu.Lock()
		c.sessions--
		l.sessions--
		if profile != "" {
			delete(l.profiles, profile)
		}
		l.mu.Unlock()
	}}, nil
}

// ActiveSessions reports the number of admitted live sessions.
func (l *Limiter) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions
}

func (l *Limiter) callerLocked(principal string, now time.Time) *caller {
	if principal == "" {
		principal = "anonymous"
	}
	if c, ok := l.callers[principal]; ok {
		c.lastSeen = now
		return c
	}
	if len(l.callers) >= l.cfg.MaxEntries {
		l.evictLocked(now)
	}
	c := &caller{lastSeen: now}
	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		c.bucket = rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)
	}
	l.callers[principal] = c
	return c
}

// evictLocked drops callers idle past IdleTTL, then any idle caller if the
// table is still full. Callers holding slots are never dropped.
func (l *Limiter) evictLocked(now time.Time) {
	for k, c := range l.callers {
		if c.idle() && now.Sub(c.lastSeen) > l.cfg.IdleTTL {
			delete(l.callers, k)
		}
	}
	for k, c := range l.callers {
		if len(l.callers) < l.cfg.MaxEntries {
			return
		}
		if c.idle() {
			delete(l.callers, k)
		}
	}
}

func retrySeconds(d time.Duration) int {
	if d <= 0 || d == rate.InfDuration {
		return 1
	}
	return max(1, int(math.Ceil(d.Seconds())))
}

package session

import "time"

// inboundKeypointLimiter is a two-bucket token limiter (frames and bytes per
// second). Balances are kept in token-nanoseconds so refills at keypoint
// frame rates never round down to zero.
type inboundKeypointLimiter struct {
	now          func() time.Time
	fpsRate      int64
	fpsBalance   int64
	bpsRate      int64
	bpsBalance   int64
	burstSeconds int64
	lastRefill   time.Time
}

func newInboundKeypointLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundKeypointLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}

	l := &inboundKeypointLimiter{
		now:          now,
		fpsRate:      int64(fps),
		bpsRate:      bps,
		burstSeconds: int64(burstSeconds),
		lastRefill:   now(),
	}
	l.fpsBalance = l.capacity(l.fpsRate)
	l.bpsBalance = l.capacity(l.bpsRate)
	return l
}

func (l *inboundKeypointLimiter) capacity(rate int64) int64 {
	return rate * l.burstSeconds * int64(time.Second)
}

func (l *inboundKeypointLimiter) Allow(frameBytes int) bool {
	if l == nil {
		return true
	}
	l.refill()

	const one = int64(time.Second)
	frameBytes = max(frameBytes, 0)
	cost := int64(frameBytes) * one
	if l.fpsRate > 0 && l.fpsBalance < one {
		return false
	}
	if l.bpsRate > 0 && l.bpsBalance < cost {
		return false
	}
	if l.fpsRate > 0 {
		l.fpsBalance -= one
	}
	if l.bpsRate > 0 {
		l.bpsBalance -= cost
	}
	return true
}

func (l *inboundKeypointLimiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed <= 0 {
		return
	}
	ns := elapsed.Nanoseconds()
	if l.fpsRate > 0 {
		l.fpsBalance = min(l.fpsBalance+ns*l.fpsRate, l.capacity(l.fpsRate))
	}
	if l.bpsRate > 0 {
		l.bpsBalance = min(l.bpsBalance+ns*l.bpsRate, l.capacity(l.bpsRate))
	}
	l.lastRefill = now
}

package realtime

import (
	"time"
)

// rateLimiter is a per-connection sliding-window limiter over the last
// limit accepted frames. It is only used from the connection's read loop.
type rateLimiter struct {
	stamps []time.Time // ring of accepted frame times
	next   int
	filled bool
	window time.Duration
}

// newRateLimiter falls back to the package defaults for invalid inputs.
func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &rateLimiter{
		stamps: make([]time.Time, limit),
		window: window,
	}
}

// allow admits a frame at now unless limit frames were already accepted
// within the window. On rejection it reports how long until a slot frees.
func (r *rateLimiter) allow(now time.Time) (bool, time.Duration) {
	if r.filled {
		oldest := r.stamps[r.next]
		if free := oldest.Add(r.window); now.Before(free) {
			return false, free.Sub(now)
		}
	}
	r.stamps[r.next] = now
	r.next++
	if r.next == len(r.stamps) {
		r.next = 0
		r.filled = true
	}
	return true, 0
}

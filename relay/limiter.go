package relay

import (
	"sync"
	"time"
)

// JoinLimiter tracks failed JOIN_ROOM attempts of one connection over a
// sliding window. It bounds brute-force enumeration of room codes without
// keeping any state beyond the connection's lifetime.
type JoinLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	failures []time.Time
}

// NewJoinLimiter allows limit failures per window; the next one trips it.
func NewJoinLimiter(limit int, window time.Duration) *JoinLimiter {
	return &JoinLimiter{limit: limit, window: window}
}

// Fail records a failure at now and reports whether the limit is exceeded.
func (l *JoinLimiter) Fail(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.failures[:0]
	for _, t := range l.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.failures = append(kept, now)
	return len(l.failures) > l.limit
}

// Failures returns the number of failures still inside the window at now.
func (l *JoinLimiter) Failures(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	n := 0
	for _, t := range l.failures {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

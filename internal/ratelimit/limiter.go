// Package ratelimit gates code execution per session with a sliding
// one-minute window.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the span over which admitted calls are counted.
const Window = time.Minute

// Limiter admits at most Limit calls per session within any Window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	now     func() time.Time
	windows map[string][]time.Time
}

func New(limit int) *Limiter {
	return NewWithClock(limit, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(limit int, now func() time.Time) *Limiter {
	return &Limiter{
		limit:   limit,
		now:     now,
		windows: make(map[string][]time.Time),
	}
}

func (l *Limiter) Limit() int {
	return l.limit
}

// Admit records a call for sessionID and returns true if fewer than Limit
// calls were admitted in the last Window. A refused call is not recorded.
func (l *Limiter) Admit(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	recent := trim(l.windows[sessionID], now)
	if len(recent) >= l.limit {
		l.windows[sessionID] = recent
		return false
	}
	l.windows[sessionID] = append(recent, now)
	return true
}

// Remaining reports how many more calls sessionID may make right now.
func (l *Limiter) Remaining(sessionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := l.limit - len(trim(l.windows[sessionID], l.now()))
	if n < 0 {
		return 0
	}
	return n
}

// Forget drops all state for a session.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, sessionID)
}

// Prune drops sessions whose window has emptied. Returns the number dropped.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for id, ts := range l.windows {
		if len(trim(ts, now)) == 0 {
			delete(l.windows, id)
			dropped++
		}
	}
	return dropped
}

// trim drops timestamps older than Window. Timestamps are appended in order
// so the survivors are a suffix.
func trim(ts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// internal/security/ratelimit.go
package security

import (
	"sync"
	"time"
)

// RateLimiter enforces a per-client sliding window: at most limit events
// in any trailing window. Clients that keep hammering after rejection are
// blocked outright for a cool-off period.
type RateLimiter struct {
	limit           int
	window          time.Duration
	rejectThreshold int
	rejectWindow    time.Duration
	block           time.Duration

	mu      sync.Mutex
	clients map[string]*clientWindow

	// now is swappable for tests.
	now func() time.Time
}

// clientWindow tracks one client's admission history. Event slices are
// trimmed lazily on each call, so memory stays proportional to the quota.
type clientWindow struct {
	events       []time.Time
	rejects      []time.Time
	blockedUntil time.Time
}

// NewRateLimiter builds a limiter. A rejectThreshold of zero disables
// cool-off blocking.
func NewRateLimiter(limit int, window time.Duration, rejectThreshold int, rejectWindow, block time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:           limit,
		window:          window,
		rejectThreshold: rejectThreshold,
		rejectWindow:    rejectWindow,
		block:           block,
		clients:         make(map[string]*clientWindow),
		now:             time.Now,
	}
}

// Allow records an admission attempt for clientID and reports whether it
// fits the window. A rejected attempt counts toward the cool-off
// threshold but never toward the admission window.
func (l *RateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cw := l.clients[clientID]
	if cw == nil {
		cw = &clientWindow{}
		l.clients[clientID] = cw
	}

	if now.Before(cw.blockedUntil) {
		return false
	}

	cw.events = trim(cw.events, now.Add(-l.window))
	if len(cw.events) < l.limit {
		cw.events = append(cw.events, now)
		return true
	}

	// Over quota. Track the rejection and consider a cool-off block.
	if l.rejectThreshold > 0 {
		cw.rejects = trim(cw.rejects, now.Add(-l.rejectWindow))
		cw.rejects = append(cw.rejects, now)
		if len(cw.rejects) >= l.rejectThreshold {
			cw.blockedUntil = now.Add(l.block)
			cw.rejects = cw.rejects[:0]
		}
	}
	return false
}

// Blocked reports whether a client is currently in cool-off.
func (l *RateLimiter) Blocked(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cw := l.clients[clientID]
	return cw != nil && l.now().Before(cw.blockedUntil)
}

// Forget drops all state for a disconnected client.
func (l *RateLimiter) Forget(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.clients, clientID)
}

// Sweep removes clients whose windows have fully drained. Called
// periodically so idle client ids do not accumulate.
func (l *RateLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for id, cw := range l.clients {
		cw.events = trim(cw.events, now.Add(-l.window))
		cw.rejects = trim(cw.rejects, now.Add(-l.rejectWindow))
		if len(cw.events) == 0 && len(cw.rejects) == 0 && !now.Before(cw.blockedUntil) {
			delete(l.clients, id)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of client windows currently held.
func (l *RateLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// trim drops timestamps at or before the cutoff. Events are appended in
// order, so the first survivor ends the scan.
func trim(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return events
	}
	return append(events[:0], events[i:]...)
}

package crosssign

import (
	"sync"
	"time"

	"fedtrust/pkg/types"
)

// proposalLimiter tracks proposals per proposer in a sliding window.
type proposalLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	history map[types.NodeID][]time.Time
}

func newProposalLimiter(limit int, window time.Duration) *proposalLimiter {
	return &proposalLimiter{
		limit:   limit,
		window:  window,
		history: make(map[types.NodeID][]time.Time),
	}
}

// Allowed reports whether another proposal fits in the window. It does not
// consume quota.
func (l *proposalLimiter) Allowed(id types.NodeID, now time.Time) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pruneLocked(id, now)) < l.limit
}

// Record consumes one unit of quota.
func (l *proposalLimiter) Record(id types.NodeID, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.history[id] = append(l.pruneLocked(id, now), now)
}

// Remaining returns the proposals left in the current window.
func (l *proposalLimiter) Remaining(id types.NodeID, now time.Time) int {
	if l.limit <= 0 {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit - len(l.pruneLocked(id, now))
}

// pruneLocked must be called with the lock held.
func (l *proposalLimiter) pruneLocked(id types.NodeID, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	entries := l.history[id]
	i := 0
	for i < len(entries) && !entries[i].After(cutoff) {
		i++
	}
	if i == len(entries) {
		delete(l.history, id)
		return nil
	}
	entries = entries[i:]
	l.history[id] = entries
	return entries
}

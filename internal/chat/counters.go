package chat

import "sync"

// UnreadCounters maintains per-agent counts of unseen user messages across
// sessions the agent is not currently viewing. Decrements saturate at zero
// so "message arrived" and "agent joined" events crossing in flight cannot
// drive a badge negative.
type UnreadCounters struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewUnreadCounters constructs an empty counter table.
func NewUnreadCounters() *UnreadCounters {
	return &UnreadCounters{counts: make(map[string]int)}
}

// Increment adds n to the agent's badge and returns the new value.
func (u *UnreadCounters) Increment(agentID string, n int) int {
	if n <= 0 {
		return u.Get(agentID)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.counts[agentID] += n
	return u.counts[agentID]
}

// Decrement subtracts n, clamped at zero, and returns the new value.
func (u *UnreadCounters) Decrement(agentID string, n int) int {
	if n <= 0 {
		return u.Get(agentID)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	count := u.counts[agentID] - n
	if count <= 0 {
		delete(u.counts, agentID)
		return 0
	}
	u.counts[agentID] = count
	return count
}

// Get returns the agent's current badge value.
func (u *UnreadCounters) Get(agentID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.counts[agentID]
}

// Reset clears the agent's badge entirely.
func (u *UnreadCounters) Reset(agentID string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	delete(u.counts, agentID)
}

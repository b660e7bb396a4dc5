package chat

import (
	"sync"
	"time"
)

// DefaultTypingTTL is the server-side auto-clear window for typing flags,
// protecting against clients that never send isTyping=false.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	sessionID string
	role      Role
}

// typingTimer pairs the auto-clear timer with the generation it was armed
// for. A fired timer whose generation no longer matches belongs to an older
// arming and must not clear the flag.
type typingTimer struct {
	timer *time.Timer
	gen   uint64
}

// TypingTracker keeps ephemeral per-(session, role) typing flags with
// wall-clock expiry. Nothing here is persisted; a reconnecting client simply
// sees no indicator until a fresh one arrives.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	gen      uint64
	timers   map[typingKey]typingTimer
	onExpire func(sessionID string, role Role)
}

// NewTypingTracker constructs a tracker. onExpire fires when a flag
// auto-clears; it runs on a timer goroutine, so it must not take tracker
// locks re-entrantly.
func NewTypingTracker(ttl time.Duration, onExpire func(sessionID string, role Role)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		timers:   make(map[typingKey]typingTimer),
		onExpire: onExpire,
	}
}

// Set flips the typing flag. true (re)starts the auto-clear timer; false
// cancels it and clears immediately.
func (t *TypingTracker) Set(sessionID string, role Role, isTyping bool) {
	key := typingKey{sessionID: sessionID, role: role}

	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[key]; ok {
		entry.timer.Stop()
		delete(t.timers, key)
	}

	if !isTyping {
		return
	}

	// Stop above may race a timer that already fired and is waiting on the
	// lock; the generation check in expire keeps that stale firing from
	// clearing the fresh flag.
	t.gen++
	gen := t.gen
	t.timers[key] = typingTimer{
		gen: gen,
		timer: time.AfterFunc(t.ttl, func() {
			t.expire(key, gen)
		}),
	}
}

// Active reports whether the flag is currently set.
func (t *TypingTracker) Active(sessionID string, role Role) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.timers[typingKey{sessionID: sessionID, role: role}]
	return ok
}

// ClearSession drops all flags for a session without firing callbacks;
// called when the session ends.
func (t *TypingTracker) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.timers {
		if key.sessionID == sessionID {
			entry.timer.Stop()
			delete(t.timers, key)
		}
	}
}

// Stop cancels every pending timer; used on broker shutdown.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	entry, ok := t.timers[key]
	if ok && entry.gen == gen {
		delete(t.timers, key)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok && t.onExpire != nil {
		t.onExpire(key.sessionID, key.role)
	}
}

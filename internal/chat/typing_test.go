package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type expireRecorder struct {
	mu    sync.Mutex
	calls []typingKey
	ch    chan typingKey
}

func newExpireRecorder() *expireRecorder {
	return &expireRecorder{ch: make(chan typingKey, 8)}
}

func (r *expireRecorder) record(sessionID string, role Role) {
	key := typingKey{sessionID: sessionID, role: role}
	r.mu.Lock()
	r.calls = append(r.calls, key)
	r.mu.Unlock()
	r.ch <- key
}

func (r *expireRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestTypingSetAndClear(t *testing.T) {
	tracker := NewTypingTracker(time.Minute, nil)
	defer tracker.Stop()

	tracker.Set("chat-1", RoleUser, true)
	require.True(t, tracker.Active("chat-1", RoleUser))
	require.False(t, tracker.Active("chat-1", RoleAdmin))

	tracker.Set("chat-1", RoleUser, false)
	require.False(t, tracker.Active("chat-1", RoleUser))
}

func TestTypingExpiresAfterTTL(t *testing.T) {
	recorder := newExpireRecorder()
	tracker := NewTypingTracker(30*time.Millisecond, recorder.record)
	defer tracker.Stop()

	tracker.Set("chat-1", RoleUser, true)

	select {
	case key := <-recorder.ch:
		require.Equal(t, typingKey{sessionID: "chat-1", role: RoleUser}, key)
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}
	require.False(t, tracker.Active("chat-1", RoleUser))
}

func TestTypingExplicitClearSuppressesCallback(t *testing.T) {
	recorder := newExpireRecorder()
	tracker := NewTypingTracker(30*time.Millisecond, recorder.record)
	defer tracker.Stop()

	tracker.Set("chat-1", RoleUser, true)
	tracker.Set("chat-1", RoleUser, false)

	time.Sleep(80 * time.Millisecond)
	require.Zero(t, recorder.count())
}

func TestTypingClearSessionDropsAllRoles(t *testing.T) {
	recorder := newExpireRecorder()
	tracker := NewTypingTracker(30*time.Millisecond, recorder.record)
	defer tracker.Stop()

	tracker.Set("chat-1", RoleUser, true)
	tracker.Set("chat-1", RoleAdmin, true)
	tracker.Set("chat-2", RoleUser, true)

	tracker.ClearSession("chat-1")
	require.False(t, tracker.Active("chat-1", RoleUser))
	require.False(t, tracker.Active("chat-1", RoleAdmin))
	require.True(t, tracker.Active("chat-2", RoleUser))

	// Only the untouched session may fire.
	select {
	case key := <-recorder.ch:
		require.Equal(t, "chat-2", key.sessionID)
	case <-time.After(time.Second):
		t.Fatal("expiry callback never fired")
	}
	require.Equal(t, 1, recorder.count())
}

func TestTypingStaleExpiryCannotClearRearmedFlag(t *testing.T) {
	recorder := newExpireRecorder()
	tracker := NewTypingTracker(time.Minute, recorder.record)
	defer tracker.Stop()

	key := typingKey{sessionID: "chat-1", role: RoleUser}

	// A timer from a previous arming can fire just as the flag is restarted:
	// Stop returns false once the callback has started, so the old callback
	// still reaches expire after the new timer is in place. Its stale
	// generation must leave the fresh flag and the callback alone.
	tracker.Set("chat-1", RoleUser, true)
	tracker.Set("chat-1", RoleUser, true)
	tracker.expire(key, 1)

	require.True(t, tracker.Active("chat-1", RoleUser))
	require.Zero(t, recorder.count())

	// The current generation still clears normally.
	tracker.expire(key, 2)
	require.False(t, tracker.Active("chat-1", RoleUser))
	require.Equal(t, 1, recorder.count())
}

func TestTypingRestartExtendsDeadline(t *testing.T) {
	recorder := newExpireRecorder()
	tracker := NewTypingTracker(60*time.Millisecond, recorder.record)
	defer tracker.Stop()

	tracker.Set("chat-1", RoleUser, true)
	time.Sleep(35 * time.Millisecond)
	tracker.Set("chat-1", RoleUser, true)
	time.Sleep(35 * time.Millisecond)

	// The first window would have elapsed by now; the restart kept it alive.
	require.True(t, tracker.Active("chat-1", RoleUser))
	require.Zero(t, recorder.count())
}

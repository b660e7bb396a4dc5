package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/shopchat/livechat/pkg/errors"
	"github.com/shopchat/livechat/pkg/metrics"
)

// Store is the single source of truth for session state and message history.
// It is explicitly constructed and mutex-guarded so independent instances can
// coexist in tests; nothing in this package is process-global.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string // shopper id -> live session id
	timeNow  func() time.Time
}

// NewStore constructs an empty session store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		timeNow:  time.Now,
	}
}

// Create opens a new session for the shopper with state `open`.
func (s *Store) Create(user UserInfo) Session {
	now := s.timeNow()
	session := &Session{
		ID:        uuid.NewString(),
		User:      user,
		StartedAt: now,
		State:     StateOpen,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.byUser[user.UserID] = session.ID
	metrics.ActiveSessions.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	return cloneSession(session)
}

// Get returns a copy of the session or ErrSessionNotFound.
func (s *Store) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return Session{}, apperrors.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

// SessionForUser returns the shopper's live session, if any.
func (s *Store) SessionForUser(userID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUser[userID]
	if !ok {
		return Session{}, false
	}
	session, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return cloneSession(session), true
}

// Append validates the session is live, stamps the message, and appends it.
// Messages are delivered in append order; LastMessageAt strictly increases.
func (s *Store) Append(sessionID string, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Message{}, apperrors.ErrSessionNotFound
	}
	if session.State == StateEnded {
		return Message{}, apperrors.ErrSessionEnded
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChatID = sessionID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.timeNow()
	}

	session.Messages = append(session.Messages, msg)
	session.LastMessageAt = msg.Timestamp

	return msg, nil
}

// AssignAgent transitions open -> active, or re-assigns an already active
// session (last writer wins). It returns the updated session and the id of
// the displaced agent, if the join pushed one out.
func (s *Store) AssignAgent(sessionID, agentID, agentName string) (Session, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, "", apperrors.ErrSessionNotFound
	}
	if session.State == StateEnded {
		return Session{}, "", apperrors.ErrSessionEnded
	}

	displaced := ""
	if session.HasAgent && session.AgentID != agentID {
		displaced = session.AgentID
	}

	session.HasAgent = true
	session.AgentID = agentID
	session.AgentName = agentName
	session.State = StateActive

	return cloneSession(session), displaced, nil
}

// End transitions the session to ended and removes it from the addressable
// store. Subsequent lookups return ErrSessionNotFound.
func (s *Store) End(sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, apperrors.ErrSessionNotFound
	}

	session.State = StateEnded
	delete(s.sessions, sessionID)
	delete(s.byUser, session.User.UserID)
	metrics.ActiveSessions.Set(float64(len(s.sessions)))

	return cloneSession(session), nil
}

// ListOpen returns every live session ordered newest-activity-first.
func (s *Store) ListOpen() []SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	views := make([]SessionView, 0, len(s.sessions))
	for _, session := range s.sessions {
		views = append(views, session.View())
	}

	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		al := a.LastMessageAt
		if al.Before(a.StartedAt) {
			al = a.StartedAt
		}
		bl := b.LastMessageAt
		if bl.Before(b.StartedAt) {
			bl = b.StartedAt
		}
		return al.After(bl)
	})

	return views
}

// Reap removes sessions whose last activity is older than the TTL and
// returns them marked ended. A TTL of zero disables reaping.
func (s *Store) Reap(idleTTL time.Duration) []Session {
	if idleTTL <= 0 {
		return nil
	}
	threshold := s.timeNow().Add(-idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []Session
	for id, session := range s.sessions {
		if session.lastActivity().Before(threshold) {
			session.State = StateEnded
			delete(s.sessions, id)
			delete(s.byUser, session.User.UserID)
			expired = append(expired, cloneSession(session))
		}
	}
	metrics.ActiveSessions.Set(float64(len(s.sessions)))

	return expired
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

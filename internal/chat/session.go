package chat

import "time"

// Role distinguishes the two participant kinds.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether the role is one the broker accepts.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// State models the session lifecycle: open -> active -> ended.
type State string

const (
	StateOpen   State = "open"
	StateActive State = "active"
	StateEnded  State = "ended"
)

// UserInfo captures shopper identity at session creation; immutable thereafter.
type UserInfo struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Language string `json:"language,omitempty"`
}

// Message is a single chat entry. Owned by exactly one session, immutable
// once created.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	SenderType Role      `json:"senderType"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Session is the canonical in-memory chat session record.
type Session struct {
	ID            string    `json:"id"`
	User          UserInfo  `json:"user"`
	StartedAt     time.Time `json:"startedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	HasAgent      bool      `json:"hasAgent"`
	AgentID       string    `json:"agentId,omitempty"`
	AgentName     string    `json:"agentName,omitempty"`
	State         State     `json:"state"`
	Messages      []Message `json:"messages"`
}

// SessionView is the summary shape used for admin session lists.
type SessionView struct {
	ID            string    `json:"id"`
	User          UserInfo  `json:"user"`
	StartedAt     time.Time `json:"startedAt"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	HasAgent      bool      `json:"hasAgent"`
	AgentName     string    `json:"agentName,omitempty"`
	State         State     `json:"state"`
	MessageCount  int       `json:"messageCount"`
}

// View returns the list summary for the session.
func (s *Session) View() SessionView {
	return SessionView{
		ID:            s.ID,
		User:          s.User,
		StartedAt:     s.StartedAt,
		LastMessageAt: s.LastMessageAt,
		HasAgent:      s.HasAgent,
		AgentName:     s.AgentName,
		State:         s.State,
		MessageCount:  len(s.Messages),
	}
}

// lastActivity is the ordering key for admin lists and the idle reaper.
func (s *Session) lastActivity() time.Time {
	if s.LastMessageAt.After(s.StartedAt) {
		return s.LastMessageAt
	}
	return s.StartedAt
}

func cloneSession(s *Session) Session {
	clone := *s
	if s.Messages != nil {
		clone.Messages = make([]Message, len(s.Messages))
		copy(clone.Messages, s.Messages)
	}
	return clone
}

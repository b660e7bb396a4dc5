package models

import "time"

// ChatSession is the persisted record of a live-chat session. The in-memory
// broker remains authoritative while the session is live; rows here exist so
// transcripts survive a process restart.
type ChatSession struct {
	BaseModel

	UserID    string `gorm:"not null;index" json:"user_id"`
	UserName  string `gorm:"type:varchar(255)" json:"user_name"`
	UserPhone string `gorm:"type:varchar(32)" json:"user_phone,omitempty"`
	Language  string `gorm:"type:varchar(8)" json:"language,omitempty"`

	StartedAt time.Time  `gorm:"not null;index" json:"started_at"`
	EndedAt   *time.Time `gorm:"index" json:"ended_at,omitempty"`
	EndReason string     `gorm:"type:varchar(32)" json:"end_reason,omitempty"`

	AgentID   string `gorm:"index" json:"agent_id,omitempty"`
	AgentName string `gorm:"type:varchar(255)" json:"agent_name,omitempty"`

	Messages []ChatMessage `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

// ChatMessage captures one chat entry exchanged during a session.
type ChatMessage struct {
	BaseModel

	SessionID  string `gorm:"type:uuid;not null;index" json:"session_id"`
	SenderID   string `gorm:"not null;index" json:"sender_id"`
	SenderName string `gorm:"type:varchar(255)" json:"sender_name"`
	SenderType string `gorm:"type:varchar(8);not null" json:"sender_type"`
	Content    string `gorm:"type:text;not null" json:"content"`

	Session *ChatSession `gorm:"foreignKey:SessionID" json:"session,omitempty"`
}

package chat

import (
	"encoding/json"
	"strings"

	apperrors "github.com/shopchat/livechat/pkg/errors"
)

// Outbound event discriminants.
const (
	EventConnectionEstablished   = "connection_established"
	EventActiveSessions          = "active_sessions"
	EventNewChat                 = "new_chat"
	EventChatJoined              = "chat_joined"
	EventChatMessage             = "chat_message"
	EventTypingIndicator         = "typing_indicator"
	EventChatEnded               = "chat_ended"
	EventParticipantDisconnected = "participant_disconnected"
	EventDisplaced               = "displaced"
	EventUnreadCount             = "unread_count"
	EventError                   = "error"
)

// Inbound is the tagged union of events a client may send. Dispatch happens
// via a type switch in the broker so lifecycle guards stay in one place.
type Inbound interface {
	inboundEvent()
}

// JoinChat attaches the connection to an existing session.
type JoinChat struct {
	ChatID string
}

// PostMessage appends a message to a session and fans it out.
type PostMessage struct {
	ChatID  string
	Content string
}

// SetTyping flips the typing indicator for the sender's side of a session.
type SetTyping struct {
	ChatID   string
	IsTyping bool
}

// EndChat terminates a session.
type EndChat struct {
	ChatID string
}

func (JoinChat) inboundEvent()    {}
func (PostMessage) inboundEvent() {}
func (SetTyping) inboundEvent()   {}
func (EndChat) inboundEvent()     {}

type inboundFrame struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	Content  string `json:"content"`
	IsTyping bool   `json:"isTyping"`
}

// DecodeInbound parses a raw websocket frame into its typed event.
// Undecodable payloads, unknown discriminants, and missing chat ids all
// surface as ErrMalformedFrame.
func DecodeInbound(payload []byte) (Inbound, error) {
	var frame inboundFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, apperrors.ErrMalformedFrame.WithInternal(err)
	}

	chatID := strings.TrimSpace(frame.ChatID)
	if chatID == "" {
		return nil, apperrors.ErrMalformedFrame.WithMessage("chatId is required")
	}

	switch frame.Type {
	case "join_chat":
		return JoinChat{ChatID: chatID}, nil
	case "message":
		return PostMessage{ChatID: chatID, Content: frame.Content}, nil
	case "typing":
		return SetTyping{ChatID: chatID, IsTyping: frame.IsTyping}, nil
	case "end_chat":
		return EndChat{ChatID: chatID}, nil
	default:
		return nil, apperrors.ErrMalformedFrame.WithMessage("unknown event type " + frame.Type)
	}
}

// ConnectionEstablished acknowledges a successful handshake. ChatID is set
// for shoppers so a reconnecting client can rejoin its transcript.
type ConnectionEstablished struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId,omitempty"`
}

// ActiveSessions refreshes the admin "Active Chats" list.
type ActiveSessions struct {
	Type     string        `json:"type"`
	Sessions []SessionView `json:"sessions"`
}

// NewChat announces a freshly created session to every admin connection.
type NewChat struct {
	Type    string      `json:"type"`
	Session SessionView `json:"session"`
}

// ChatJoined delivers the full history to a connection that joined a session.
type ChatJoined struct {
	Type     string    `json:"type"`
	ChatID   string    `json:"chatId"`
	History  []Message `json:"history"`
	UserInfo UserInfo  `json:"userInfo"`
}

// ChatMessageEvent fans a stored message out to every joined connection.
type ChatMessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// TypingIndicator relays a participant's typing state.
type TypingIndicator struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserType Role   `json:"userType"`
	IsTyping bool   `json:"isTyping"`
}

// ChatEnded notifies joined connections that the session terminated.
type ChatEnded struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
	Reason string `json:"reason,omitempty"`
}

// ParticipantDisconnected tells the remaining party that the other side
// dropped. The session stays addressable for reconnects.
type ParticipantDisconnected struct {
	Type            string `json:"type"`
	ParticipantType Role   `json:"participantType"`
	ParticipantName string `json:"participantName"`
}

// Displaced informs an agent that another agent took over the session.
type Displaced struct {
	Type      string `json:"type"`
	ChatID    string `json:"chatId"`
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName"`
}

// UnreadCount pushes the agent's unread-session badge value.
type UnreadCount struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ErrorEvent reports a rejected frame back to its sender only.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

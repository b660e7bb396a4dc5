package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/shopchat/livechat/pkg/errors"
	"github.com/shopchat/livechat/pkg/logger"
	"github.com/shopchat/livechat/pkg/metrics"
)

// DefaultMaxMessageLength caps chat message content in runes.
const DefaultMaxMessageLength = 4000

// Session end reasons carried on chat_ended events.
const (
	EndReasonRequested   = "ended"
	EndReasonIdleTimeout = "idle_timeout"
)

// TranscriptSink receives session and message records for persistence.
// The broker does not require it for correctness of in-memory routing.
type TranscriptSink interface {
	RecordSession(session Session)
	RecordMessage(msg Message)
	RecordAssignment(sessionID, agentID, agentName string)
	RecordSessionEnd(sessionID string, endedAt time.Time, reason string)
}

// Broker routes inbound frames through the session lifecycle and fans the
// resulting events out to the right connections. All shared state lives in
// the injected registry and store; the broker itself holds no session copies.
type Broker struct {
	registry    *Registry
	store       *Store
	typing      *TypingTracker
	unread      *UnreadCounters
	transcripts TranscriptSink
	maxLength   int
	timeNow     func() time.Time
	log         *zap.Logger
}

// Option customises the broker.
type Option func(*Broker)

// WithTranscripts attaches a persistence sink for messages and sessions.
func WithTranscripts(sink TranscriptSink) Option {
	return func(b *Broker) {
		b.transcripts = sink
	}
}

// WithMaxMessageLength overrides the content length cap.
func WithMaxMessageLength(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.maxLength = n
		}
	}
}

// WithClock overrides the clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.timeNow = now
			b.store.timeNow = now
		}
	}
}

// NewBroker constructs a broker on top of the supplied registry and store.
func NewBroker(registry *Registry, store *Store, typingTTL time.Duration, opts ...Option) *Broker {
	b := &Broker{
		registry:  registry,
		store:     store,
		unread:    NewUnreadCounters(),
		maxLength: DefaultMaxMessageLength,
		timeNow:   time.Now,
		log:       logger.WithModule("chat"),
	}
	b.typing = NewTypingTracker(typingTTL, b.typingExpired)

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// HandleConnect registers the connection and plays the welcome sequence.
// A shopper without a live session gets one created; admins get the current
// session list and their unread badge.
func (b *Broker) HandleConnect(conn *Connection) {
	b.registry.Register(conn)

	switch conn.Role() {
	case RoleUser:
		session, ok := b.store.SessionForUser(conn.ParticipantID())
		if !ok {
			session = b.store.Create(conn.User())
			if b.transcripts != nil {
				b.transcripts.RecordSession(session)
			}
			b.log.Info("session created",
				zap.String("session_id", session.ID),
				zap.String("user_id", session.User.UserID),
			)
			b.broadcastToAdmins(NewChat{Type: EventNewChat, Session: session.View()})
			b.broadcastActiveSessions()
		}
		conn.setJoined(session.ID)
		b.send(conn, ConnectionEstablished{Type: EventConnectionEstablished, ChatID: session.ID})

	case RoleAdmin:
		b.send(conn, ConnectionEstablished{Type: EventConnectionEstablished})
		b.send(conn, ActiveSessions{Type: EventActiveSessions, Sessions: b.store.ListOpen()})
		b.send(conn, UnreadCount{Type: EventUnreadCount, Count: b.unread.Get(conn.ParticipantID())})
	}
}

// HandleFrame decodes one inbound frame and dispatches it. Every failure is
// converted into an error event to the sender; nothing escapes this boundary.
func (b *Broker) HandleFrame(conn *Connection, payload []byte) {
	event, err := DecodeInbound(payload)
	if err != nil {
		b.sendError(conn, err)
		return
	}

	switch e := event.(type) {
	case JoinChat:
		err = b.handleJoin(conn, e)
	case PostMessage:
		err = b.handleMessage(conn, e)
	case SetTyping:
		err = b.handleTyping(conn, e)
	case EndChat:
		err = b.handleEnd(conn, e)
	}

	if err != nil {
		b.sendError(conn, err)
	}
}

// HandleDisconnect removes the connection and, when this was the last socket
// of a participant inside a session, tells the remaining party. The session
// itself survives so the client can reconnect to the same transcript.
func (b *Broker) HandleDisconnect(conn *Connection) {
	sessionID := conn.Joined()

	if !b.registry.Unregister(conn) {
		return
	}
	conn.Close()

	if sessionID == "" {
		return
	}
	if _, err := b.store.Get(sessionID); err != nil {
		return
	}
	if b.registry.HasConnections(conn.Role(), conn.ParticipantID()) {
		return
	}

	notice := ParticipantDisconnected{
		Type:            EventParticipantDisconnected,
		ParticipantType: conn.Role(),
		ParticipantName: conn.Name(),
	}
	for _, peer := range b.registry.ConnectionsFor(sessionID) {
		if peer.ParticipantID() == conn.ParticipantID() && peer.Role() == conn.Role() {
			continue
		}
		b.send(peer, notice)
	}
}

func (b *Broker) handleJoin(conn *Connection, e JoinChat) error {
	session, err := b.store.Get(e.ChatID)
	if err != nil {
		return err
	}

	if conn.Role() == RoleUser {
		// A shopper may only re-attach to their own transcript.
		if session.User.UserID != conn.ParticipantID() {
			return apperrors.ErrForbidden
		}
		conn.setJoined(session.ID)
		b.send(conn, ChatJoined{
			Type:     EventChatJoined,
			ChatID:   session.ID,
			History:  session.Messages,
			UserInfo: session.User,
		})
		return nil
	}

	session, displacedID, err := b.store.AssignAgent(e.ChatID, conn.ParticipantID(), conn.Name())
	if err != nil {
		return err
	}
	if b.transcripts != nil {
		b.transcripts.RecordAssignment(session.ID, conn.ParticipantID(), conn.Name())
	}

	if displacedID != "" {
		displaced := Displaced{
			Type:      EventDisplaced,
			ChatID:    session.ID,
			AgentID:   conn.ParticipantID(),
			AgentName: conn.Name(),
		}
		for _, peer := range b.registry.ConnectionsOf(RoleAdmin, displacedID) {
			if peer.Joined() == session.ID {
				peer.setJoined("")
				b.send(peer, displaced)
			}
		}
		b.log.Info("agent displaced",
			zap.String("session_id", session.ID),
			zap.String("displaced", displacedID),
			zap.String("agent", conn.ParticipantID()),
		)
	}

	joined := ChatJoined{
		Type:     EventChatJoined,
		ChatID:   session.ID,
		History:  session.Messages,
		UserInfo: session.User,
	}
	// Every tab of the agent mirrors the active view.
	for _, peer := range b.registry.ConnectionsOf(RoleAdmin, conn.ParticipantID()) {
		peer.setJoined(session.ID)
		b.send(peer, joined)
	}

	// Flat decrement by one regardless of accumulated messages; quirk carried
	// over from the original storefront, see DESIGN.md.
	count := b.unread.Decrement(conn.ParticipantID(), 1)
	b.pushUnread(conn.ParticipantID(), count)

	b.broadcastActiveSessions()
	return nil
}

func (b *Broker) handleMessage(conn *Connection, e PostMessage) error {
	if _, err := b.store.Get(e.ChatID); err != nil {
		return err
	}
	if conn.Joined() != e.ChatID {
		return apperrors.ErrConnectionNotJoined
	}

	content := strings.TrimSpace(e.Content)
	if content == "" {
		return apperrors.ErrMalformedFrame.WithMessage("message content is required")
	}
	if utf8.RuneCountInString(content) > b.maxLength {
		return apperrors.ErrMalformedFrame.WithMessage("message content exceeds maximum length")
	}

	msg, err := b.store.Append(e.ChatID, Message{
		SenderID:   conn.ParticipantID(),
		SenderName: conn.Name(),
		SenderType: conn.Role(),
		Content:    content,
	})
	if err != nil {
		return err
	}

	// A delivered message supersedes any pending typing flag from the sender.
	b.typing.Set(e.ChatID, conn.Role(), false)

	out := ChatMessageEvent{Type: EventChatMessage, Message: msg}
	for _, peer := range b.registry.ConnectionsFor(e.ChatID) {
		b.send(peer, out)
	}

	if conn.Role() == RoleUser {
		for _, adminID := range b.registry.AdminIDs() {
			if b.adminViewing(adminID, e.ChatID) {
				continue
			}
			count := b.unread.Increment(adminID, 1)
			b.pushUnread(adminID, count)
		}
	}

	if b.transcripts != nil {
		b.transcripts.RecordMessage(msg)
	}
	metrics.MessagesRelayed.WithLabelValues(string(conn.Role())).Inc()
	return nil
}

func (b *Broker) handleTyping(conn *Connection, e SetTyping) error {
	if _, err := b.store.Get(e.ChatID); err != nil {
		return err
	}
	if conn.Joined() != e.ChatID {
		return apperrors.ErrConnectionNotJoined
	}

	b.typing.Set(e.ChatID, conn.Role(), e.IsTyping)

	indicator := TypingIndicator{
		Type:     EventTypingIndicator,
		ChatID:   e.ChatID,
		UserID:   conn.ParticipantID(),
		UserType: conn.Role(),
		IsTyping: e.IsTyping,
	}
	for _, peer := range b.registry.ConnectionsFor(e.ChatID) {
		if peer == conn {
			continue
		}
		b.send(peer, indicator)
	}
	return nil
}

func (b *Broker) handleEnd(conn *Connection, e EndChat) error {
	session, err := b.store.End(e.ChatID)
	if err != nil {
		return err
	}

	b.finishSession(session, EndReasonRequested)
	b.log.Info("session ended",
		zap.String("session_id", session.ID),
		zap.String("by", conn.ParticipantID()),
	)
	return nil
}

// ReapIdle ends sessions without activity beyond the TTL and notifies any
// connections still attached. Returns the number of sessions closed.
func (b *Broker) ReapIdle(idleTTL time.Duration) int {
	expired := b.store.Reap(idleTTL)
	for _, session := range expired {
		b.finishSession(session, EndReasonIdleTimeout)
		metrics.SessionsReaped.Inc()
		b.log.Info("idle session reaped", zap.String("session_id", session.ID))
	}
	return len(expired)
}

// OpenSessions returns the live session list for the REST surface.
func (b *Broker) OpenSessions() []SessionView {
	return b.store.ListOpen()
}

// Unread returns the agent's current badge value.
func (b *Broker) Unread(agentID string) int {
	return b.unread.Get(agentID)
}

// Shutdown cancels typing timers and closes every live connection.
func (b *Broker) Shutdown() {
	b.typing.Stop()
	b.registry.CloseAll()
}

func (b *Broker) finishSession(session Session, reason string) {
	ended := ChatEnded{Type: EventChatEnded, ChatID: session.ID, Reason: reason}
	for _, peer := range b.registry.ConnectionsFor(session.ID) {
		b.send(peer, ended)
		peer.setJoined("")
	}

	b.typing.ClearSession(session.ID)
	if b.transcripts != nil {
		b.transcripts.RecordSessionEnd(session.ID, b.timeNow(), reason)
	}
	b.broadcastActiveSessions()
}

func (b *Broker) typingExpired(sessionID string, role Role) {
	session, err := b.store.Get(sessionID)
	if err != nil {
		return
	}

	participantID := session.User.UserID
	if role == RoleAdmin {
		participantID = session.AgentID
	}

	indicator := TypingIndicator{
		Type:     EventTypingIndicator,
		ChatID:   sessionID,
		UserID:   participantID,
		UserType: role,
		IsTyping: false,
	}
	for _, peer := range b.registry.ConnectionsFor(sessionID) {
		b.send(peer, indicator)
	}
}

func (b *Broker) adminViewing(adminID, sessionID string) bool {
	for _, peer := range b.registry.ConnectionsOf(RoleAdmin, adminID) {
		if peer.Joined() == sessionID {
			return true
		}
	}
	return false
}

func (b *Broker) pushUnread(adminID string, count int) {
	badge := UnreadCount{Type: EventUnreadCount, Count: count}
	for _, peer := range b.registry.ConnectionsOf(RoleAdmin, adminID) {
		b.send(peer, badge)
	}
}

func (b *Broker) broadcastToAdmins(event any) {
	for _, peer := range b.registry.AdminConnections() {
		b.send(peer, event)
	}
}

func (b *Broker) broadcastActiveSessions() {
	b.broadcastToAdmins(ActiveSessions{Type: EventActiveSessions, Sessions: b.store.ListOpen()})
}

func (b *Broker) send(conn *Connection, event any) {
	if conn.enqueue(event) {
		return
	}
	b.log.Warn("dropping backpressure client",
		zap.String("participant", conn.ParticipantID()),
		zap.String("role", string(conn.Role())),
	)
	b.registry.Unregister(conn)
	conn.Close()
}

func (b *Broker) sendError(conn *Connection, err error) {
	appErr := apperrors.FromError(err)
	metrics.FrameErrors.WithLabelValues(appErr.Code).Inc()
	b.send(conn, ErrorEvent{Type: EventError, Code: appErr.Code, Message: appErr.Message})
}

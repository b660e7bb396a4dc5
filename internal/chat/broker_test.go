package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, typingTTL time.Duration, opts ...Option) (*Broker, *Registry, *Store) {
	t.Helper()

	registry := NewRegistry()
	store := NewStore()
	broker := NewBroker(registry, store, typingTTL, opts...)
	t.Cleanup(broker.Shutdown)

	return broker, registry, store
}

func connectUser(b *Broker, userID, name string) *Connection {
	conn := NewUserConnection(UserInfo{UserID: userID, Name: name}, 32)
	b.HandleConnect(conn)
	return conn
}

func connectAdmin(b *Broker, adminID, name string) *Connection {
	conn := NewAdminConnection(adminID, name, 32)
	b.HandleConnect(conn)
	return conn
}

func nextEvent(t *testing.T, conn *Connection) any {
	t.Helper()

	select {
	case event, ok := <-conn.Events():
		require.True(t, ok, "connection closed while waiting for event")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func requireNoEvent(t *testing.T, conn *Connection) {
	t.Helper()

	select {
	case event := <-conn.Events():
		t.Fatalf("unexpected event %T: %+v", event, event)
	default:
	}
}

func drainEvents(conn *Connection) {
	for {
		select {
		case <-conn.Events():
		default:
			return
		}
	}
}

func joinFrame(chatID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"join_chat","chatId":%q}`, chatID))
}

func messageFrame(chatID, content string) []byte {
	return []byte(fmt.Sprintf(`{"type":"message","chatId":%q,"content":%q}`, chatID, content))
}

func typingFrame(chatID string, isTyping bool) []byte {
	return []byte(fmt.Sprintf(`{"type":"typing","chatId":%q,"isTyping":%v}`, chatID, isTyping))
}

func endFrame(chatID string) []byte {
	return []byte(fmt.Sprintf(`{"type":"end_chat","chatId":%q}`, chatID))
}

func TestUserConnectCreatesSessionAndNotifiesAdmins(t *testing.T) {
	broker, _, store := newTestBroker(t, time.Minute)

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)

	user := connectUser(broker, "user-1", "Ravi")

	established, ok := nextEvent(t, user).(ConnectionEstablished)
	require.True(t, ok)
	require.Equal(t, EventConnectionEstablished, established.Type)
	require.NotEmpty(t, established.ChatID)

	newChat, ok := nextEvent(t, admin).(NewChat)
	require.True(t, ok)
	require.Equal(t, established.ChatID, newChat.Session.ID)
	require.Equal(t, "user-1", newChat.Session.User.UserID)
	require.Equal(t, StateOpen, newChat.Session.State)

	active, ok := nextEvent(t, admin).(ActiveSessions)
	require.True(t, ok)
	require.Len(t, active.Sessions, 1)

	require.Equal(t, 1, store.Count())
}

func TestUserReconnectReusesSession(t *testing.T) {
	broker, _, store := newTestBroker(t, time.Minute)

	first := connectUser(broker, "user-1", "Ravi")
	established := nextEvent(t, first).(ConnectionEstablished)
	broker.HandleDisconnect(first)

	require.Equal(t, 1, store.Count(), "session must survive a disconnect")

	second := connectUser(broker, "user-1", "Ravi")
	reestablished := nextEvent(t, second).(ConnectionEstablished)
	require.Equal(t, established.ChatID, reestablished.ChatID)
	require.Equal(t, 1, store.Count())
}

func TestAdminWelcomeSequence(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	established := nextEvent(t, user).(ConnectionEstablished)

	admin := connectAdmin(broker, "agent-1", "Asha")

	welcome, ok := nextEvent(t, admin).(ConnectionEstablished)
	require.True(t, ok)
	require.Empty(t, welcome.ChatID)

	active, ok := nextEvent(t, admin).(ActiveSessions)
	require.True(t, ok)
	require.Len(t, active.Sessions, 1)
	require.Equal(t, established.ChatID, active.Sessions[0].ID)

	badge, ok := nextEvent(t, admin).(UnreadCount)
	require.True(t, ok)
	require.Zero(t, badge.Count)
}

func TestAdminJoinDeliversHistoryAndMessagesFlow(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	broker.HandleFrame(user, messageFrame(chatID, "hello, anyone there?"))
	echoed := nextEvent(t, user).(ChatMessageEvent)
	require.Equal(t, "hello, anyone there?", echoed.Message.Content)
	require.Equal(t, RoleUser, echoed.Message.SenderType)

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)

	broker.HandleFrame(admin, joinFrame(chatID))

	joined, ok := nextEvent(t, admin).(ChatJoined)
	require.True(t, ok)
	require.Equal(t, chatID, joined.ChatID)
	require.Len(t, joined.History, 1)
	require.Equal(t, "hello, anyone there?", joined.History[0].Content)
	require.Equal(t, "user-1", joined.UserInfo.UserID)
	drainEvents(admin)

	broker.HandleFrame(admin, messageFrame(chatID, "hi, how can I help?"))

	toUser := nextEvent(t, user).(ChatMessageEvent)
	require.Equal(t, "hi, how can I help?", toUser.Message.Content)
	require.Equal(t, RoleAdmin, toUser.Message.SenderType)

	toAdmin := nextEvent(t, admin).(ChatMessageEvent)
	require.Equal(t, toUser.Message.ID, toAdmin.Message.ID)
}

func TestUserCannotJoinForeignSession(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	owner := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, owner).(ConnectionEstablished).ChatID

	intruder := connectUser(broker, "user-2", "Mallory")
	drainEvents(intruder)

	broker.HandleFrame(intruder, joinFrame(chatID))

	errEvent, ok := nextEvent(t, intruder).(ErrorEvent)
	require.True(t, ok)
	require.Equal(t, "FORBIDDEN", errEvent.Code)
	requireNoEvent(t, owner)
}

func TestErrorEventsGoOnlyToSender(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	drainEvents(user)
	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)

	broker.HandleFrame(user, messageFrame("no-such-session", "hello"))

	errEvent, ok := nextEvent(t, user).(ErrorEvent)
	require.True(t, ok)
	require.Equal(t, EventError, errEvent.Type)
	require.Equal(t, "chat.session_not_found", errEvent.Code)
	requireNoEvent(t, admin)
}

func TestMessageGuards(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute, WithMaxMessageLength(10))

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)

	// Connected but not joined.
	broker.HandleFrame(admin, messageFrame(chatID, "hi"))
	errEvent := nextEvent(t, admin).(ErrorEvent)
	require.Equal(t, "chat.not_joined", errEvent.Code)

	// Blank content.
	broker.HandleFrame(user, messageFrame(chatID, "   "))
	errEvent = nextEvent(t, user).(ErrorEvent)
	require.Equal(t, "chat.malformed_frame", errEvent.Code)

	// Over the length cap.
	broker.HandleFrame(user, messageFrame(chatID, "this is far too long"))
	errEvent = nextEvent(t, user).(ErrorEvent)
	require.Equal(t, "chat.malformed_frame", errEvent.Code)
}

func TestMalformedFrames(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	drainEvents(user)

	for _, payload := range []string{
		`{not json`,
		`{"type":"message","content":"hi"}`,
		`{"type":"launch_missiles","chatId":"abc"}`,
	} {
		broker.HandleFrame(user, []byte(payload))
		errEvent, ok := nextEvent(t, user).(ErrorEvent)
		require.True(t, ok, "payload %q", payload)
		require.Equal(t, "chat.malformed_frame", errEvent.Code)
	}
}

func TestEndChatTearsDownSession(t *testing.T) {
	broker, _, store := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)
	broker.HandleFrame(admin, joinFrame(chatID))
	drainEvents(admin)
	drainEvents(user)

	broker.HandleFrame(user, endFrame(chatID))

	ended, ok := nextEvent(t, user).(ChatEnded)
	require.True(t, ok)
	require.Equal(t, chatID, ended.ChatID)
	require.Equal(t, EndReasonRequested, ended.Reason)

	adminEnded, ok := nextEvent(t, admin).(ChatEnded)
	require.True(t, ok)
	require.Equal(t, chatID, adminEnded.ChatID)

	require.Equal(t, 0, store.Count())
	require.Empty(t, user.Joined())
	require.Empty(t, admin.Joined())

	// An ended session is no longer addressable.
	broker.HandleFrame(user, messageFrame(chatID, "anyone?"))
	errEvent := nextEvent(t, user).(ErrorEvent)
	require.Equal(t, "chat.session_not_found", errEvent.Code)
}

func TestTakeoverDisplacesFirstAgent(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	first := connectAdmin(broker, "agent-1", "Asha")
	second := connectAdmin(broker, "agent-2", "Binod")
	drainEvents(first)
	drainEvents(second)

	broker.HandleFrame(first, joinFrame(chatID))
	drainEvents(first)
	drainEvents(second)

	broker.HandleFrame(second, joinFrame(chatID))

	displaced, ok := nextEvent(t, first).(Displaced)
	require.True(t, ok)
	require.Equal(t, chatID, displaced.ChatID)
	require.Equal(t, "agent-2", displaced.AgentID)
	require.Equal(t, "Binod", displaced.AgentName)
	require.Empty(t, first.Joined())

	joined, ok := nextEvent(t, second).(ChatJoined)
	require.True(t, ok)
	require.Equal(t, chatID, joined.ChatID)
	require.Equal(t, chatID, second.Joined())

	drainEvents(first)
	drainEvents(second)
	drainEvents(user)

	// Messages now route to the new agent only; the displaced one just sees
	// its unread badge move.
	broker.HandleFrame(user, messageFrame(chatID, "still there?"))

	msg := nextEvent(t, second).(ChatMessageEvent)
	require.Equal(t, "still there?", msg.Message.Content)

	badge, ok := nextEvent(t, first).(UnreadCount)
	require.True(t, ok)
	require.Equal(t, 1, badge.Count)
	requireNoEvent(t, first)
}

func TestMultiTabAdminMirrorsJoinedView(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	tabOne := connectAdmin(broker, "agent-1", "Asha")
	tabTwo := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(tabOne)
	drainEvents(tabTwo)

	broker.HandleFrame(tabOne, joinFrame(chatID))

	joinedOne, ok := nextEvent(t, tabOne).(ChatJoined)
	require.True(t, ok)
	require.Equal(t, chatID, joinedOne.ChatID)

	joinedTwo, ok := nextEvent(t, tabTwo).(ChatJoined)
	require.True(t, ok)
	require.Equal(t, chatID, joinedTwo.ChatID)
	require.Equal(t, chatID, tabTwo.Joined())

	drainEvents(tabOne)
	drainEvents(tabTwo)

	broker.HandleFrame(user, messageFrame(chatID, "hello"))

	require.Equal(t, "hello", nextEvent(t, tabOne).(ChatMessageEvent).Message.Content)
	require.Equal(t, "hello", nextEvent(t, tabTwo).(ChatMessageEvent).Message.Content)

	// Both tabs view the session, so the badge stays untouched.
	require.Zero(t, broker.Unread("agent-1"))
}

func TestTypingIndicatorExcludesSenderAndExpires(t *testing.T) {
	broker, _, _ := newTestBroker(t, 50*time.Millisecond)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)
	broker.HandleFrame(admin, joinFrame(chatID))
	drainEvents(admin)
	drainEvents(user)

	broker.HandleFrame(user, typingFrame(chatID, true))

	indicator, ok := nextEvent(t, admin).(TypingIndicator)
	require.True(t, ok)
	require.Equal(t, "user-1", indicator.UserID)
	require.Equal(t, RoleUser, indicator.UserType)
	require.True(t, indicator.IsTyping)
	requireNoEvent(t, user)

	// The flag auto-clears after the TTL without a client frame.
	cleared, ok := nextEvent(t, admin).(TypingIndicator)
	require.True(t, ok)
	require.False(t, cleared.IsTyping)
}

func TestTypingClearedByMessage(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	broker.HandleFrame(user, typingFrame(chatID, true))
	require.True(t, broker.typing.Active(chatID, RoleUser))

	broker.HandleFrame(user, messageFrame(chatID, "done typing"))
	require.False(t, broker.typing.Active(chatID, RoleUser))
}

func TestDisconnectNotifiesPeerAndIsIdempotent(t *testing.T) {
	broker, registry, store := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)
	broker.HandleFrame(admin, joinFrame(chatID))
	drainEvents(admin)
	drainEvents(user)

	broker.HandleDisconnect(user)

	notice, ok := nextEvent(t, admin).(ParticipantDisconnected)
	require.True(t, ok)
	require.Equal(t, RoleUser, notice.ParticipantType)
	require.Equal(t, "Ravi", notice.ParticipantName)

	// The session survives for a later reconnect.
	_, err := store.Get(chatID)
	require.NoError(t, err)

	// A duplicate disconnect must not emit a second notice.
	broker.HandleDisconnect(user)
	requireNoEvent(t, admin)
	require.Equal(t, 0, registry.Count(RoleUser))
}

func TestDisconnectOfOneTabStaysQuiet(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	tabOne := connectAdmin(broker, "agent-1", "Asha")
	tabTwo := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(tabOne)
	drainEvents(tabTwo)
	broker.HandleFrame(tabOne, joinFrame(chatID))
	drainEvents(tabOne)
	drainEvents(tabTwo)
	drainEvents(user)

	// One of two tabs closing is not a departure.
	broker.HandleDisconnect(tabTwo)
	requireNoEvent(t, user)

	broker.HandleDisconnect(tabOne)
	notice, ok := nextEvent(t, user).(ParticipantDisconnected)
	require.True(t, ok)
	require.Equal(t, RoleAdmin, notice.ParticipantType)
}

func TestUnreadBadgeFlatDecrementOnJoin(t *testing.T) {
	broker, _, _ := newTestBroker(t, time.Minute)

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)

	for i := 0; i < 3; i++ {
		broker.HandleFrame(user, messageFrame(chatID, fmt.Sprintf("msg %d", i)))
		drainEvents(user)
		badge, ok := nextEvent(t, admin).(UnreadCount)
		require.True(t, ok)
		require.Equal(t, i+1, badge.Count)
	}
	require.Equal(t, 3, broker.Unread("agent-1"))

	// Joining credits exactly one unit, not one per pending message.
	broker.HandleFrame(admin, joinFrame(chatID))
	_ = nextEvent(t, admin).(ChatJoined)
	badge, ok := nextEvent(t, admin).(UnreadCount)
	require.True(t, ok)
	require.Equal(t, 2, badge.Count)
	require.Equal(t, 2, broker.Unread("agent-1"))
}

type recordingSink struct {
	mu          sync.Mutex
	sessions    []Session
	messages    []Message
	assignments []string
	ends        []string
}

func (s *recordingSink) RecordSession(session Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append(s.sessions, session)
}

func (s *recordingSink) RecordMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) RecordAssignment(sessionID, agentID, agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, agentID)
}

func (s *recordingSink) RecordSessionEnd(sessionID string, endedAt time.Time, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, reason)
}

func TestBrokerFeedsTranscriptSink(t *testing.T) {
	sink := &recordingSink{}
	broker, _, _ := newTestBroker(t, time.Minute, WithTranscripts(sink))

	user := connectUser(broker, "user-1", "Ravi")
	chatID := nextEvent(t, user).(ConnectionEstablished).ChatID

	admin := connectAdmin(broker, "agent-1", "Asha")
	drainEvents(admin)
	broker.HandleFrame(admin, joinFrame(chatID))
	drainEvents(admin)
	drainEvents(user)

	broker.HandleFrame(user, messageFrame(chatID, "hello"))
	drainEvents(user)
	drainEvents(admin)

	broker.HandleFrame(admin, endFrame(chatID))

	require.Len(t, sink.sessions, 1)
	require.Equal(t, chatID, sink.sessions[0].ID)
	require.Equal(t, []string{"agent-1"}, sink.assignments)
	require.Len(t, sink.messages, 1)
	require.Equal(t, "hello", sink.messages[0].Content)
	require.Equal(t, []string{EndReasonRequested}, sink.ends)
}

func TestBackpressureDropsSlowClient(t *testing.T) {
	broker, registry, _ := newTestBroker(t, time.Minute)

	// A one-slot queue cannot absorb the three-event admin welcome.
	slow := NewAdminConnection("agent-1", "Asha", 1)
	broker.HandleConnect(slow)

	require.Equal(t, 0, registry.Count(RoleAdmin))
}

package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/commonaid/realtime/internal/registry"
	"github.com/commonaid/realtime/internal/storage"
	"github.com/commonaid/realtime/pkg/models"
)

func TestAuthenticateSuccess(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)
	env.seedUser(t, &models.User{ID: 42, Username: "ada", AvatarURL: "https://example.com/ada.png"})

	// Prior retry state must be wiped by a successful handshake.
	if _, _, err := env.srv.Retries().Next(s.conn.ID); err != nil {
		t.Fatal(err)
	}

	token, err := env.jwt.Generate(42, "ada")
	if err != nil {
		t.Fatal(err)
	}
	inbound(t, s, ActionAuthenticate, token)

	event := nextEvent(t, s)
	if event.Type != EventAuthenticated {
		t.Fatalf("event = %s (%s), want %s", event.Type, event.Data, EventAuthenticated)
	}
	data := decodeData(t, event)
	if data["userId"] != float64(42) || data["username"] != "ada" {
		t.Errorf("authenticated data = %v", data)
	}

	if !s.conn.Authenticated() || s.conn.UserID() != 42 {
		t.Error("connection not marked authenticated")
	}
	if !s.conn.InRoom(registry.UserRoom(42)) {
		t.Error("connection not in its personal room")
	}
	if env.srv.Retries().Active() != 0 {
		t.Error("retry state survived authentication")
	}

	presences, err := env.stores.Presences.ListAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(presences) != 1 || presences[0].ConnectionID != s.conn.ID || presences[0].UserID != 42 {
		t.Errorf("presence rows = %+v", presences)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name    string
		data    any
		message string
	}{
		{name: "no payload", data: nil, message: "Authentication token required"},
		{name: "empty token", data: "", message: "Authentication token required"},
		{name: "blank token", data: "   ", message: "Authentication token required"},
		{name: "garbage token", data: "not.a.token", message: "Invalid authentication token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.newSession(t)

			inbound(t, s, ActionAuthenticate, tt.data)
			expectError(t, s, EventAuthError, tt.message)

			if s.conn.Authenticated() {
				t.Error("connection authenticated despite failure")
			}
			presences, err := env.stores.Presences.ListAll(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			if len(presences) != 0 {
				t.Errorf("failed handshake left %d presence rows", len(presences))
			}
		})
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	// Valid credential for a user the store has never seen.
	token, err := env.jwt.Generate(99, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	inbound(t, s, ActionAuthenticate, token)
	expectError(t, s, EventAuthError, "User not found")

	if s.conn.Authenticated() {
		t.Error("connection authenticated for unknown user")
	}
}

func TestPing(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	before := time.Now().UnixMilli()
	inbound(t, s, ActionPing, pingParams{Timestamp: before})

	event := nextEvent(t, s)
	if event.Type != EventPong {
		t.Fatalf("event = %s, want %s", event.Type, EventPong)
	}
	data := decodeData(t, event)
	ts, ok := data["timestamp"].(float64)
	if !ok || int64(ts) < before {
		t.Errorf("pong timestamp = %v, want >= %d", data["timestamp"], before)
	}
}

func TestRoomActionsRequireAuthentication(t *testing.T) {
	actions := []struct {
		name   string
		action string
		data   any
	}{
		{name: "join", action: ActionJoinHelpRequest, data: 7},
		{name: "leave", action: ActionLeaveHelpRequest, data: 7},
		{name: "send", action: ActionSendMessage, data: sendMessageParams{HelpRequestID: 7, Message: "hi"}},
	}

	for _, tt := range actions {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.newSession(t)

			inbound(t, s, tt.action, tt.data)
			expectError(t, s, EventError, "Not authenticated")
		})
	}
}

func TestJoinAndLeaveHelpRequest(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)
	env.authenticate(t, s, 42, "ada")

	inbound(t, s, ActionJoinHelpRequest, 7)
	event := nextEvent(t, s)
	if event.Type != EventRoomJoined {
		t.Fatalf("event = %s, want %s", event.Type, EventRoomJoined)
	}
	data := decodeData(t, event)
	if data["helpRequestId"] != float64(7) || data["room"] != "help_request_7" {
		t.Errorf("room_joined data = %v", data)
	}
	if !s.conn.InRoom("help_request_7") {
		t.Error("connection not in room after join")
	}

	// Rejoining is confirmed again but holds a single membership.
	inbound(t, s, ActionJoinHelpRequest, 7)
	if event := nextEvent(t, s); event.Type != EventRoomJoined {
		t.Fatalf("repeat join event = %s", event.Type)
	}
	if got := len(s.conn.Rooms()); got != 2 {
		t.Errorf("rooms = %d, want personal room plus one", got)
	}

	inbound(t, s, ActionLeaveHelpRequest, 7)
	if event := nextEvent(t, s); event.Type != EventRoomLeft {
		t.Fatalf("leave event = %s", event.Type)
	}
	if s.conn.InRoom("help_request_7") {
		t.Error("connection still in room after leave")
	}
}

func TestJoinRejectsInvalidHelpRequestID(t *testing.T) {
	tests := []struct {
		name string
		data any
	}{
		{name: "zero", data: 0},
		{name: "negative", data: -3},
		{name: "not a number", data: "seven"},
		{name: "missing", data: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.newSession(t)
			env.authenticate(t, s, 42, "ada")

			inbound(t, s, ActionJoinHelpRequest, tt.data)
			expectError(t, s, EventError, "Invalid help request id")
			if s.conn.InRoom("help_request_0") || len(s.conn.Rooms()) != 1 {
				t.Errorf("rooms after rejected join = %v", s.conn.Rooms())
			}
		})
	}
}

func TestSendMessageValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  sendMessageParams
		message string
	}{
		{
			name:    "invalid help request id",
			params:  sendMessageParams{HelpRequestID: 0, Message: "hi"},
			message: "Invalid help request id",
		},
		{
			name:    "empty message",
			params:  sendMessageParams{HelpRequestID: 7, Message: ""},
			message: "Message cannot be empty",
		},
		{
			name:    "whitespace only",
			params:  sendMessageParams{HelpRequestID: 7, Message: "   \n\t  "},
			message: "Message cannot be empty",
		},
		{
			name:    "over the cap",
			params:  sendMessageParams{HelpRequestID: 7, Message: strings.Repeat("a", 1001)},
			message: "Message too long",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			s := env.newSession(t)
			env.authenticate(t, s, 42, "ada")

			inbound(t, s, ActionSendMessage, tt.params)
			expectError(t, s, EventError, tt.message)

			stored := env.stores.Messages.(*storage.MemoryMessageStore).Messages()
			if len(stored) != 0 {
				t.Errorf("rejected message was stored: %+v", stored)
			}
		})
	}
}

func TestSendMessageAtCapIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)
	env.authenticate(t, s, 42, "ada")
	inbound(t, s, ActionJoinHelpRequest, 7)
	nextEvent(t, s)

	inbound(t, s, ActionSendMessage, sendMessageParams{
		HelpRequestID: 7,
		Message:       strings.Repeat("x", 1000),
	})

	// Sender is in the room, so the broadcast lands first, then the
	// private confirmation.
	if event := nextEvent(t, s); event.Type != EventNewMessage {
		t.Fatalf("event = %s (%s), want %s", event.Type, event.Data, EventNewMessage)
	}
	if event := nextEvent(t, s); event.Type != EventMessageSent {
		t.Fatalf("event = %s, want %s", event.Type, EventMessageSent)
	}
}

func TestSendMessagePersistsThenBroadcasts(t *testing.T) {
	env := newTestEnv(t)

	sender := env.newSession(t)
	env.authenticate(t, sender, 1, "ada")
	env.seedUser(t, &models.User{ID: 1, Username: "ada", AvatarURL: "https://example.com/ada.png"})

	receiver := env.newSession(t)
	env.authenticate(t, receiver, 2, "grace")

	for _, s := range []*session{sender, receiver} {
		inbound(t, s, ActionJoinHelpRequest, 7)
		nextEvent(t, s)
	}

	inbound(t, sender, ActionSendMessage, sendMessageParams{HelpRequestID: 7, Message: "  hello  "})

	stored := env.stores.Messages.(*storage.MemoryMessageStore).Messages()
	if len(stored) != 1 {
		t.Fatalf("stored messages = %d, want 1", len(stored))
	}
	if stored[0].HelpRequestID != 7 || stored[0].SenderID != 1 || stored[0].Body != "hello" {
		t.Errorf("stored message = %+v", stored[0])
	}

	broadcast := nextEvent(t, sender)
	if broadcast.Type != EventNewMessage {
		t.Fatalf("sender event = %s, want %s", broadcast.Type, EventNewMessage)
	}
	data := decodeData(t, broadcast)
	if data["senderId"] != float64(1) || data["username"] != "ada" || data["message"] != "hello" {
		t.Errorf("new_message data = %v", data)
	}
	if data["id"] != float64(stored[0].ID) {
		t.Errorf("broadcast id = %v, want %d", data["id"], stored[0].ID)
	}
	if _, err := time.Parse(time.RFC3339, data["createdAt"].(string)); err != nil {
		t.Errorf("createdAt %v is not RFC3339", data["createdAt"])
	}

	confirmation := nextEvent(t, sender)
	if confirmation.Type != EventMessageSent {
		t.Fatalf("sender event = %s, want %s", confirmation.Type, EventMessageSent)
	}
	if data := decodeData(t, confirmation); data["id"] != float64(stored[0].ID) {
		t.Errorf("message_sent id = %v", data["id"])
	}

	if event := nextEvent(t, receiver); event.Type != EventNewMessage {
		t.Fatalf("receiver event = %s, want %s", event.Type, EventNewMessage)
	}
	noPendingEvents(t, receiver)
}

func TestSendMessagePersistFailureSuppressesBroadcast(t *testing.T) {
	env := newTestEnv(t)

	sender := env.newSession(t)
	env.authenticate(t, sender, 1, "ada")
	receiver := env.newSession(t)
	env.authenticate(t, receiver, 2, "grace")

	for _, s := range []*session{sender, receiver} {
		inbound(t, s, ActionJoinHelpRequest, 7)
		nextEvent(t, s)
	}

	env.stores.Messages.(*storage.MemoryMessageStore).FailInsert = true
	inbound(t, sender, ActionSendMessage, sendMessageParams{HelpRequestID: 7, Message: "hello"})

	expectError(t, sender, EventError, "Failed to save message")
	noPendingEvents(t, receiver)

	if stored := env.stores.Messages.(*storage.MemoryMessageStore).Messages(); len(stored) != 0 {
		t.Errorf("failed insert stored %d messages", len(stored))
	}
}

func TestRetryConnectionAdvancesSchedule(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	inbound(t, s, ActionRetryConnection, nil)

	// The notice is deferred by the backoff delay; nothing is emitted
	// synchronously.
	noPendingEvents(t, s)
	if env.srv.Retries().Active() != 1 {
		t.Error("retry state not recorded")
	}
	if got := env.srv.Retries().NextDelay(s.conn.ID); got != 4*time.Second {
		t.Errorf("next delay = %v, want 4s after one attempt", got)
	}
}

func TestRetryConnectionExhaustionClosesConnection(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	for i := 0; i < 5; i++ {
		if _, _, err := env.srv.Retries().Next(s.conn.ID); err != nil {
			t.Fatal(err)
		}
	}

	inbound(t, s, ActionRetryConnection, nil)

	event := nextEvent(t, s)
	if event.Type != EventMaxRetriesReached {
		t.Fatalf("event = %s, want %s", event.Type, EventMaxRetriesReached)
	}
	data := decodeData(t, event)
	if data["message"] != "Maximum retry attempts reached" || data["attempts"] != float64(5) {
		t.Errorf("max_retries_reached data = %v", data)
	}

	if s.Open() {
		t.Error("session still open after retry exhaustion")
	}
	if env.srv.Registry().Get(s.conn.ID) != nil {
		t.Error("connection still registered after retry exhaustion")
	}
}

func TestUnknownActionType(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	inbound(t, s, "subscribe_everything", nil)
	expectError(t, s, EventError, "Unknown message type")

	if !s.Open() {
		t.Error("unknown action closed the connection")
	}
}

func TestMalformedPayloadKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t)
	s := env.newSession(t)

	s.dispatch([]byte(`{"type": `))
	expectError(t, s, EventError, "Invalid message format")

	s.dispatch([]byte(`{"data": {"no": "type"}}`))
	expectError(t, s, EventError, "Invalid message format")

	if !s.Open() {
		t.Error("malformed payload closed the connection")
	}
	if env.srv.Registry().Get(s.conn.ID) == nil {
		t.Error("connection dropped from registry")
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/commonaid/realtime/internal/reconnect"
	"github.com/commonaid/realtime/internal/registry"
	"github.com/commonaid/realtime/internal/storage"
	"github.com/commonaid/realtime/pkg/models"
)

// dispatch routes one inbound message. Every error is converted to an
// outbound event here; nothing escapes to kill the read loop.
func (s *session) dispatch(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		s.server.metrics.ErrorsTotal.WithLabelValues("protocol").Inc()
		s.server.logger.Debug("malformed inbound payload",
			"connection_id", s.conn.ID, "error", err)
		s.sendEvent(EventError, map[string]any{"message": "Invalid message format"})
		return
	}

	s.server.metrics.ActionsTotal.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case ActionAuthenticate:
		s.handleAuthenticate(env.Data)
	case ActionPing:
		s.handlePing(env.Data)
	case ActionJoinHelpRequest:
		s.handleJoinHelpRequest(env.Data)
	case ActionLeaveHelpRequest:
		s.handleLeaveHelpRequest(env.Data)
	case ActionSendMessage:
		s.handleSendMessage(env.Data)
	case ActionRetryConnection:
		s.handleRetryConnection()
	default:
		s.server.metrics.ErrorsTotal.WithLabelValues("protocol").Inc()
		s.sendEvent(EventError, map[string]any{"message": "Unknown message type"})
	}
}

// handleAuthenticate promotes the connection from anonymous to
// authenticated: verify the credential, resolve the user, persist
// presence, join the personal room, reset backoff, confirm.
func (s *session) handleAuthenticate(data json.RawMessage) {
	var token string
	if len(data) == 0 || json.Unmarshal(data, &token) != nil || strings.TrimSpace(token) == "" {
		s.authError("Authentication token required")
		return
	}

	userID, err := s.server.auth.Verify(token)
	if err != nil {
		s.authError("Invalid authentication token")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	user, err := s.server.stores.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.authError("User not found")
			return
		}
		s.server.logger.Error("user lookup failed",
			"connection_id", s.conn.ID, "user_id", userID, "error", err)
		s.authError("Authentication failed")
		return
	}

	if err := s.server.stores.Presences.Insert(ctx, s.conn.ID, user.ID); err != nil {
		s.server.logger.Error("presence insert failed",
			"connection_id", s.conn.ID, "user_id", user.ID, "error", err)
		s.authError("Authentication failed")
		return
	}

	s.conn.SetUserID(user.ID)
	s.conn.JoinRoom(registry.UserRoom(user.ID))
	s.server.retries.Clear(s.conn.ID)

	s.server.metrics.ConnectionsTotal.WithLabelValues("authenticated").Inc()
	s.server.logger.Info("connection authenticated",
		"connection_id", s.conn.ID, "user_id", user.ID)

	s.sendEvent(EventAuthenticated, map[string]any{
		"userId":   user.ID,
		"username": user.Username,
	})
}

func (s *session) handlePing(data json.RawMessage) {
	var params pingParams
	_ = json.Unmarshal(data, &params)
	s.sendEvent(EventPong, map[string]any{
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *session) handleJoinHelpRequest(data json.RawMessage) {
	helpRequestID, ok := s.requireHelpRequestID(data)
	if !ok {
		return
	}
	room := registry.HelpRequestRoom(helpRequestID)
	s.conn.JoinRoom(room)
	s.sendEvent(EventRoomJoined, map[string]any{
		"helpRequestId": helpRequestID,
		"room":          room,
	})
}

func (s *session) handleLeaveHelpRequest(data json.RawMessage) {
	helpRequestID, ok := s.requireHelpRequestID(data)
	if !ok {
		return
	}
	room := registry.HelpRequestRoom(helpRequestID)
	s.conn.LeaveRoom(room)
	s.sendEvent(EventRoomLeft, map[string]any{
		"helpRequestId": helpRequestID,
		"room":          room,
	})
}

// requireHelpRequestID enforces the authenticated-only and
// positive-numeric-id preconditions shared by the room actions.
func (s *session) requireHelpRequestID(data json.RawMessage) (int64, bool) {
	if !s.conn.Authenticated() {
		s.notAuthenticated()
		return 0, false
	}
	var helpRequestID int64
	if len(data) == 0 || json.Unmarshal(data, &helpRequestID) != nil || helpRequestID <= 0 {
		s.validationError("Invalid help request id")
		return 0, false
	}
	return helpRequestID, true
}

// handleSendMessage is the persistence bridge: validate, write to the
// durable store, then fan out. A failed write produces zero broadcasts.
func (s *session) handleSendMessage(data json.RawMessage) {
	if !s.conn.Authenticated() {
		s.notAuthenticated()
		return
	}

	var params sendMessageParams
	if err := json.Unmarshal(data, &params); err != nil {
		s.server.metrics.ErrorsTotal.WithLabelValues("protocol").Inc()
		s.sendEvent(EventError, map[string]any{"message": "Invalid message format"})
		return
	}
	if params.HelpRequestID <= 0 {
		s.validationError("Invalid help request id")
		return
	}
	body := strings.TrimSpace(params.Message)
	if body == "" {
		s.validationError("Message cannot be empty")
		return
	}
	if utf8.RuneCountInString(body) > s.server.config.Gateway.MaxMessageChars {
		s.validationError("Message too long")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	msg := &models.Message{
		HelpRequestID: params.HelpRequestID,
		SenderID:      s.conn.UserID(),
		Body:          body,
	}
	if err := s.server.stores.Messages.Insert(ctx, msg); err != nil {
		s.server.metrics.ErrorsTotal.WithLabelValues("persistence").Inc()
		s.server.logger.Error("message insert failed",
			"connection_id", s.conn.ID, "help_request_id", params.HelpRequestID, "error", err)
		s.sendEvent(EventError, map[string]any{"message": "Failed to save message"})
		return
	}

	sender, err := s.server.stores.Users.FindByID(ctx, msg.SenderID)
	if err != nil {
		// The message is committed; enrichment failure must not
		// suppress delivery.
		s.server.logger.Warn("sender lookup failed",
			"connection_id", s.conn.ID, "user_id", msg.SenderID, "error", err)
		sender = &models.User{ID: msg.SenderID}
	}

	s.server.BroadcastToRoom(registry.HelpRequestRoom(msg.HelpRequestID), EventNewMessage, map[string]any{
		"id":            msg.ID,
		"helpRequestId": msg.HelpRequestID,
		"senderId":      msg.SenderID,
		"username":      sender.Username,
		"avatarUrl":     sender.AvatarURL,
		"message":       msg.Body,
		"createdAt":     msg.CreatedAt.UTC().Format(time.RFC3339),
	})

	s.sendEvent(EventMessageSent, map[string]any{
		"id":            msg.ID,
		"helpRequestId": msg.HelpRequestID,
		"createdAt":     msg.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// handleRetryConnection advances the bounded backoff negotiation. The
// delayed notice only prepares the client to re-attempt the handshake;
// it does not itself re-authenticate.
func (s *session) handleRetryConnection() {
	attempt, delay, err := s.server.retries.Next(s.conn.ID)
	if errors.Is(err, reconnect.ErrExhausted) {
		s.server.metrics.ErrorsTotal.WithLabelValues("retry_exhausted").Inc()
		s.sendEvent(EventMaxRetriesReached, map[string]any{
			"message":  "Maximum retry attempts reached",
			"attempts": attempt,
		})
		s.teardown(reasonMaxRetriesExceeded)
		return
	}

	nextDelay := s.server.retries.NextDelay(s.conn.ID)
	time.AfterFunc(delay, func() {
		if !s.Open() {
			return
		}
		s.sendEvent(EventConnectionRetry, map[string]any{
			"attempt":     attempt,
			"nextRetryIn": nextDelay.Milliseconds(),
		})
	})
}

func (s *session) authError(message string) {
	s.server.metrics.ErrorsTotal.WithLabelValues("auth").Inc()
	s.sendEvent(EventAuthError, map[string]any{"message": message})
}

func (s *session) validationError(message string) {
	s.server.metrics.ErrorsTotal.WithLabelValues("validation").Inc()
	s.sendEvent(EventError, map[string]any{"message": message})
}

func (s *session) notAuthenticated() {
	s.server.metrics.ErrorsTotal.WithLabelValues("not_authenticated").Inc()
	s.sendEvent(EventError, map[string]any{"message": "Not authenticated"})
}

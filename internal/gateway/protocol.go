package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire format for both directions: a type tag and an
// optional payload.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound action types. Unknown types fall through to a single generic
// error response in dispatch.
const (
	ActionAuthenticate     = "authenticate"
	ActionPing             = "ping"
	ActionJoinHelpRequest  = "join_help_request"
	ActionLeaveHelpRequest = "leave_help_request"
	ActionSendMessage      = "send_message"
	ActionRetryConnection  = "retry_connection"
)

// Outbound event types.
const (
	EventConnected         = "connected"
	EventAuthenticated     = "authenticated"
	EventAuthError         = "auth_error"
	EventPong              = "pong"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventNewMessage        = "new_message"
	EventMessageSent       = "message_sent"
	EventError             = "error"
	EventErrorHandled      = "error_handled"
	EventIdleTimeout       = "idle_timeout"
	EventConnectionRetry   = "connection_retry"
	EventMaxRetriesReached = "max_retries_reached"
)

// Close reasons routed through the single teardown path.
const (
	reasonConnectionClosed   = "connection_closed"
	reasonIdleTimeout        = "idle_timeout"
	reasonMaxRetriesExceeded = "max_retries_exceeded"
	reasonServerShutdown     = "server_shutdown"
)

type sendMessageParams struct {
	HelpRequestID int64  `json:"helpRequestId"`
	Message       string `json:"message"`
}

type pingParams struct {
	Timestamp int64 `json:"timestamp"`
}

// encodeEvent marshals an outbound envelope.
func encodeEvent(eventType string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = encoded
	}
	return json.Marshal(Envelope{Type: eventType, Data: raw})
}

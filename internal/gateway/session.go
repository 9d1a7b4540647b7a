package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/commonaid/realtime/internal/liveness"
	"github.com/commonaid/realtime/internal/registry"
)

const (
	wsMaxPayloadBytes = 1 << 16
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 64
)

// wsTransport is the slice of *websocket.Conn the session uses, split
// out so tests can substitute a fake.
type wsTransport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// session binds one websocket transport to its registry entry and
// liveness handle. Inbound messages for a session are processed
// strictly in arrival order by the read loop; only the write loop and
// timers touch the transport concurrently.
type session struct {
	server *Server
	ws     wsTransport
	conn   *registry.Conn
	handle *liveness.Handle

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	closed       atomic.Bool
	teardownOnce sync.Once
}

var _ registry.Sender = (*session)(nil)

// Send enqueues an encoded frame for the write loop. A full buffer is
// reported as an error; the caller treats it like any other failed
// delivery.
func (s *session) Send(frame []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	select {
	case s.send <- frame:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

// Open reports whether the transport can still accept frames.
func (s *session) Open() bool {
	return !s.closed.Load()
}

// CloseWithReason closes the transport, telling the client why.
func (s *session) CloseWithReason(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	return s.ws.Close()
}

// run drives the session until the transport closes.
func (s *session) run() {
	go s.writeLoop()
	s.readLoop()
	s.teardown(reasonConnectionClosed)
}

func (s *session) readLoop() {
	s.ws.SetReadLimit(wsMaxPayloadBytes)
	s.ws.SetPongHandler(func(string) error {
		s.conn.Touch()
		return nil
	})

	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.server.logger.Debug("transport error",
					"connection_id", s.conn.ID, "error", err)
				s.server.metrics.ErrorsTotal.WithLabelValues("transport").Inc()
				// Acknowledge if the write side is still reachable,
				// then fall through to the shared teardown path.
				s.sendEvent(EventErrorHandled, map[string]any{
					"message": "Connection error handled",
				})
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		s.conn.Touch()
		s.dispatch(data)
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

// probe sends one heartbeat ping. An error tells the liveness handle
// the transport is gone so the heartbeat self-cancels.
func (s *session) probe() error {
	if s.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	return s.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

// onIdle runs when the idle timer expires past the threshold. The
// notice is sent best-effort before the close.
func (s *session) onIdle() {
	s.sendEvent(EventIdleTimeout, map[string]any{
		"message": "Connection closed due to inactivity",
	})
	s.teardown(reasonIdleTimeout)
}

// sendEvent encodes and enqueues an outbound event to this connection
// only.
func (s *session) sendEvent(eventType string, data any) {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		s.server.logger.Error("encode event failed",
			"connection_id", s.conn.ID, "event", eventType, "error", err)
		return
	}
	if err := s.Send(frame); err != nil {
		s.server.logger.Debug("send failed",
			"connection_id", s.conn.ID, "event", eventType, "error", err)
		return
	}
	s.server.metrics.EventsTotal.WithLabelValues(eventType).Inc()
}

// teardown is the single cleanup path for every fatal condition: close,
// read error, idle timeout, retry exhaustion, sweeper eviction, and
// shutdown. Idempotent; late timer fires after teardown are no-ops.
func (s *session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.closed.Store(true)

		if s.handle != nil {
			s.handle.Stop()
		}

		if s.conn.Authenticated() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.server.stores.Presences.Delete(ctx, s.conn.ID); err != nil {
				s.server.logger.Warn("presence delete failed; sweeper will reconcile",
					"connection_id", s.conn.ID, "error", err)
			}
			cancel()
		}

		s.server.registry.Remove(s.conn.ID)
		s.cancel()
		_ = s.CloseWithReason(reason)

		s.server.metrics.ActiveConnections.Dec()
		s.server.metrics.ConnectionsTotal.WithLabelValues("closed").Inc()
		s.server.logger.Info("connection closed",
			"connection_id", s.conn.ID,
			"user_id", s.conn.UserID(),
			"reason", reason)
	})
}

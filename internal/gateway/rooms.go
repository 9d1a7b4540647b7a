package gateway

import (
	"github.com/commonaid/realtime/internal/registry"
)

// BroadcastToRoom fans an event out to every open connection holding
// the room. Delivery failures to one recipient never abort delivery to
// the rest; a connection closing mid-broadcast is skipped. Exported so
// CRUD handlers can announce server-originated events (a new help
// request, a crisis alert) into a room.
func (srv *Server) BroadcastToRoom(roomID, eventType string, data any) {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		srv.logger.Error("encode broadcast failed",
			"room", roomID, "event", eventType, "error", err)
		return
	}

	srv.registry.ForEach(func(conn *registry.Conn) {
		if !conn.InRoom(roomID) {
			return
		}
		srv.deliver(conn, frame)
	})
	srv.metrics.EventsTotal.WithLabelValues(eventType).Inc()
}

// Broadcast fans an event out to every open connection regardless of
// room membership.
func (srv *Server) Broadcast(eventType string, data any) {
	frame, err := encodeEvent(eventType, data)
	if err != nil {
		srv.logger.Error("encode broadcast failed",
			"event", eventType, "error", err)
		return
	}

	srv.registry.ForEach(func(conn *registry.Conn) {
		srv.deliver(conn, frame)
	})
	srv.metrics.EventsTotal.WithLabelValues(eventType).Inc()
}

func (srv *Server) deliver(conn *registry.Conn, frame []byte) {
	sender := conn.Sender()
	if !sender.Open() {
		srv.metrics.BroadcastDeliveries.WithLabelValues("skipped").Inc()
		return
	}
	if err := sender.Send(frame); err != nil {
		srv.metrics.BroadcastDeliveries.WithLabelValues("failed").Inc()
		srv.logger.Debug("broadcast delivery failed",
			"connection_id", conn.ID, "error", err)
		return
	}
	srv.metrics.BroadcastDeliveries.WithLabelValues("delivered").Inc()
}

// Package gateway implements the realtime connection manager: websocket
// accept and handshake, room-scoped fan-out, the message persistence
// bridge, and the reconnection protocol.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commonaid/realtime/internal/auth"
	"github.com/commonaid/realtime/internal/backoff"
	"github.com/commonaid/realtime/internal/config"
	"github.com/commonaid/realtime/internal/liveness"
	"github.com/commonaid/realtime/internal/observability"
	"github.com/commonaid/realtime/internal/reconnect"
	"github.com/commonaid/realtime/internal/registry"
	"github.com/commonaid/realtime/internal/storage"
)

// Server owns the connection registry and everything attached to it.
type Server struct {
	config   *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	auth     *auth.JWTService
	stores   storage.StoreSet
	registry *registry.Registry
	liveness *liveness.Supervisor
	retries  *reconnect.Tracker
	upgrader websocket.Upgrader

	startTime time.Time
}

// NewServer wires the gateway. If logger is nil, slog.Default() is
// used; if metrics is nil a fresh default-registered set is created.
func NewServer(
	cfg *config.Config,
	stores storage.StoreSet,
	jwtService *auth.JWTService,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	livenessConfig := liveness.Config{
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval(),
		IdleTimeout:       cfg.Gateway.IdleTimeout(),
	}

	return &Server{
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		auth:     jwtService,
		stores:   stores,
		registry: registry.New(),
		liveness: liveness.NewSupervisor(livenessConfig, logger),
		retries:  reconnect.NewTracker(backoff.ReconnectPolicy(), cfg.Gateway.MaxRetries),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
	}
}

// Registry exposes the connection table to the sweeper.
func (srv *Server) Registry() *registry.Registry {
	return srv.registry
}

// Retries exposes the retry tracker to the sweeper.
func (srv *Server) Retries() *reconnect.Tracker {
	return srv.retries
}

// Handler returns the HTTP surface: websocket upgrade, health
// introspection, and Prometheus metrics.
func (srv *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.handleWS)
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleWS upgrades the transport and runs the session to completion.
func (srv *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	srv.attach(ws).run()
}

// attach allocates registry state and liveness timers for a freshly
// accepted transport and announces the connection to the client.
func (srv *Server) attach(ws wsTransport) *session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		server: srv,
		ws:     ws,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	sess.conn = srv.registry.Allocate(sess)
	sess.handle = srv.liveness.Attach(sess.conn.ID, liveness.Hooks{
		Probe:        sess.probe,
		LastActivity: sess.conn.LastActivity,
		OnIdle:       sess.onIdle,
	})

	srv.metrics.ActiveConnections.Inc()
	srv.metrics.ConnectionsTotal.WithLabelValues("opened").Inc()
	srv.logger.Info("connection opened", "connection_id", sess.conn.ID)

	sess.sendEvent(EventConnected, map[string]any{
		"connectionId": sess.conn.ID,
	})
	return sess
}

// ForceClose tears down the connection with the given id, if it still
// exists. Used by the sweeper and for administrative eviction.
func (srv *Server) ForceClose(connectionID, reason string) {
	conn := srv.registry.Get(connectionID)
	if conn == nil {
		return
	}
	if sess, ok := conn.Sender().(*session); ok {
		sess.teardown(reason)
		return
	}
	// Non-session sender: close and detach directly.
	_ = conn.Sender().CloseWithReason(reason)
	srv.registry.Remove(connectionID)
}

// Shutdown closes every live connection through the normal teardown
// path.
func (srv *Server) Shutdown(ctx context.Context) {
	srv.registry.ForEach(func(conn *registry.Conn) {
		srv.ForceClose(conn.ID, reasonServerShutdown)
	})
}

// Status is the synchronous health snapshot exposed to operators.
type Status struct {
	ActiveConnections int    `json:"activeConnections"`
	RetryAttempts     int    `json:"retryAttempts"`
	Timestamp         string `json:"timestamp"`
}

// Status reports the current connection and retry-state counts.
func (srv *Server) Status() Status {
	return Status{
		ActiveConnections: srv.registry.Len(),
		RetryAttempts:     srv.retries.Active(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}
}

func (srv *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(srv.Status())
}

// Package liveness owns the per-connection heartbeat and idle-timeout
// timers.
package liveness

import (
	"log/slog"
	"sync"
	"time"
)

// Config configures liveness supervision.
type Config struct {
	// HeartbeatInterval is the fixed cadence for liveness probes.
	HeartbeatInterval time.Duration
	// IdleTimeout is the inactivity threshold after which a connection
	// is presumed dead.
	IdleTimeout time.Duration
}

// DefaultConfig returns the production cadences: 30s heartbeats, 30m
// idle timeout.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       30 * time.Minute,
	}
}

// Hooks are the callbacks a supervised connection provides.
type Hooks struct {
	// Probe sends one liveness probe. An error means the transport is
	// gone; the heartbeat self-cancels without propagating it.
	Probe func() error
	// LastActivity returns the time of the most recent inbound message.
	LastActivity func() time.Time
	// OnIdle is called at most once, when idle time exceeds the
	// timeout.
	OnIdle func()
}

// Supervisor attaches liveness timers to connections.
type Supervisor struct {
	config Config
	logger *slog.Logger
}

// NewSupervisor creates a supervisor. If logger is nil, slog.Default()
// is used.
func NewSupervisor(config Config, logger *slog.Logger) *Supervisor {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{config: config, logger: logger}
}

// Handle is the pair of timers owned by one connection. Stop is
// idempotent, and timers that fire after Stop are tolerated no-ops
// rather than errors: cancellation is best-effort.
type Handle struct {
	hooks  Hooks
	config Config

	mu        sync.Mutex
	stopped   bool
	idleFired bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	idleTimer *time.Timer
}

// Attach starts heartbeat emission and idle detection for a connection
// and returns the handle to cancel them on teardown.
func (s *Supervisor) Attach(connectionID string, hooks Hooks) *Handle {
	h := &Handle{
		hooks:  hooks,
		config: s.config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	h.idleTimer = time.AfterFunc(s.config.IdleTimeout, h.checkIdle)
	go h.heartbeatLoop()

	s.logger.Debug("liveness attached",
		"connection_id", connectionID,
		"heartbeat_interval", s.config.HeartbeatInterval,
		"idle_timeout", s.config.IdleTimeout)
	return h
}

// heartbeatLoop emits probes on a fixed cadence. Inbound traffic does
// not reset the schedule; only Stop or a failed probe ends it.
func (h *Handle) heartbeatLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if h.isStopped() {
				return
			}
			if err := h.hooks.Probe(); err != nil {
				// Transport already closed; expected, not exceptional.
				return
			}
		}
	}
}

// checkIdle runs when the idle timer expires. The timer is re-armed
// only from inside this check, so detection lag is bounded by one full
// timeout period.
func (h *Handle) checkIdle() {
	h.mu.Lock()
	if h.stopped || h.idleFired {
		h.mu.Unlock()
		return
	}
	idle := time.Since(h.hooks.LastActivity())
	if idle < h.config.IdleTimeout {
		h.idleTimer.Reset(h.config.IdleTimeout)
		h.mu.Unlock()
		return
	}
	h.idleFired = true
	h.mu.Unlock()

	h.hooks.OnIdle()
}

// Stop cancels both timers. Safe to call more than once, including
// concurrently with a firing timer.
func (h *Handle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.stopCh)
	if h.idleTimer != nil {
		h.idleTimer.Stop()
	}
	h.mu.Unlock()

	<-h.doneCh
}

func (h *Handle) isStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

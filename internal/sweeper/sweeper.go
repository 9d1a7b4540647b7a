// Package sweeper runs the periodic reconciliation pass that repairs
// state the direct teardown path missed: stale in-memory connections,
// expired retry state, and orphaned durable presence records.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/commonaid/realtime/internal/observability"
	"github.com/commonaid/realtime/internal/reconnect"
	"github.com/commonaid/realtime/internal/registry"
	"github.com/commonaid/realtime/internal/storage"
)

const evictionReason = "sweeper_evicted"

// Config tunes the sweep thresholds.
type Config struct {
	// Interval is the sweep period.
	Interval time.Duration
	// StaleConnectionAge is the idle age past which connections are
	// force-closed even if their transport looks open.
	StaleConnectionAge time.Duration
	// RetryStateTTL is the age past which retry bookkeeping is dropped.
	RetryStateTTL time.Duration
}

// DefaultConfig returns the production thresholds: sweep every 15m,
// evict connections idle over 1h, drop retry state after 5m.
func DefaultConfig() Config {
	return Config{
		Interval:           15 * time.Minute,
		StaleConnectionAge: time.Hour,
		RetryStateTTL:      5 * time.Minute,
	}
}

// ForceCloseFunc tears down one connection through the gateway's single
// teardown path.
type ForceCloseFunc func(connectionID, reason string)

// Sweeper reconciles in-memory and durable connection state.
type Sweeper struct {
	config     Config
	reg        *registry.Registry
	retries    *reconnect.Tracker
	presences  storage.PresenceStore
	forceClose ForceCloseFunc
	logger     *slog.Logger
	metrics    *observability.Metrics

	cron *cron.Cron
}

// New creates a sweeper. If logger is nil, slog.Default() is used.
func New(
	config Config,
	reg *registry.Registry,
	retries *reconnect.Tracker,
	presences storage.PresenceStore,
	forceClose ForceCloseFunc,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Sweeper {
	if config.Interval <= 0 {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		config:     config,
		reg:        reg,
		retries:    retries,
		presences:  presences,
		forceClose: forceClose,
		logger:     logger,
		metrics:    metrics,
	}
}

// Start schedules the periodic sweep.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.config.Interval)
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started", "interval", s.config.Interval)
	return nil
}

// Stop halts the schedule. A sweep in flight finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce performs one full reconciliation pass. The durable-store pass
// runs last so its failures never prevent the in-memory cleanup.
func (s *Sweeper) RunOnce() {
	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
	}

	closed := s.sweepConnections()
	dropped := s.retries.SweepStale(s.config.RetryStateTTL)
	if s.metrics != nil {
		s.metrics.SweepEvictions.WithLabelValues("retry_state").Add(float64(dropped))
	}

	orphans := s.sweepPresences()

	s.logger.Info("sweep complete",
		"connections_closed", closed,
		"retry_states_dropped", dropped,
		"presences_deleted", orphans)
}

// sweepConnections force-closes connections that are idle beyond the
// stale threshold or whose transport is already gone.
func (s *Sweeper) sweepConnections() int {
	closed := 0
	s.reg.ForEach(func(conn *registry.Conn) {
		idle := time.Since(conn.LastActivity())
		if idle <= s.config.StaleConnectionAge && conn.Sender().Open() {
			return
		}
		s.logger.Info("evicting stale connection",
			"connection_id", conn.ID,
			"user_id", conn.UserID(),
			"idle", idle)
		s.forceClose(conn.ID, evictionReason)
		closed++
	})
	if s.metrics != nil {
		s.metrics.SweepEvictions.WithLabelValues("connection").Add(float64(closed))
	}
	return closed
}

// sweepPresences deletes durable presence rows with no live, open
// connection behind them. This is what restores the presence invariant
// after a crash or unclean drop.
func (s *Sweeper) sweepPresences() int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	presences, err := s.presences.ListAll(ctx)
	if err != nil {
		s.logger.Error("presence reconciliation skipped", "error", err)
		return 0
	}

	deleted := 0
	for _, p := range presences {
		conn := s.reg.Get(p.ConnectionID)
		if conn != nil && conn.Sender().Open() {
			continue
		}
		if err := s.presences.Delete(ctx, p.ConnectionID); err != nil {
			s.logger.Error("orphan presence delete failed",
				"connection_id", p.ConnectionID, "error", err)
			continue
		}
		deleted++
	}
	if s.metrics != nil {
		s.metrics.SweepEvictions.WithLabelValues("presence").Add(float64(deleted))
	}
	return deleted
}
